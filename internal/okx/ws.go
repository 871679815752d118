package okx

import (
	"context"
	"encoding/json"
	"time"

	"okx-carry-bot/internal/exchange"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream consumes the OKX public websocket: spot and swap tickers plus the
// funding-rate channel, folded into exchange.Tick updates.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	spotInst       string
	swapInst       string
	log            *zap.Logger
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, spotInst, swapInst string, log *zap.Logger) *Stream {
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		spotInst:       spotInst,
		swapInst:       swapInst,
		log:            log,
	}
}

func (s *Stream) Stream(ctx context.Context, handler func(exchange.Tick)) error {
	for {
		err := s.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("ws stream ended, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, handler func(exchange.Tick)) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := map[string]any{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "tickers", "instId": s.spotInst},
			{"channel": "tickers", "instId": s.swapInst},
			{"channel": "funding-rate", "instId": s.swapInst},
		},
	}
	if err := writeJSON(ctx, conn, sub); err != nil {
		return err
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if tick, ok := s.parse(data); ok {
			handler(tick)
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// OKX expects a literal "ping" frame
			if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (s *Stream) parse(data []byte) (exchange.Tick, bool) {
	if string(data) == "pong" {
		return exchange.Tick{}, false
	}
	var msg struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.Data) == 0 {
		return exchange.Tick{}, false
	}
	tick := exchange.Tick{ObservedAt: time.Now().UTC()}
	switch msg.Arg.Channel {
	case "tickers":
		var t struct {
			Last string `json:"last"`
		}
		if err := json.Unmarshal(msg.Data[0], &t); err != nil {
			return exchange.Tick{}, false
		}
		last := parseFloat(t.Last)
		if last <= 0 {
			return exchange.Tick{}, false
		}
		if msg.Arg.InstID == s.spotInst {
			tick.SpotPrice = last
		} else {
			tick.FuturesPrice = last
		}
	case "funding-rate":
		var f struct {
			FundingRate string `json:"fundingRate"`
			FundingTime string `json:"fundingTime"`
		}
		if err := json.Unmarshal(msg.Data[0], &f); err != nil {
			return exchange.Tick{}, false
		}
		tick.FundingRate = parseFloat(f.FundingRate)
		tick.HasFundingRate = true
		if ms := parseFloat(f.FundingTime); ms > 0 {
			tick.NextFundingTime = time.UnixMilli(int64(ms)).UTC()
		}
	default:
		return exchange.Tick{}, false
	}
	return tick, true
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
