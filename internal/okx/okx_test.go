package okx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"okx-carry-bot/internal/exchange"

	"go.uber.org/zap"
)

func TestSanitizeClOrdID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"spot-1a2b3c4d-0", "spot1a2b3c4d0"},
		{"abc", "abc"},
		{"", ""},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaXYZ", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaXYZ"},
	}
	for _, c := range cases {
		got := sanitizeClOrdID(c.in)
		if got != c.want {
			t.Fatalf("sanitizeClOrdID(%q): expected %q, got %q", c.in, c.want, got)
		}
		if len(got) > 32 {
			t.Fatalf("sanitizeClOrdID(%q) exceeds 32 chars: %q", c.in, got)
		}
	}
}

func TestTdModeFor(t *testing.T) {
	if mode := tdModeFor("DOGE-USDT-SWAP"); mode != "cross" {
		t.Fatalf("expected cross for swap, got %s", mode)
	}
	if mode := tdModeFor("DOGE-USDT"); mode != "cash" {
		t.Fatalf("expected cash for spot, got %s", mode)
	}
}

func TestFormatAndParseQty(t *testing.T) {
	if s := formatQty(1234.5); s != "1234.5" {
		t.Fatalf("expected 1234.5, got %s", s)
	}
	if s := formatQty(40); s != "40" {
		t.Fatalf("expected 40, got %s", s)
	}
	if v := parseFloat("0.0001"); v != 0.0001 {
		t.Fatalf("expected 0.0001, got %f", v)
	}
	if v := parseFloat(""); v != 0 {
		t.Fatalf("expected 0 for empty, got %f", v)
	}
	if v := parseFloat("junk"); v != 0 {
		t.Fatalf("expected 0 for junk, got %f", v)
	}
}

func TestTransientCode(t *testing.T) {
	for _, code := range []string{"50011", "50013", "50026"} {
		if !transientCode(code) {
			t.Fatalf("expected %s transient", code)
		}
	}
	if transientCode("51000") {
		t.Fatalf("expected 51000 not transient")
	}
}

func TestStreamParseTickers(t *testing.T) {
	s := NewStream("", time.Second, 0, "DOGE-USDT", "DOGE-USDT-SWAP", zap.NewNop())

	tick, ok := s.parse([]byte(`{"arg":{"channel":"tickers","instId":"DOGE-USDT"},"data":[{"last":"0.251"}]}`))
	if !ok || tick.SpotPrice != 0.251 || tick.FuturesPrice != 0 {
		t.Fatalf("unexpected spot tick %+v ok=%v", tick, ok)
	}

	tick, ok = s.parse([]byte(`{"arg":{"channel":"tickers","instId":"DOGE-USDT-SWAP"},"data":[{"last":"0.252"}]}`))
	if !ok || tick.FuturesPrice != 0.252 || tick.SpotPrice != 0 {
		t.Fatalf("unexpected swap tick %+v ok=%v", tick, ok)
	}
}

func TestStreamParseFundingRate(t *testing.T) {
	s := NewStream("", time.Second, 0, "DOGE-USDT", "DOGE-USDT-SWAP", zap.NewNop())
	tick, ok := s.parse([]byte(`{"arg":{"channel":"funding-rate","instId":"DOGE-USDT-SWAP"},"data":[{"fundingRate":"0.0001","fundingTime":"1735689600000"}]}`))
	if !ok {
		t.Fatalf("expected funding tick")
	}
	if tick.FundingRate != 0.0001 || !tick.HasFundingRate {
		t.Fatalf("expected rate 0.0001 present, got %+v", tick)
	}
	want := time.UnixMilli(1735689600000).UTC()
	if !tick.NextFundingTime.Equal(want) {
		t.Fatalf("expected funding time %v, got %v", want, tick.NextFundingTime)
	}

	// zero is a real quote; the presence flag must still be set
	tick, ok = s.parse([]byte(`{"arg":{"channel":"funding-rate","instId":"DOGE-USDT-SWAP"},"data":[{"fundingRate":"0","fundingTime":"1735689600000"}]}`))
	if !ok || !tick.HasFundingRate || tick.FundingRate != 0 {
		t.Fatalf("expected zero rate with presence flag, got %+v ok=%v", tick, ok)
	}
}

func TestStreamParseIgnoresNoise(t *testing.T) {
	s := NewStream("", time.Second, 0, "DOGE-USDT", "DOGE-USDT-SWAP", zap.NewNop())
	for _, raw := range []string{
		"pong",
		`{"event":"subscribe","arg":{"channel":"tickers","instId":"DOGE-USDT"}}`,
		`{"arg":{"channel":"tickers","instId":"DOGE-USDT"},"data":[{"last":"0"}]}`,
		`{"arg":{"channel":"books","instId":"DOGE-USDT"},"data":[{}]}`,
		`not json`,
	} {
		if _, ok := s.parse([]byte(raw)); ok {
			t.Fatalf("expected %q ignored", raw)
		}
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, 100, 10, creds, zap.NewNop())
}

func TestClientPlaceOrder(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/trade/order" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"code":"0","data":[{"ordId":"12345","sCode":"0"}]}`))
	}, Credentials{})

	orderID, err := client.PlaceOrder(context.Background(), exchange.Order{
		Inst:          "DOGE-USDT-SWAP",
		Side:          exchange.Sell,
		Type:          exchange.Market,
		Qty:           40,
		ReduceOnly:    true,
		ClientOrderID: "swap-abc-0",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orderID != "12345" {
		t.Fatalf("expected 12345, got %s", orderID)
	}
	if gotBody["tdMode"] != "cross" || gotBody["sz"] != "40" || gotBody["reduceOnly"] != "true" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if gotBody["clOrdId"] != "swapabc0" {
		t.Fatalf("expected sanitized clOrdId, got %q", gotBody["clOrdId"])
	}
}

func TestClientPlaceOrderReject(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[{"ordId":"","sCode":"51008","sMsg":"insufficient balance"}]}`))
	}, Credentials{})

	_, err := client.PlaceOrder(context.Background(), exchange.Order{Inst: "DOGE-USDT", Qty: 40})
	if !exchange.IsReject(err) {
		t.Fatalf("expected reject, got %v", err)
	}
}

func TestClientEnvelopeErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"rate limit"}`))
	}, Credentials{})
	_, err := client.OrderStatus(context.Background(), "DOGE-USDT", "1")
	if !exchange.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	client = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51000","msg":"parameter error"}`))
	}, Credentials{})
	_, err = client.OrderStatus(context.Background(), "DOGE-USDT", "1")
	if !exchange.IsReject(err) {
		t.Fatalf("expected reject, got %v", err)
	}
}

func TestClientServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway", http.StatusBadGateway)
	}, Credentials{})
	_, err := client.AccountBalance(context.Background())
	if !exchange.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClientOrderStatusMapping(t *testing.T) {
	cases := []struct {
		state string
		want  exchange.OrderState
	}{
		{"filled", exchange.Filled},
		{"partially_filled", exchange.Partial},
		{"canceled", exchange.Canceled},
		{"rejected", exchange.Rejected},
		{"live", exchange.Pending},
	}
	for _, c := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":"0","data":[{"state":"` + c.state + `","accFillSz":"12.5","avgPx":"0.25"}]}`))
		}, Credentials{})
		status, err := client.OrderStatus(context.Background(), "DOGE-USDT", "1")
		if err != nil {
			t.Fatalf("state %s: unexpected error: %v", c.state, err)
		}
		if status.State != c.want {
			t.Fatalf("state %s: expected %s, got %s", c.state, c.want, status.State)
		}
		if status.FilledQty != 12.5 || status.AvgPrice != 0.25 {
			t.Fatalf("state %s: unexpected status %+v", c.state, status)
		}
	}
}

func TestClientPendingOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "DOGE-USDT" {
			t.Errorf("unexpected instId %q", got)
		}
		w.Write([]byte(`{"code":"0","data":[{"ordId":"1","instId":"DOGE-USDT"},{"ordId":"2","instId":"DOGE-USDT"}]}`))
	}, Credentials{})
	orders, err := client.PendingOrders(context.Background(), "DOGE-USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 2 || orders[0].OrderID != "1" || orders[1].OrderID != "2" {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestClientAccountBalanceSumsLiabilities(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[{"totalEq":"1500.5","details":[{"ccy":"USDT","liab":"200"},{"ccy":"DOGE","liab":"","crossLiab":"50"}]}]}`))
	}, Credentials{})
	bal, err := client.AccountBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal.EquityUSD != 1500.5 {
		t.Fatalf("expected equity 1500.5, got %f", bal.EquityUSD)
	}
	if bal.OutstandingLoanUSD != 250 {
		t.Fatalf("expected loan 250, got %f", bal.OutstandingLoanUSD)
	}
}

func TestClientSignsAuthenticatedRequests(t *testing.T) {
	var gotHeaders http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{"code":"0","data":[{"interestRate":"0.03"}]}`))
	}, Credentials{Key: "key", Secret: "secret", Passphrase: "pass", Simulated: true})

	apr, err := client.BorrowAPR(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if apr != 0.03 {
		t.Fatalf("expected apr 0.03, got %f", apr)
	}
	if gotHeaders.Get("OK-ACCESS-KEY") != "key" {
		t.Fatalf("missing api key header")
	}
	if gotHeaders.Get("OK-ACCESS-SIGN") == "" || gotHeaders.Get("OK-ACCESS-TIMESTAMP") == "" {
		t.Fatalf("missing signature headers")
	}
	if gotHeaders.Get("x-simulated-trading") != "1" {
		t.Fatalf("missing simulated trading header")
	}
}

func TestPaperFillsAtQuote(t *testing.T) {
	paper := NewPaper(1000, func() (float64, float64) { return 0.25, 0.251 }, zap.NewNop())
	ctx := context.Background()

	orderID, err := paper.PlaceOrder(ctx, exchange.Order{Inst: "DOGE-USDT", Side: exchange.Buy, Type: exchange.Market, Qty: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err := paper.OrderStatus(ctx, "DOGE-USDT", orderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.State != exchange.Filled || status.FilledQty != 40 || status.AvgPrice != 0.25 {
		t.Fatalf("unexpected status %+v", status)
	}

	orderID, err = paper.PlaceOrder(ctx, exchange.Order{Inst: "DOGE-USDT-SWAP", Side: exchange.Sell, Type: exchange.Market, Qty: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, _ = paper.OrderStatus(ctx, "DOGE-USDT-SWAP", orderID)
	if status.AvgPrice != 0.251 {
		t.Fatalf("expected swap price 0.251, got %f", status.AvgPrice)
	}
}

func TestPaperRejectsInvalidSize(t *testing.T) {
	paper := NewPaper(1000, func() (float64, float64) { return 0.25, 0.251 }, zap.NewNop())
	_, err := paper.PlaceOrder(context.Background(), exchange.Order{Inst: "DOGE-USDT", Qty: 0})
	if !exchange.IsReject(err) {
		t.Fatalf("expected reject, got %v", err)
	}
}

func TestPaperNoQuoteIsTransient(t *testing.T) {
	paper := NewPaper(1000, func() (float64, float64) { return 0, 0 }, zap.NewNop())
	_, err := paper.PlaceOrder(context.Background(), exchange.Order{Inst: "DOGE-USDT", Qty: 40})
	if !exchange.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestPaperBorrowRepay(t *testing.T) {
	paper := NewPaper(1000, func() (float64, float64) { return 0.25, 0.251 }, zap.NewNop())
	ctx := context.Background()

	if err := paper.Borrow(ctx, "USDT", 2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bal, _ := paper.AccountBalance(ctx)
	if bal.EquityUSD != 3000 || bal.OutstandingLoanUSD != 2000 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	if err := paper.RepayAll(ctx, "USDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bal, _ = paper.AccountBalance(ctx)
	if bal.EquityUSD != 1000 || bal.OutstandingLoanUSD != 0 {
		t.Fatalf("unexpected balance after repay %+v", bal)
	}
}

func TestPaperPendingOrdersEmptyAfterFills(t *testing.T) {
	paper := NewPaper(1000, func() (float64, float64) { return 0.25, 0.251 }, zap.NewNop())
	ctx := context.Background()
	if _, err := paper.PlaceOrder(ctx, exchange.Order{Inst: "DOGE-USDT", Qty: 40}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, err := paper.PendingOrders(ctx, "DOGE-USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending orders, got %d", len(pending))
	}
}
