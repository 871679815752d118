package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/borrow"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/engine"
	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/journal"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/okx"
	"okx-carry-bot/internal/position/sqlite"
	"okx-carry-bot/internal/risk"

	"go.uber.org/zap"
)

const marketWarmup = 30 * time.Second

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	client  exchange.Client
	stream  exchange.Streamer
	cache   *market.Cache
	feed    *market.Feed
	eval    *risk.Evaluator
	monitor *risk.Monitor
	engine  *engine.Engine
	borrow  *borrow.Manager
	journal *journal.Writer
	emitter *alerts.Emitter
	notify  alerts.Notifier
	prom    *metrics.Prometheus
	rest    *okx.Client
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	cache := market.NewCache(cfg.Risk.FreshnessWindow, cfg.Risk.StaleGraceWindow)
	stream := okx.NewStream(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval,
		cfg.Engine.SpotInst, cfg.Engine.SwapInst, log)

	var client exchange.Client
	var restClient *okx.Client
	switch cfg.Engine.Mode {
	case config.ModeLive:
		creds := okx.Credentials{
			Key:        strings.TrimSpace(os.Getenv("OKX_API_KEY")),
			Secret:     strings.TrimSpace(os.Getenv("OKX_API_SECRET")),
			Passphrase: strings.TrimSpace(os.Getenv("OKX_API_PASSPHRASE")),
			Simulated:  os.Getenv("OKX_SIMULATED") == "1",
		}
		if creds.Key == "" || creds.Secret == "" || creds.Passphrase == "" {
			_ = store.Close()
			return nil, errors.New("OKX_API_KEY, OKX_API_SECRET and OKX_API_PASSPHRASE are required in live mode")
		}
		restClient = okx.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, cfg.REST.RatePerSec, cfg.REST.RateBurst, creds, log)
		client = restClient
	case config.ModeSim:
		client = okx.NewPaper(cfg.Engine.EquityUSD, func() (float64, float64) {
			snap, _ := cache.Current()
			return snap.SpotPrice, snap.FuturesPrice
		}, log)
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Engine.Mode)
	}

	executor := exec.New(client, store, log, cfg.Engine.MaxOrderRetries, cfg.Engine.RetryBackoff)
	borrowMgr := borrow.NewManager(client, quoteCcy(cfg.Engine.SpotInst), log)

	jw, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	var notify alerts.Notifier = alerts.NewNoop()
	var emitter *alerts.Emitter
	if cfg.Telegram.Enabled {
		emitter = alerts.NewEmitter(alerts.NewTelegram(cfg.Telegram), log)
		notify = emitter
	}

	prom := metrics.NewPrometheus()
	executor.SetMetrics(prom.Metrics)

	eng := engine.New(store, store, executor, borrowMgr, client, cache, jw, notify, prom.Metrics,
		cfg.Engine, cfg.Risk, log)
	eval := risk.NewEvaluator()
	monitor := risk.NewMonitor(cache, eval, eng.ListOpen, cfg.Engine.EvalInterval, log)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		client:  client,
		stream:  stream,
		cache:   cache,
		feed:    market.NewFeed(stream, cache, log),
		eval:    eval,
		monitor: monitor,
		engine:  eng,
		borrow:  borrowMgr,
		journal: jw,
		emitter: emitter,
		notify:  notify,
		prom:    prom,
		rest:    restClient,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.journal.Close()

	if a.emitter != nil {
		go a.emitter.Run(ctx)
	}
	a.journal.Start(ctx)

	go func() {
		if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("market feed stopped", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	a.cancelStrayOrders(ctx)
	if err := a.engine.Resume(ctx); err != nil {
		return fmt.Errorf("resume positions: %w", err)
	}
	go a.pollBorrowAPR(ctx)
	if a.rest != nil {
		go a.pollMarginRequirement(ctx)
	}

	a.notify.Emit(alerts.KindEngineStarted, map[string]any{
		"mode":      a.cfg.Engine.Mode,
		"spot_inst": a.cfg.Engine.SpotInst,
		"swap_inst": a.cfg.Engine.SwapInst,
	})

	if err := a.ensurePosition(ctx); err != nil {
		a.log.Error("initial open failed", zap.Error(err))
	}

	go func() {
		if err := a.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("risk monitor stopped", zap.Error(err))
		}
	}()

	err := a.engine.Run(ctx, a.monitor.Events())

	grace, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownGrace)
	defer cancel()
	a.engine.Shutdown(grace)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(grace)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cancelStrayOrders sweeps orders left on the book by a previous run before
// any state is resumed against them.
func (a *App) cancelStrayOrders(ctx context.Context) {
	for _, inst := range []string{a.cfg.Engine.SpotInst, a.cfg.Engine.SwapInst} {
		pending, err := a.client.PendingOrders(ctx, inst)
		if err != nil {
			a.log.Warn("pending order sweep failed", zap.String("inst", inst), zap.Error(err))
			continue
		}
		for _, order := range pending {
			if err := a.client.CancelOrder(ctx, order.Inst, order.OrderID); err != nil {
				a.log.Warn("stray order cancel failed",
					zap.String("inst", order.Inst),
					zap.String("order_id", order.OrderID),
					zap.Error(err),
				)
				continue
			}
			a.log.Info("canceled stray order",
				zap.String("inst", order.Inst),
				zap.String("order_id", order.OrderID),
			)
		}
	}
}

// ensurePosition opens the carry position if the store holds none. The bot
// exists to hold exactly one position per instrument pair.
func (a *App) ensurePosition(ctx context.Context) error {
	open := a.engine.ListOpen(ctx)
	if len(open) > 0 {
		return nil
	}
	if err := a.waitForMarket(ctx); err != nil {
		return err
	}
	_, err := a.engine.Open(ctx)
	return err
}

func (a *App) waitForMarket(ctx context.Context) error {
	deadline := time.NewTimer(marketWarmup)
	defer deadline.Stop()
	for {
		if snap, fresh := a.cache.Current(); fresh == market.Fresh && snap.SpotPrice > 0 && snap.FuturesPrice > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("no market data within warmup window")
		case <-a.cache.Updates():
		}
	}
}

func (a *App) pollBorrowAPR(ctx context.Context) {
	interval := a.cfg.REST.APRInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		apr, err := a.borrow.APR(ctx)
		if err != nil {
			a.log.Warn("borrow apr poll failed", zap.Error(err))
		} else {
			a.eval.SetBorrowAPR(apr)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollMarginRequirement feeds the maintenance margin ratio into the
// snapshot cache. It reuses the last feed timestamp so a REST poll can
// never make a dead websocket look alive.
func (a *App) pollMarginRequirement(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		mmr, err := a.rest.MarginRequirement(ctx, a.cfg.Engine.SwapInst)
		if err != nil {
			a.log.Warn("margin requirement poll failed", zap.Error(err))
		} else if mmr > 0 {
			if snap, fresh := a.cache.Current(); fresh != market.Expired && !snap.ObservedAt.IsZero() {
				a.cache.Update(exchange.Tick{MarginRequirementPct: mmr, ObservedAt: snap.ObservedAt})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// quoteCcy is the margin loan currency: the quote side of the spot pair.
func quoteCcy(spotInst string) string {
	if i := strings.LastIndex(spotInst, "-"); i >= 0 {
		return spotInst[i+1:]
	}
	return "USDT"
}
