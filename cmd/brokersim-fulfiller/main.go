package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"brokersim/internal/api"
	"brokersim/internal/broker"
	"brokersim/internal/config"
	"brokersim/internal/domain"
	"brokersim/internal/engine"
	"brokersim/internal/metrics"
	"brokersim/internal/store"
	"brokersim/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		log.Fatalf("loading timezone: %v", err)
	}

	// Stores.
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer db.Close()
	prices := store.NewParquetStore(cfg.Storage.DataDir, domain.Granularity(cfg.Market.IntradayGranularity))

	// Calendar: Alpaca when credentials are configured, static otherwise.
	static, err := util.NewTradingCalendar(cfg.Market.Holidays, loc)
	if err != nil {
		log.Fatalf("building calendar: %v", err)
	}
	var calendar engine.MarketCalendar = static
	if cfg.Alpaca.APIKey != "" {
		client := util.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		ac, err := util.NewAlpacaCalendar(client, static, logger)
		if err != nil {
			log.Fatalf("building alpaca calendar: %v", err)
		}
		calendar = ac
	}

	recorder := metrics.NewRecorder()
	eng := engine.NewEngine(db, db, prices, calendar, engine.Options{
		MaxWorkers: cfg.Fulfillment.MaxWorkers,
		Lots: engine.LotPolicy{
			FractionalEquities: cfg.Fulfillment.FractionalEquities,
			FundUnitPlaces:     int32(cfg.Fulfillment.FundUnitPlaces),
		},
		Observer: recorder,
	}, logger)
	desk := broker.NewSimulatorBroker(db, db, db, logger)

	d := &daemon{
		cfg:    cfg,
		loc:    loc,
		engine: eng,
		prices: prices,
		logger: logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if addr := cfg.GRPCAddr(); addr != "" {
		srv := api.NewServer(api.NewService(eng, desk, &d.passMu, logger), logger)
		g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
	}

	if addr := cfg.MetricsAddr(); addr != "" {
		httpServer := recorder.NewServer(addr)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return d.schedule(ctx) })

	logger.Info("brokersim-fulfiller started",
		"grpc", cfg.GRPCAddr(),
		"metrics", cfg.MetricsAddr(),
		"run_at", cfg.Fulfillment.RunAt,
		"interval", cfg.Fulfillment.Interval,
		"workers", cfg.Fulfillment.MaxWorkers,
	)
	if err := g.Wait(); err != nil {
		logger.Error("brokersim-fulfiller stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("brokersim-fulfiller stopped")
}

type daemon struct {
	cfg    *config.Config
	loc    *time.Location
	engine *engine.Engine
	prices *store.ParquetStore
	logger *slog.Logger

	// passMu serializes scheduled and on-demand passes.
	passMu sync.Mutex
}

// schedule runs a pass every interval, or once a day at run_at followed by
// price data maintenance, until ctx is cancelled.
func (d *daemon) schedule(ctx context.Context) error {
	if every := d.cfg.Fulfillment.Interval; every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.runPass(ctx)
			}
		}
	}

	hour, minute, err := util.ParseClock(d.cfg.Fulfillment.RunAt)
	if err != nil {
		return err
	}
	for {
		next := util.NextRun(time.Now().In(d.loc), hour, minute)
		d.logger.Info("next fulfillment pass scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		d.runPass(ctx)
		d.maintain(ctx, next)
	}
}

func (d *daemon) runPass(ctx context.Context) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	if _, err := d.engine.RunFulfillmentPass(ctx); err != nil {
		// Failed settlements are retried on the next pass.
		d.logger.Error("fulfillment pass finished with errors", "error", err)
	}
}

// maintain rolls the day's intraday data into daily points and prunes data
// past retention.
func (d *daemon) maintain(ctx context.Context, day time.Time) {
	n, err := d.prices.RollupDaily(ctx, day)
	if err != nil {
		d.logger.Error("daily rollup failed", "day", day.Format("2006-01-02"), "error", err)
	} else {
		d.logger.Info("daily rollup complete", "day", day.Format("2006-01-02"), "securities", n)
	}

	m := d.cfg.Maintenance
	policy := store.RetentionPolicy{
		GranularDays:     m.GranularRetentionDays,
		EquityDailyYears: m.EquityDailyYears,
		FundDailyYears:   m.FundDailyYears,
	}
	removed, err := d.prices.Prune(ctx, policy, day)
	if err != nil {
		d.logger.Error("price data prune failed", "error", err)
		return
	}
	d.logger.Info("price data pruned", "files", removed)
}
