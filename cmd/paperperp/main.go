package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/datasource"
	"github.com/peter-kozarec/paperperp/pkg/datasource/stream"
	"github.com/peter-kozarec/paperperp/pkg/exchange/sandbox"
	"github.com/peter-kozarec/paperperp/pkg/middleware"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
	"github.com/peter-kozarec/paperperp/pkg/utility"
)

const Version = "0.1.0"

func main() {
	envPath := flag.String("env", "", "path to a .env file")
	production := flag.Bool("production", false, "log JSON at info level")
	flag.Parse()

	logger := newLogger(*production)
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	logger.Info("paperperp started",
		zap.String("version", Version),
		zap.String("session_id", utility.GetSessionID().String()))
	defer logger.Info("paperperp finished")

	cfg, err := LoadConfig(*envPath)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	router := bus.NewRouter(logger, RouterEventCapacity)
	monitor := middleware.NewMonitor(logger, MonitorFlags)
	telemetry := middleware.NewTelemetry(logger, prometheus.DefaultRegisterer)

	secondary := openSecondaryLedgers(ctx, logger, cfg)

	start := time.Now()
	engines := make([]*sandbox.Engine, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		engine, err := newEngine(logger, router, cfg, account, start)
		if err != nil {
			logger.Fatal("unable to create paper engine", zap.String("account", account), zap.Error(err))
		}
		engines = append(engines, engine)
	}

	wire(router, engines, monitor, telemetry, secondary, logger)

	metrics := serveMetrics(logger, cfg.MetricsAddr)

	routerDone := router.Exec(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, engine := range engines {
		g.Go(func() error { return engine.Run(gctx) })
	}
	g.Go(func() error { return runFeed(gctx, logger, cfg.MarketData, router) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("something unexpected happened", zap.Error(err))
	}
	cancel()
	<-routerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, engine := range engines {
		engine.Shutdown(shutdownCtx)
	}
	router.Drain(shutdownCtx)

	if len(secondary) > 0 {
		if err := secondary.Close(); err != nil {
			logger.Warn("unable to close secondary ledgers", zap.Error(err))
		}
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("unable to stop metrics server", zap.Error(err))
	}

	router.Statistics().Print(logger)
}

func newLogger(production bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if production {
		cfg = zap.NewProductionConfig()
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableCaller = true

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newEngine(logger *zap.Logger, router *bus.Router, cfg Config, account string, start time.Time) (*sandbox.Engine, error) {
	csvLog, err := tradelog.CreateCSV(filepath.Join(cfg.TradeLogDir, account), start)
	if err != nil {
		return nil, err
	}
	logger.Info("trade log created", zap.String("account", account), zap.String("path", csvLog.Path()))

	engine, err := sandbox.NewEngine(cfg.EngineConfig(account),
		sandbox.WithLogger(logger.With(zap.String("account", account))),
		sandbox.WithRouter(router),
		sandbox.WithTradeLog(csvLog))
	if err != nil {
		_ = csvLog.Close()
		return nil, err
	}
	return engine, nil
}

// openSecondaryLedgers connects the optional DuckDB store and NATS
// publisher. A sink that cannot be opened is logged and left out.
func openSecondaryLedgers(ctx context.Context, logger *zap.Logger, cfg Config) tradelog.Multi {
	var sinks tradelog.Multi

	if cfg.DuckDBPath != "" {
		db, err := tradelog.OpenDuckDB(ctx, cfg.DuckDBPath)
		if err != nil {
			logger.Error("unable to open duckdb ledger", zap.String("path", cfg.DuckDBPath), zap.Error(err))
		} else {
			sinks = append(sinks, db)
		}
	}

	if cfg.NATSURL != "" {
		nc, err := tradelog.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Error("unable to connect to nats", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			sinks = append(sinks, nc)
		}
	}

	return sinks
}

func wire(router *bus.Router, engines []*sandbox.Engine, monitor *middleware.Monitor, telemetry *middleware.Telemetry, secondary tradelog.Multi, logger *zap.Logger) {
	bookHandlers := make([]bus.EventHandler[common.Book], 0, len(engines))
	for _, engine := range engines {
		bookHandlers = append(bookHandlers, engine.OnBook)
	}

	fillMiddlewares := []func(bus.FillEventHandler) bus.FillEventHandler{monitor.WithFill, telemetry.WithFill}
	if len(secondary) > 0 {
		fillMiddlewares = append(fillMiddlewares, middleware.NewLedger(logger, secondary).WithFill)
	}

	router.OnBook = middleware.Chain(monitor.WithBook, telemetry.WithBook)(bus.BookEventHandler(bus.MergeHandlers(bookHandlers...)))
	router.OnAccountState = middleware.Chain(monitor.WithAccountState, telemetry.WithAccountState)(middleware.NoopAccountHdl)
	router.OnOrderAcceptance = middleware.Chain(monitor.WithOrderAccepted, telemetry.WithOrderAccepted)(middleware.NoopOrderAccHdl)
	router.OnOrderRejection = middleware.Chain(monitor.WithOrderRejected, telemetry.WithOrderRejected)(middleware.NoopOrderRjctHdl)
	router.OnOrderCancel = middleware.Chain(monitor.WithOrderCancelled, telemetry.WithOrderCancelled)(middleware.NoopOrderCancelHdl)
	router.OnFill = middleware.Chain(fillMiddlewares...)(middleware.NoopFillHdl)
}

func serveMetrics(logger *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

// runFeed streams books onto the router and reconnects with exponential
// backoff until ctx is done.
func runFeed(ctx context.Context, logger *zap.Logger, url string, router *bus.Router) error {
	backoff := reconnectBackoffMin
	for {
		client, err := stream.Dial(ctx, url, logger)
		if err == nil {
			backoff = reconnectBackoffMin
			err = pump(ctx, logger, datasource.CreateBookDispatcher(router, client))
			_ = client.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("market data stream lost, reconnecting", zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectBackoffMax)
	}
}

func pump(ctx context.Context, logger *zap.Logger, dispatch func(context.Context) error) error {
	for {
		err := dispatch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, bus.ErrCapacityReached):
			logger.Warn("router full, dropping book")
		default:
			return err
		}
	}
}
