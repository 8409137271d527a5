// Package main runs the autonomous intraday options trading engine: the
// options and equity cycles, the policy gate, the alert webhook and the
// admin API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gammadesk/options-engine/internal/ai"
	"github.com/gammadesk/options-engine/internal/api"
	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/sched"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	host := flag.String("host", "localhost", "API server host")
	port := flag.Int("port", 8080, "API server port")
	dataDir := flag.String("data", "./data", "State directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configFile := flag.String("config", "", "Optional config file (yaml)")
	flag.Parse()

	// .env first, then the optional config file; env always wins.
	_ = godotenv.Load()
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			panic(err)
		}
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting options engine",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("dataDir", *dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	storage, err := store.NewStorage(logger, *dataDir)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	audit, err := store.NewAuditLog(logger, *dataDir+"/audit")
	if err != nil {
		logger.Fatal("audit log init failed", zap.Error(err))
	}
	defer audit.Close()

	// Broker gateway
	gatewayConfig := market.DefaultAlpacaConfig()
	if url := v.GetString("BROKER_URL"); url != "" {
		gatewayConfig.TradingBaseURL = url
	}
	if url := v.GetString("DATA_URL"); url != "" {
		gatewayConfig.DataBaseURL = url
	}
	gatewayConfig.APIKey = firstNonEmpty(v.GetString("BROKER_KEY"), os.Getenv("APCA_API_KEY_ID"))
	gatewayConfig.APISecret = firstNonEmpty(v.GetString("BROKER_SECRET"), os.Getenv("APCA_API_SECRET_KEY"))
	gateway := market.NewAlpacaGateway(logger, gatewayConfig)

	// Policy and breaker
	policyEngine := policy.NewEngine(logger, storage)
	breaker := policy.NewCircuitBreaker(logger, storage)

	// Feature services
	gexEngine := gex.NewEngine(logger, gex.DefaultConfig())
	macroSvc := macro.NewService(logger, gateway)
	mtfSvc := mtf.NewService(logger, gateway)
	directionAssessor := assessor.New(logger)

	// LLM adjudicator; a missing key disables it and every decision is SKIP.
	completer := ai.NewHTTPCompleter(ai.HTTPCompleterConfig{
		BaseURL: v.GetString("LLM_URL"),
		APIKey:  firstNonEmpty(v.GetString("LLM_KEY"), os.Getenv("OPENAI_API_KEY")),
		Model:   v.GetString("LLM_MODEL"),
	})
	var adjCompleter ai.Completer
	if completer != nil {
		adjCompleter = completer
	} else {
		logger.Warn("no LLM key configured, adjudicator disabled")
	}
	adjudicator := ai.New(logger, adjCompleter, 20*time.Second)

	// WebSocket hub doubles as the engines' notifier.
	hub := api.NewHub(logger)
	breaker.OnTrip = func(reason string, pausedUntil time.Time) {
		hub.Notify("breaker_trip", map[string]any{
			"reason":      reason,
			"pausedUntil": pausedUntil,
		})
	}

	// Engines
	optionsEngine := engine.NewOptionsEngine(
		logger, gateway, policyEngine, breaker,
		gexEngine, macroSvc, mtfSvc, directionAssessor, adjudicator,
		storage, audit, hub,
		engine.OptionsConfig{},
	)
	equityEngine := engine.NewEquityEngine(
		logger, gateway, policyEngine, breaker,
		macroSvc, directionAssessor, audit, hub,
		engine.EquityConfig{Universe: v.GetStringSlice("EQUITY_UNIVERSE")},
	)

	// Scheduler: periodic ticks plus the external-event inbox.
	scheduler := sched.New(logger)
	scanInterval := time.Duration(policyEngine.GetConfig().ScanIntervalMinutes) * time.Minute
	scheduler.AddJob(sched.Job{
		Name:     "options-tick",
		Interval: scanInterval,
		Run: func(ctx context.Context) {
			scheduler.Deliver(sched.Event{Kind: sched.EventTick, Payload: "options"})
		},
	})
	scheduler.AddJob(sched.Job{
		Name:     "equity-tick",
		Interval: scanInterval,
		Run: func(ctx context.Context) {
			scheduler.Deliver(sched.Event{Kind: sched.EventTick, Payload: "equity"})
		},
	})
	scheduler.AddJob(sched.Job{
		Name:     "heartbeat",
		Interval: time.Minute,
		Run: func(ctx context.Context) {
			hub.Notify("heartbeat", map[string]any{"at": time.Now().UTC()})
		},
	})

	scheduler.Subscribe("options-engine", sched.EventTick, func(ctx context.Context, event sched.Event) {
		if event.Payload != "options" {
			return
		}
		if err := optionsEngine.Cycle(ctx); err != nil {
			logger.Error("options cycle failed", zap.Error(err))
		}
	})
	scheduler.Subscribe("equity-engine", sched.EventTick, func(ctx context.Context, event sched.Event) {
		if event.Payload != "equity" {
			return
		}
		if err := equityEngine.Cycle(ctx); err != nil {
			logger.Error("equity cycle failed", zap.Error(err))
		}
	})
	scheduler.Subscribe("options-engine", sched.EventAlert, func(ctx context.Context, event sched.Event) {
		alert, ok := event.Payload.(types.Alert)
		if !ok {
			return
		}
		if err := optionsEngine.HandleAlert(ctx, alert); err != nil {
			logger.Warn("alert handling failed", zap.Error(err))
		}
	})
	scheduler.Subscribe("options-engine", sched.EventCloseAll, func(ctx context.Context, event sched.Event) {
		optionsEngine.KillSweep(ctx)
	})

	// API server
	server := api.NewServer(logger, api.ServerConfig{
		Host:          *host,
		Port:          *port,
		EnableMetrics: true,
	}, policyEngine, breaker, optionsEngine, scheduler, hub)

	scheduler.Start(ctx)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("engine running",
		zap.Duration("scanInterval", scanInterval),
		zap.Strings("underlyings", policyEngine.GetConfig().OptionsUnderlyings))

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("engine stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
