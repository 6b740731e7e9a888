package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/api"
	"github.com/snarg/scribed/internal/broadcast"
	"github.com/snarg/scribed/internal/config"
	"github.com/snarg/scribed/internal/control"
	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/metrics"
	"github.com/snarg/scribed/internal/mqttclient"
	"github.com/snarg/scribed/internal/reconcile"
	"github.com/snarg/scribed/internal/session"
	"github.com/snarg/scribed/internal/source"
	"github.com/snarg/scribed/internal/store"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..panic)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres connection URL")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL")
	flag.StringVar(&overrides.DeviceName, "device", "", "capture device name")
	flag.StringVar(&overrides.TapName, "tap", "", "tapped process/pipe name")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribed starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database is optional: without it confirmed segments are not persisted.
	var db *store.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = store.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
	} else {
		log.Info().Msg("no database configured, segment persistence disabled")
	}

	// Two MQTT sessions: the engine link needs ordered per-topic delivery so a
	// stream's results apply in production order; the status surface does not.
	mqttLog := log.With().Str("component", "mqtt").Logger()
	engineMQTT, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID + "-engine",
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Ordered:   true,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect engine mqtt client")
	}
	defer engineMQTT.Close()

	surfaceMQTT, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID + "-surface",
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect surface mqtt client")
	}
	defer surfaceMQTT.Close()

	eng := engine.NewRemote(engineMQTT, cfg.EngineTopicPrefix, log)

	rec := reconcile.New(reconcile.Options{
		MinHypothesisGap: cfg.HypothesisMinGap,
		Log:              log,
	})

	var writer *store.Writer
	if db != nil {
		writer = store.NewWriter(db, log)
		rec.SetConfirmedResultCallback(writer.ConfirmedResult)
		defer writer.Stop()
	}

	surface := broadcast.NewMQTTSurface(surfaceMQTT, cfg.ActivityTopicPrefix, log)
	bcast := broadcast.New(surface, broadcast.Options{
		Enabled:         cfg.BroadcastEnabled,
		Attributes:      broadcast.Attributes{Title: cfg.BroadcastTitle},
		PublishInterval: cfg.BroadcastThrottle,
		WatchdogTimeout: cfg.WatchdogTimeout,
		Log:             log,
	})

	tap := source.NewFileTap(cfg.TapSpoolDir, log)

	// The controller consumes the manager and the manager notifies the
	// controller, so the exhaustion hook is bound late.
	var ctrl *control.Controller
	mgr := session.NewManager(session.ManagerOptions{
		Engine:  eng,
		Rec:     rec,
		Devices: eng,
		Taps:    tap,
		TapFeed: tap,
		Log:     log,
		OnFeedsExhausted: func() {
			if ctrl != nil {
				ctrl.OnFeedsExhausted()
			}
		},
	})

	ctrl = control.New(control.Options{
		Manager:     mgr,
		Reconciler:  rec,
		Broadcaster: bcast,
		Sources:     session.Config{DeviceName: cfg.DeviceName, TapName: cfg.TapName},
		Lang:        cfg.Language,
		StreamMode:  cfg.StreamMode,
		Log:         log,
	})

	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, ctrl))

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, ctrl, db, engineMQTT, version, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	ctrl.StopSession()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("scribed stopped")
}
