// Command multi-chzzk-recorder is the recording orchestration engine.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and loads the
//     channel registry.
//   - Runs the check/record loop: per-channel live probes and streamlink
//     capture sessions at a fixed interval.
//   - Exposes the control-plane HTTP API consumed by the bot front-end:
//     channel management, archive downloads, an SSE notification stream,
//     and /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: active captures are terminated
// and waited for before exit.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/config"
	"github.com/sw2719/multi-chzzk-recorder/db"
	"github.com/sw2719/multi-chzzk-recorder/download"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/recorder"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/server"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chzzk-recorder", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Channel registry
	reg := registry.New(&registry.PGStore{DB: database})
	if err := reg.Load(context.Background()); err != nil {
		slog.Error("failed to load channel registry", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("channel registry loaded", slog.Int("channels", reg.Len()))

	// Save directory: fail fast when the root is missing and no fallback is
	// allowed, rather than discover it on the first recording.
	resolver := storage.NewResolver(cfg.SaveRootDir, cfg.FallbackToCWD, cfg.RecoveryCommand)
	if dir, fallback, err := resolver.BaseDir(context.Background()); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			slog.Error("save directory unavailable and fallback disabled", slog.String("dir", cfg.SaveRootDir))
		} else {
			slog.Error("save directory check failed", slog.Any("err", err))
		}
		os.Exit(1)
	} else if fallback {
		slog.Warn("save directory unavailable, using fallback", slog.String("dir", dir))
	}

	hub := notify.NewHub()
	hub.OnDrop(telemetry.NotificationsDropped.Inc)
	chzzk := chzzkapi.New(cfg.NIDAuth, cfg.NIDSession, cfg.ProbeTimeout)
	launcher := recorder.ExecLauncher{}

	sup := recorder.NewSupervisor(reg, chzzk, launcher, resolver, hub, database, recorder.Config{
		Interval:     cfg.CheckInterval,
		ProbeTimeout: cfg.ProbeTimeout,
		Session: recorder.SessionConfig{
			Quality:            cfg.Quality,
			FileFormat:         cfg.RecFileFormat,
			TimeFormat:         cfg.TimeFormat,
			SpawnFailThreshold: cfg.SpawnFailThreshold,
			StopGrace:          cfg.StopGracePeriod,
		},
	})

	downloads := download.NewManager(launcher, resolver, hub, chzzk, &download.PGJobStore{DB: database}, download.Config{
		DefaultQuality: cfg.Quality,
		FileFormat:     cfg.VODFileFormat,
		TimeFormat:     cfg.TimeFormat,
	})

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	slog.Info("control plane listening", slog.String("addr", cfg.HTTPAddr))
	if err := server.Start(ctx, server.Deps{
		DB:           database,
		Supervisor:   sup,
		Downloads:    downloads,
		Events:       hub,
		Chzzk:        chzzk,
		ControlToken: cfg.ControlToken,
	}, cfg.HTTPAddr); err != nil {
		os.Exit(1)
	}
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
