// Command luminad is the process entry point for the Lumina turn-taking
// engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lumina/lumina/internal/config"
	"github.com/lumina/lumina/internal/observe"
	"github.com/lumina/lumina/pkg/memory/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "luminad: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "luminad: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lumina"})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		logger.Error("failed to build providers", "err", err)
		return 1
	}

	srv := &server{
		providers:     providers,
		engineCfg:     cfg.Session.EngineConfig(),
		playback:      newPlaybackRegistry(),
		playbackCodec: cfg.Server.PlaybackCodec,
		logger:        logger,
	}

	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		transcriptStore, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			logger.Error("failed to connect transcript store", "err", err)
			return 1
		}
		defer transcriptStore.Close()
		srv.transcriptSink = transcriptStore
		logger.Info("transcript logging enabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", srv.handleSession)
	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: otelhttp.NewHandler(observe.Middleware(observe.DefaultMetrics())(mux), "luminad"),
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	}

	pbListener, err := net.Listen("tcp", cfg.Server.PlaybackAddr)
	if err != nil {
		logger.Error("failed to bind playback listener", "addr", cfg.Server.PlaybackAddr, "err", err)
		return 1
	}

	errCh := make(chan error, 3)
	go func() {
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			errCh <- httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()
	go acceptPlaybackConnections(ctx, pbListener, srv.playback, logger)
	if metricsSrv != nil {
		go func() { errCh <- metricsSrv.ListenAndServe() }()
	}

	logger.Info("luminad ready",
		"listen_addr", cfg.Server.ListenAddr,
		"playback_addr", cfg.Server.PlaybackAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	}

	logger.Info("shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = pbListener.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
	}

	logger.Info("goodbye")
	return 0
}

// acceptPlaybackConnections runs the length-prefixed playback egress
// listener (spec.md §6). Each connection begins with a newline-terminated
// session ID identifying which dialogue session's mixer output it carries;
// the connection is then handed to that session's [server.handleSession]
// goroutine via playbackReg.
func acceptPlaybackConnections(ctx context.Context, ln net.Listener, reg *playbackRegistry, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("playback: accept", "err", err)
			continue
		}
		go attachPlaybackConnection(conn, reg, logger)
	}
}

func attachPlaybackConnection(conn net.Conn, reg *playbackRegistry, logger *slog.Logger) {
	sessionID, err := readSessionIDLine(conn)
	if err != nil {
		logger.Warn("playback: read session id", "err", err)
		conn.Close()
		return
	}
	reg.attach(sessionID, conn)
}

func readSessionIDLine(conn net.Conn) (string, error) {
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if one[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, one[0])
		if len(buf) > 256 {
			return "", fmt.Errorf("playback: session id line too long")
		}
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
