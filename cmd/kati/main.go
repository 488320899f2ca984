package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/katidev/kati/internal/api"
	"github.com/katidev/kati/internal/archive"
	"github.com/katidev/kati/internal/auth"
	"github.com/katidev/kati/internal/call"
	"github.com/katidev/kati/internal/capture"
	"github.com/katidev/kati/internal/config"
	"github.com/katidev/kati/internal/gateway"
	"github.com/katidev/kati/internal/observability"
	"github.com/katidev/kati/internal/playback"
	"github.com/katidev/kati/internal/protocol"
	"github.com/katidev/kati/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sessions, err := auth.NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}

	ctx := context.Background()
	store, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive init failed: %v", err)
	}
	defer store.Close()

	client := api.New(cfg.BackendURL, cfg.HTTPTimeout, sessions)

	source := buildCaptureSource(cfg)
	player := buildPlayer(cfg)

	recorder := capture.NewRecorder(source, cfg.SilenceTimeout)
	transcriptLog := transcript.NewLog()

	engine := call.NewEngine(
		recorder,
		client,
		player,
		transcriptLog,
		store,
		sessions,
		metrics,
		cfg.CallStartDelay,
		cfg.CallRestartDelay,
	)

	srv := gateway.New(cfg, engine, client, sessions, transcriptLog, metrics)

	// Any 401 from the backend tears the session down; viewers get told so
	// they can re-prompt for credentials.
	client.OnAuthExpired(func() {
		srv.Announce(protocol.SystemEvent{
			Type:   protocol.TypeSystemEvent,
			Code:   "auth_expired",
			Detail: "session expired, please log in again",
		})
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go engine.Run(runCtx)
	go srv.Run(runCtx)

	go func() {
		log.Printf("gateway listening on %s (backend %s)", cfg.BindAddr, cfg.BackendURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func buildCaptureSource(cfg config.Config) capture.Source {
	mode := strings.ToLower(strings.TrimSpace(cfg.CaptureSource))
	if mode == "" {
		mode = "auto"
	}

	ffmpeg := func() capture.Source {
		return capture.NewFFmpegSource(capture.FFmpegConfig{
			Path:        cfg.FFmpegPath,
			InputFormat: cfg.FFmpegInputFormat,
			InputDevice: cfg.FFmpegInputDevice,
			SampleRate:  cfg.SampleRate,
			Format:      cfg.CaptureFormat,
		})
	}

	switch mode {
	case "ffmpeg":
		log.Printf("capture source: ffmpeg (%s/%s)", cfg.FFmpegInputFormat, cfg.FFmpegInputDevice)
		return ffmpeg()
	case "mock":
		log.Printf("capture source: mock")
		return capture.NewMockSource()
	case "auto":
		if _, err := exec.LookPath(cfg.FFmpegPath); err == nil {
			log.Printf("capture source: ffmpeg (%s/%s)", cfg.FFmpegInputFormat, cfg.FFmpegInputDevice)
			return ffmpeg()
		}
		log.Printf("capture source: mock (ffmpeg not found)")
		return capture.NewMockSource()
	default:
		log.Fatalf("invalid KATI_CAPTURE_SOURCE: %q (expected auto|ffmpeg|mock)", cfg.CaptureSource)
		return nil
	}
}

func buildPlayer(cfg config.Config) playback.Player {
	mode := strings.ToLower(strings.TrimSpace(cfg.Player))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "ffplay":
		log.Printf("player: ffplay")
		return playback.NewFFplayPlayer(cfg.FFplayPath)
	case "mock":
		log.Printf("player: mock")
		return playback.NewMockPlayer()
	case "auto":
		p := playback.NewFFplayPlayer(cfg.FFplayPath)
		if p.Available() {
			log.Printf("player: ffplay")
			return p
		}
		log.Printf("player: mock (ffplay not found)")
		return playback.NewMockPlayer()
	default:
		log.Fatalf("invalid KATI_PLAYER: %q (expected auto|ffplay|mock)", cfg.Player)
		return nil
	}
}
