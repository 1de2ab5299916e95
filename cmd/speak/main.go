package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vocalis-ai/tts-client/internal/config"
	"github.com/vocalis-ai/tts-client/internal/events"
	"github.com/vocalis-ai/tts-client/internal/observability"
	"github.com/vocalis-ai/tts-client/internal/playback"
	"github.com/vocalis-ai/tts-client/internal/resilience"
	"github.com/vocalis-ai/tts-client/internal/session"
	"github.com/vocalis-ai/tts-client/internal/transport"
)

func main() {
	textFlag := flag.String("text", "", "Text to speak; stdin is read when -text and -file are unset")
	fileFlag := flag.String("file", "", "Read the text to speak from a file")
	voiceFlag := flag.String("voice", "", "Voice to use, overriding TTS_VOICE")
	listFlag := flag.Bool("voices", false, "List the service's voices and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *voiceFlag != "" {
		cfg.Voice = *voiceFlag
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("server_url", cfg.ServerURL).
		Str("voice", cfg.Voice).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("TTS client starting")

	text := ""
	if !*listFlag {
		text, err = readInput(*textFlag, *fileFlag)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read input text")
		}
	}

	sink, err := buildSink(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build audio sink")
	}

	tr := transport.NewClient(transport.Config{
		URL:                  cfg.ServerURL,
		ConnectTimeout:       cfg.ConnectTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		BreakerMaxFailures:   cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout:  cfg.CircuitBreakerResetTimeout,
	}, logger)

	ctrl := session.New(cfg, tr, sink, logger)
	subscribeConsoleEvents(ctrl, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional debug listener with metrics and health endpoints
	var debug *http.Server
	if cfg.MetricsEnabled {
		debug = startDebugServer(cfg, ctrl, tr, logger)
	}

	// The first connect retries transient network failures before
	// giving up; reconnects after that are the transport's job.
	err = resilience.Retry(func() error {
		return ctrl.Connect(ctx)
	}, &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.RetryInitialBackoff,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}, resilience.IsRetryableNetworkError)
	if err != nil {
		logger.Fatal().Err(err).Str("server_url", cfg.ServerURL).Msg("Could not connect to synthesis service")
	}

	exitCode := 0
	if *listFlag {
		for _, voice := range ctrl.Voices() {
			fmt.Fprintln(os.Stderr, voice)
		}
	} else {
		exitCode = speak(ctx, ctrl, text, logger)
	}

	if err := ctrl.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("Disconnect was not clean")
	}

	if debug != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := debug.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Debug listener forced to shutdown")
		}
	}

	logger.Info().Msg("TTS client exited")
	os.Exit(exitCode)
}

// speak submits the text and waits for playback of everything that
// assembled. Returns the process exit code.
func speak(ctx context.Context, ctrl *session.Controller, text string, logger zerolog.Logger) int {
	start := time.Now()
	results, err := ctrl.Speak(ctx, text)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Int("segments_done", len(results)).Msg("Speech did not run to completion")
	}

	completed := 0
	for _, res := range results {
		if res.Err == nil {
			completed++
		}
	}

	// Audio may still be queued behind slower playback.
	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if derr := ctrl.Drain(drainCtx); derr != nil {
		logger.Warn().Err(derr).Msg("Gave up waiting for playback to finish")
	}

	logger.Info().
		Int("segments", len(results)).
		Int("completed", completed).
		Dur("took", time.Since(start)).
		Msg("Speech finished")

	if err != nil || completed < len(results) {
		return 1
	}
	return 0
}

// readInput resolves the text to speak from the flag, a file, or stdin
func readInput(text, file string) (string, error) {
	if text != "" {
		return text, nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read input file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// buildSink picks the playback destination. With no player command the
// assembled WAV bytes stream to stdout, which is why logs go to stderr.
func buildSink(cfg *config.Config) (playback.Sink, error) {
	if cfg.PlayerCommand != "" {
		return playback.NewExecSink(cfg.PlayerCommand)
	}
	return playback.NewWriterSink(os.Stdout), nil
}

func subscribeConsoleEvents(ctrl *session.Controller, logger zerolog.Logger) {
	ctrl.Subscribe(events.KindConnected, func(e events.Event) {
		logger.Info().Strs("voices", e.Voices).Str("current_voice", e.Voice).Msg("Connected")
	})
	ctrl.Subscribe(events.KindDisconnected, func(e events.Event) {
		if e.Err != nil {
			logger.Warn().Err(e.Err).Msg("Connection lost")
		}
	})
	ctrl.Subscribe(events.KindVoiceSet, func(e events.Event) {
		logger.Info().Str("voice", e.Voice).Msg("Voice set")
	})
	ctrl.Subscribe(events.KindSegment, func(e events.Event) {
		if e.Err != nil {
			logger.Warn().Err(e.Err).Int("segment", e.Segment).Msg("Segment failed")
			return
		}
		logger.Debug().Int("segment", e.Segment).Int("chars", len(e.Text)).Msg("Segment done")
	})
	ctrl.Subscribe(events.KindStale, func(e events.Event) {
		logger.Warn().Err(e.Err).Msg("Service heartbeat is stale")
	})
	ctrl.Subscribe(events.KindError, func(e events.Event) {
		logger.Error().Err(e.Err).Msg("Session error")
	})
}

// startDebugServer serves Prometheus metrics and health endpoints on
// the metrics address
func startDebugServer(cfg *config.Config, ctrl *session.Controller, tr *transport.Client, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	connectionCheck := func(ctx context.Context) (bool, error) {
		if tr.State() != transport.StateOpen {
			return false, fmt.Errorf("connection state is %s", tr.State())
		}
		return true, nil
	}
	sessionCheck := func(ctx context.Context) (bool, error) {
		switch ctrl.State() {
		case session.StateReady, session.StateSpeaking:
			return true, nil
		}
		return false, fmt.Errorf("session state is %s", ctrl.State())
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"connection": connectionCheck,
		"session":    sessionCheck,
	}))

	server := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Debug listener on")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Debug listener failed")
		}
	}()

	return server
}
