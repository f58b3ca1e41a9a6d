// Command voicewire is an interactive voice client: it captures microphone
// audio, streams it to the configured voice service and plays the synthesized
// responses, printing transcripts as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/capture"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/conn"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	device := flag.String("device", "", "capture device name (overrides config)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}
	if *device != "" {
		cfg.Capture.Device = *device
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ── Device listing ────────────────────────────────────────────────────────
	if *listDevices {
		return printDevices()
	}

	slog.Info("voicewire starting",
		"config", *configPath,
		"endpoint", cfg.Endpoint,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Session ───────────────────────────────────────────────────────────────
	sess, err := session.New(cfg)
	if err != nil {
		slog.Error("failed to initialise session", "err", err)
		return 1
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}
	}()

	// ── Metrics listener (optional) ───────────────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, sess)
	}

	// ── Event observers ───────────────────────────────────────────────────────
	sess.Events().OnTranscript(printTranscript)
	sess.Events().OnDetection(func(det types.Detection) {
		fmt.Printf("\r(detected: %s)\n", det.Text)
	})
	sess.Events().OnMessage(printMessage)
	sess.Events().OnError(func(err error) {
		slog.Warn("dispatch error", "err", err)
	})
	sess.Events().OnConnectionState(func(s conn.State) {
		slog.Info("connection state", "state", s)
	})

	// ── Record until interrupted ──────────────────────────────────────────────
	if err := sess.StartRecording(ctx); err != nil {
		slog.Error("failed to start recording", "err", err)
		return 1
	}

	slog.Info("recording, press Ctrl+C to stop")
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping")
	if err := sess.StopRecording(); err != nil {
		slog.Warn("stop recording error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// printTranscript writes speech-to-text results to stdout, rewriting the line
// while results are still partial.
func printTranscript(tr types.Transcript) {
	if tr.IsPartial {
		fmt.Printf("\r… %s", tr.Text)
	} else {
		fmt.Printf("\ryou: %s\n", tr.Text)
	}
}

// printMessage writes assistant responses and server notices to stdout.
func printMessage(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindLLMStreaming:
		if env.LLMStreaming.IsComplete {
			fmt.Printf("\rassistant: %s\n", env.LLMStreaming.AccumulatedResponse)
		}
	case protocol.KindLLMResponse:
		fmt.Printf("\rassistant: %s\n", env.LLMResponse.Response)
	case protocol.KindAudioSaved:
		slog.Info("server saved session audio", "filename", env.AudioSaved.Filename)
	}
}

// printDevices enumerates capture devices without opening a session.
func printDevices() int {
	backend, err := capture.NewMalgoBackend()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		return 1
	}
	defer backend.Close()

	devices, err := backend.Devices(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, d.Name)
	}
	return 0
}

// serveMetrics exposes /metrics plus liveness and readiness probes.
func serveMetrics(addr string, sess *session.Session) {
	transport := health.Check{
		Name: "transport",
		Probe: func(context.Context) error {
			if s := sess.ConnectionState(); s == conn.StateError {
				return fmt.Errorf("connection state %s", s)
			}
			return nil
		},
	}
	recording := health.Check{
		Name: "capture",
		Probe: func(context.Context) error {
			if s := sess.Capture().State(); s == capture.StateError {
				return fmt.Errorf("capture state %s", s)
			}
			return nil
		},
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(transport, recording).Register(mux)
	handler := observe.Instrument(observe.DefaultMetrics(), mux)

	slog.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		slog.Warn("metrics listener stopped", "err", err)
	}
}

// newLogger builds the process-wide text logger at the configured level.
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
