// Command uacbridge bridges USB Audio Class 2 streams to a fixed-rate DSP
// pipeline. Without a class driver attached it can drive itself from the
// built-in USB host simulator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/uacbridge/internal/app"
	"github.com/MrWong99/uacbridge/internal/config"
	"github.com/MrWong99/uacbridge/internal/dsp"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level and simulator tone when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "uacbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "uacbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("uacbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Stage registry ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	dsp.Register(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithRegistry(reg),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
			application.ApplyConfig(d)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	slog.Info("bridge ready, press Ctrl+C to shut down", "addr", application.Addr())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        uacbridge: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Pipeline", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("Frame", fmt.Sprintf("%d steps", cfg.Audio.FrameAdvance))
	printRow("USB", fmt.Sprintf("%d Hz / %d tps", cfg.USB.SampleRate, cfg.USB.TransfersPerSecond))
	printRow("Host→device", streamSummary(cfg.USB.HostToDevice))
	printRow("Device→host", streamSummary(cfg.USB.DeviceToHost))
	printRow("Stages", stageSummary(cfg.Pipeline.Stages))
	if cfg.Simulator.Enabled {
		printRow("Simulator", fmt.Sprintf("%.0f Hz tone", cfg.Simulator.ToneHz))
	} else {
		printRow("Simulator", "(disabled)")
	}
	if cfg.Monitor.Enabled {
		printRow("Monitor", cfg.Monitor.Path)
	} else {
		printRow("Monitor", "(disabled)")
	}
	if cfg.Tap.Path != "" {
		printRow("WAV tap", cfg.Tap.Path)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func streamSummary(s config.StreamConfig) string {
	return fmt.Sprintf("%d ch / %d bit", s.Channels, s.BitDepth)
}

func stageSummary(stages []config.StageEntry) string {
	if len(stages) == 0 {
		return dsp.NamePassthrough
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}
