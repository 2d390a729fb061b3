package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lukaswerner/displaywatch/internal/api"
	"github.com/lukaswerner/displaywatch/internal/config"
	"github.com/lukaswerner/displaywatch/internal/monitor"
	"github.com/lukaswerner/displaywatch/internal/notify"
	"github.com/lukaswerner/displaywatch/internal/store"
	"github.com/lukaswerner/displaywatch/internal/stream"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to displaywatch.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("displaywatch %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp displaywatch.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	// Configure logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting displaywatch",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	// Initialize store
	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize the stream hub
	hub := stream.NewHub()

	// Build notification channels from enabled config sections
	var channels []notify.ChannelConfig
	if ec := cfg.Notifications.Email; ec != nil && ec.Enabled {
		provider, err := notify.NewEmail(ec.SMTPHost, ec.SMTPPort, ec.Username, ec.Password, ec.From, ec.Recipients)
		if err != nil {
			slog.Error("configuring email channel", "error", err)
			os.Exit(1)
		}
		channels = append(channels, notify.ChannelConfig{Provider: provider, Cooldown: ec.Cooldown.Duration})
	}
	if wc := cfg.Notifications.Webhook; wc != nil && wc.Enabled {
		method := wc.Method
		if method == "" {
			method = "POST"
		}
		provider := notify.NewWebhook(wc.URL, method, wc.Headers)
		channels = append(channels, notify.ChannelConfig{Provider: provider, Cooldown: wc.Cooldown.Duration})
	}
	if sc := cfg.Notifications.SMS; sc != nil && sc.Enabled {
		provider := notify.NewSMS(sc.GatewayURL, sc.APIToken, sc.Recipients)
		channels = append(channels, notify.ChannelConfig{Provider: provider, Cooldown: sc.Cooldown.Duration})
	}
	dispatcher := notify.NewDispatcher(st, channels, cfg.Notifications.SweepInterval.Duration)

	// Build the monitor
	monCfg := monitor.Config{
		HeartbeatTimeout:       cfg.Monitoring.HeartbeatTimeout.Duration,
		OfflineAlertThreshold:  cfg.Monitoring.OfflineAlertThreshold.Duration,
		MaxConsecutiveFailures: cfg.Monitoring.MaxConsecutiveFailures,
		CheckInterval:          cfg.Monitoring.CheckInterval.Duration,
		CleanupInterval:        cfg.Monitoring.CleanupInterval.Duration,
		HeartbeatRetention:     time.Duration(cfg.Monitoring.HeartbeatRetentionDays) * 24 * time.Hour,
		AlertRetention:         time.Duration(cfg.Monitoring.AlertRetentionDays) * 24 * time.Hour,
	}
	mon := monitor.New(st, hub, dispatcher, monCfg)

	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })

	// Start HTTP server
	server := api.NewServer(cfg.Listen, st, hub, mon, dispatcher, api.Options{
		PerformanceThresholdMs: cfg.Monitoring.PerformanceThresholdMs,
	})
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started", "notification_channels", len(channels))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	slog.Info("displaywatch stopped gracefully")
}
