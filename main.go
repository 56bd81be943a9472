// dbus-filterproxy sits between a confined client and a real D-Bus broker,
// enforcing a rule-based allow-list on every message crossing in either
// direction.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nikicat/dbus-filterproxy/internal/listener"
	"github.com/nikicat/dbus-filterproxy/internal/logging"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
	"github.com/nikicat/dbus-filterproxy/internal/status"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println("dbus-filterproxy " + version)
		return
	}

	fs := flag.NewFlagSet("dbus-filterproxy", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	configDir := fs.String("config-dir", "", "Directory of *.json rule fragments to hot-reload (optional)")
	statusAddr := fs.String("status-addr", "", "Loopback host:port to serve session introspection on (disabled if empty)")
	legacyLines := fs.Bool("legacy-line-config", false, "Read the historical \";\"-separated rule format from stdin instead of JSON (mutually exclusive with the JSON config channel)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <socket-path> <bus-type>\n\n", fs.Name())
		fmt.Fprintf(os.Stderr, "bus-type is exactly \"session\" or \"system\".\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(1)
	}
	socketPath := fs.Arg(0)
	busArg := fs.Arg(1)

	var busType listener.BusType
	switch busArg {
	case "session":
		busType = listener.SessionBus
	case "system":
		busType = listener.SystemBus
	default:
		fmt.Fprintf(os.Stderr, "error: bus-type must be \"session\" or \"system\", got %q\n", busArg)
		os.Exit(1)
	}

	// spec.md's Design Notes: the historical ";"-separated line loader
	// must not run mixed with the JSON loader in one invocation. The
	// config-dir fragment watcher is JSON-only, so the two flags conflict.
	if *legacyLines && *configDir != "" {
		fmt.Fprintln(os.Stderr, "error: -legacy-line-config cannot be combined with -config-dir (JSON fragments)")
		os.Exit(1)
	}

	slogger := slog.New(newHandler(*logLevel, *logFormat))
	slog.SetDefault(slogger)
	log := logging.New(slogger, "")

	engine := rules.NewEngine(slogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if *legacyLines {
		go func() {
			for _, err := range rules.LoadLegacyLines(os.Stdin, engine) {
				log.LogConfigError(ctx, err)
			}
		}()
	} else {
		go func() {
			for _, err := range rules.Load(os.Stdin, engine, busArg) {
				log.LogConfigError(ctx, err)
			}
		}()
	}

	if *configDir != "" {
		watcher, err := rules.NewFragmentWatcher(*configDir, busArg, engine, slogger)
		if err != nil {
			slog.Error("cannot start rule fragment watcher", "dir", *configDir, "error", err)
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("rule fragment watcher stopped", "error", err)
			}
		}()
	}

	l := listener.New(socketPath, busType, engine, log)

	if *statusAddr != "" {
		st := status.New(l, slogger)
		l.SetLogger(log.WithObserver(st))
		go func() {
			if err := st.Run(ctx, *statusAddr); err != nil && ctx.Err() == nil {
				slog.Warn("status server stopped", "error", err)
			}
		}()
	}

	if err := l.Run(ctx); err != nil {
		if ctx.Err() != nil {
			os.Exit(0)
		}
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newHandler(level, format string) slog.Handler {
	lvl := parseLogLevel(level)
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(os.Stderr, opts)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
