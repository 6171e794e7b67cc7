package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hyperengineering/muniplan/internal/completion"
	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/ledger"
	"github.com/hyperengineering/muniplan/internal/store"
)

// core holds the components shared by the server and the offline commands.
type core struct {
	store      *store.SQLStore
	ledger     *ledger.Ledger
	completion *completion.Aggregator
}

// openCore opens the configured database (applying migrations) and builds
// the ledger and the completion aggregator over it.
func openCore(cfg *config.Config) (*core, error) {
	source := cfg.Database.Path
	if cfg.Database.Driver == "postgres" {
		source = cfg.Database.DSN
	}
	st, err := store.Open(cfg.Database.Driver, source)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy, err := completion.ParseTriggerPolicy(cfg.Completion.Trigger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &core{
		store: st,
		ledger: ledger.New(st,
			ledger.WithRetry(cfg.Ledger.MaxRetries, time.Duration(cfg.Ledger.RetryBaseDelay)),
		),
		completion: completion.NewAggregator(st,
			completion.WithCatalog(completion.DefaultCatalog().Merge(cfg.Completion.Weights)),
			completion.WithPolicy(policy),
			completion.WithRetry(cfg.Ledger.MaxRetries, time.Duration(cfg.Ledger.RetryBaseDelay)),
		),
	}, nil
}

func (c *core) Close() error {
	return c.store.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger: JSON unless format is "text".
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// setupLogging installs the configured logger as the default. Offline
// commands log to stderr so their stdout stays machine readable.
func setupLogging(cfg config.LogConfig, toStderr bool) {
	var w io.Writer = os.Stdout
	if toStderr {
		w = os.Stderr
	}
	slog.SetDefault(newLogger(w, cfg))
}
