// Package feed connects upstream price sources to the tick ledger.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
)

// QuoteHandler receives every quote a source produces.
type QuoteHandler func(ctx context.Context, q domain.Quote)

// Source produces bid/ask quotes. Stream runs a single session and returns
// when the upstream connection ends or ctx is cancelled.
type Source interface {
	Name() string
	Stream(ctx context.Context, handle QuoteHandler) error
}

// Alerter forwards operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RunnerConfig tunes reconnect behaviour.
type RunnerConfig struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// AlertAfter is the number of consecutive failed sessions before an
	// operator alert is sent.
	AlertAfter int
}

// Runner keeps a Source streaming, reconnecting with exponential backoff
// until ctx is cancelled.
type Runner struct {
	src     Source
	handle  QuoteHandler
	cfg     RunnerConfig
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner. alerter may be nil.
func NewRunner(src Source, handle QuoteHandler, cfg RunnerConfig, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = baseReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = maxReconnectDelay
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = 3
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Runner{
		src:     src,
		handle:  handle,
		cfg:     cfg,
		alerter: alerter,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed"), slog.String("source", src.Name())),
		sleep:   sleepCtx,
	}
}

// Run streams until ctx is cancelled. A session that delivered at least one
// quote resets the backoff.
func (r *Runner) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var got bool
		err := r.src.Stream(ctx, func(ctx context.Context, q domain.Quote) {
			got = true
			r.handle(ctx, q)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if got {
			retry = 0
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		delay := Backoff(retry, r.cfg.ReconnectDelay, r.cfg.MaxReconnectDelay)
		retry++
		r.metrics.FeedReconnects.Inc()
		r.logger.WarnContext(ctx, "price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
		)
		if retry == r.cfg.AlertAfter && r.alerter != nil {
			_ = r.alerter.Notify(ctx, "feed_down", "Price feed down",
				fmt.Sprintf("%s failed %d times in a row: %v", r.src.Name(), retry, err))
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
