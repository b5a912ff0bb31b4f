package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/campushub/realtime/wire"
)

// DefaultPollInterval is how often the pull path fetches when the
// caller does not override it.
const DefaultPollInterval = 45 * time.Second

// Source is the pull-path dependency of the Poller. *Fetcher
// satisfies it.
type Source interface {
	Notifications(ctx context.Context, since time.Time) ([]wire.Notification, error)
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Source     Source
	Reconciler *Reconciler

	// Interval between fetches. Defaults to DefaultPollInterval.
	Interval time.Duration

	// Since seeds the cursor, typically from persisted state.
	Since time.Time

	// OnAdvance fires when the cursor moves after a successful fetch,
	// so the caller can persist it.
	OnAdvance func(cursor time.Time)

	Logger *slog.Logger
}

// Poller periodically fetches notifications and feeds them to the
// Reconciler. Overlap with the push path is harmless: the merge is
// idempotent. The cursor only advances on a successful fetch, so a
// failed poll is retried over the same window next tick.
type Poller struct {
	source     Source
	reconciler *Reconciler
	interval   time.Duration
	onAdvance  func(time.Time)
	logger     *slog.Logger

	mu     sync.Mutex
	cursor time.Time
}

// NewPoller creates a Poller. Run starts it.
func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Poller{
		source:     opts.Source,
		reconciler: opts.Reconciler,
		interval:   opts.Interval,
		onAdvance:  opts.OnAdvance,
		logger:     opts.Logger,
		cursor:     opts.Since,
	}
}

// Cursor returns the current pull cursor.
func (p *Poller) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cursor
}

// Run fetches immediately, then on every tick, until ctx is cancelled.
// Always returns ctx.Err(); fetch failures are logged and retried, not
// propagated, because the push path keeps working without the poller.
func (p *Poller) Run(ctx context.Context) error {
	_ = p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = p.Poll(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Poll performs one fetch/merge cycle and reports whether the fetch
// succeeded. Exported so the caller can force an on-demand refresh
// (e.g. when a dashboard regains focus).
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	since := p.cursor
	p.mu.Unlock()

	batch, err := p.source.Notifications(ctx, since)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		level := slog.LevelWarn
		if IsTransient(err) {
			level = slog.LevelDebug
		}

		p.logger.Log(ctx, level, "notification poll failed", slog.String("error", err.Error()))

		return err
	}

	p.reconciler.ApplyPull(batch)

	newest := NewestCreatedAt(batch)
	if newest.IsZero() {
		return nil
	}

	p.mu.Lock()
	advanced := newest.After(p.cursor)
	if advanced {
		p.cursor = newest
	}
	p.mu.Unlock()

	if advanced && p.onAdvance != nil {
		p.onAdvance(newest)
	}

	return nil
}
