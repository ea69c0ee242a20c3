package service

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically settles markets whose dispute window has elapsed.
// Windows are also evaluated lazily on request; the sweep guarantees that
// idle markets settle too.
type Sweeper struct {
	lifecycle *Lifecycle
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. interval is how often to look for due markets.
func NewSweeper(lifecycle *Lifecycle, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		lifecycle: lifecycle,
		interval:  interval,
		batch:     batch,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on every tick until ctx is cancelled. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass and returns how many markets it settled. A failure on
// one market is logged and does not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.lifecycle.DueMarkets(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, m := range due {
		ok, err := s.lifecycle.SettleElapsed(ctx, m.ID, "")
		if err != nil {
			s.logger.WarnContext(ctx, "settle elapsed failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			settled++
		}
	}
	if settled > 0 {
		s.logger.InfoContext(ctx, "sweep settled markets", slog.Int("count", settled), slog.Int("due", len(due)))
	}
	return settled, nil
}
