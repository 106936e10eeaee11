package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the lifecycle sweeper runs.
const DefaultSweepInterval = time.Minute

// Sweeper periodically expires stale mandates and retries auto-approval.
type Sweeper struct {
	Registry *Registry
	Interval time.Duration
	Logger   *slog.Logger
}

// NewSweeper returns a sweeper with DefaultSweepInterval.
func NewSweeper(r *Registry) *Sweeper {
	return &Sweeper{
		Registry: r,
		Interval: DefaultSweepInterval,
		Logger:   r.logger.With("component", "sweeper"),
	}
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	Expired  int `json:"expired"`
	Approved int `json:"auto_approved"`
}

// RunOnce expires first, so a mandate past expires_at is never approved by
// the same pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := s.Registry.CleanupExpired(ctx)
	res.Expired = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.Registry.ProcessAutoApprovals(ctx)
	res.Approved = n
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled. Errors are logged and the
// loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				logger.Error("sweep failed", "error", err, "expired", res.Expired, "auto_approved", res.Approved)
				continue
			}
			if res.Expired > 0 || res.Approved > 0 {
				logger.Debug("sweep complete", "expired", res.Expired, "auto_approved", res.Approved)
			}
		}
	}
}
