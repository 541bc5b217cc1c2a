package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// SweepResult reports what one sweep changed
type SweepResult struct {
	AuthRequestsExpired int
	FlowsDeleted        int
	TokensDeleted       int
}

// Sweeper periodically expires overdue authorization requests and purges grants and
// tokens that have been dead for longer than the configured retention.
// Expiry is enforced on every read regardless; sweeping only bounds storage growth.
type Sweeper struct {
	flows  storage.FlowStore
	tokens storage.TokenStore
	cfg    Config
	obs    *observer
}

// NewSweeper creates a sweeper
func NewSweeper(flows storage.FlowStore, tokens storage.TokenStore, cfg Config, logger *slog.Logger, opts ...Option) *Sweeper {
	return &Sweeper{
		flows:  flows,
		tokens: tokens,
		cfg:    cfg.withDefaults(),
		obs:    newObserver(logger, opts),
	}
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.cfg.now()
	cutoff := now.Add(-s.cfg.SweepRetention)

	var errs []error
	n, err := s.flows.ExpireAuthRequests(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire authorization requests: %w", err))
	}
	res.AuthRequestsExpired = n

	n, err = s.flows.DeleteExpiredFlows(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired flows: %w", err))
	}
	res.FlowsDeleted = n

	n, err = s.tokens.DeleteExpiredTokens(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired tokens: %w", err))
	}
	res.TokensDeleted = n

	m := s.obs.metrics()
	m.RecordSweep(ctx, "auth_requests_expired", res.AuthRequestsExpired)
	m.RecordSweep(ctx, "flows_deleted", res.FlowsDeleted)
	m.RecordSweep(ctx, "tokens_deleted", res.TokensDeleted)

	if res.AuthRequestsExpired+res.FlowsDeleted+res.TokensDeleted > 0 {
		s.obs.logger.Debug("Sweep completed",
			"auth_requests_expired", res.AuthRequestsExpired,
			"flows_deleted", res.FlowsDeleted,
			"tokens_deleted", res.TokensDeleted)
	}
	return res, errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx is cancelled. Failed sweeps are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.obs.logger.Info("Sweeper started", "interval", s.cfg.SweepInterval, "retention", s.cfg.SweepRetention)
	for {
		select {
		case <-ctx.Done():
			s.obs.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.obs.logger.Warn("Sweep failed", "error", err)
			}
		}
	}
}
