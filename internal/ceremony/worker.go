package ceremony

import (
	"context"
	"log/slog"
	"time"

	"attest/internal/ledger"
	id "attest/pkg/domain"
)

// Sweeper resolves ceremonies whose deadline has passed, applying each
// ceremony's timeout policy. Run it from a single background goroutine; the
// store's per-ceremony serialization makes overlapping sweeps safe anyway.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds the timeout sweeper.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.engine.SweepTimeouts(ctx); err != nil {
				w.logger.ErrorContext(ctx, "ceremony timeout sweep failed", "error", err)
			}
		}
	}
}

// SweepTimeouts resolves every due ceremony once. A failure on one ceremony
// does not stop the sweep; the first error is returned after all are tried.
func (e *Engine) SweepTimeouts(ctx context.Context) error {
	ts, err := e.clock.Now(ctx)
	if err != nil {
		return err
	}
	now := ts.Time.Truncate(time.Microsecond)

	due, err := e.store.ListDue(ctx, now)
	if err != nil {
		return err
	}

	var firstErr error
	for _, ceremonyID := range due {
		if err := e.expire(ctx, ceremonyID, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// expire applies the timeout policy to one due ceremony.
func (e *Engine) expire(ctx context.Context, ceremonyID id.CeremonyID, now time.Time) error {
	return e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		// Re-check under the lock: another sweep or a last-second signer
		// may have resolved the ceremony already.
		if c.Status != StatusInProgress || c.TimeoutAt.IsZero() || now.Before(c.TimeoutAt) {
			return nil
		}
		if c.TimeoutPolicy == TimeoutPending {
			// Open requests stay open past the deadline.
			return nil
		}

		resolution := string(c.TimeoutPolicy)
		for _, r := range c.Requests {
			if r.State.terminal() {
				continue
			}
			from := r.State
			r.State = StateTimedOut
			r.TimeoutResolution = resolution
			r.UpdatedAt = now

			if _, err := e.ledger.Append(ctx, ledger.Draft{
				Type:         ledger.EventRequestTransition,
				ChainID:      c.ChainID,
				ResourceType: c.ResourceType,
				ResourceID:   c.ResourceID,
				ResourceName: c.ResourceName,
				Details: map[string]any{
					"ceremony_id":        c.ID.String(),
					"request_id":         r.ID.String(),
					"from_state":         string(from),
					"to_state":           string(StateTimedOut),
					"timeout_resolution": resolution,
				},
			}); err != nil {
				return err
			}
		}

		c.UpdatedAt = now

		// Silent approval advances ceremony bookkeeping only. No signature
		// record is fabricated for a signer who never re-authenticated.
		if AggregateStatus(c) == StatusCompleted {
			c.Status = StatusCompleted
			c.CompletedAt = now
			if _, err := e.ledger.Append(ctx, ledger.Draft{
				Type:         ledger.EventCeremonyCompleted,
				ChainID:      c.ChainID,
				ResourceType: c.ResourceType,
				ResourceID:   c.ResourceID,
				ResourceName: c.ResourceName,
				Details: map[string]any{
					"ceremony_id":     c.ID.String(),
					"completion_rule": string(c.Rule),
					"timeout_policy":  resolution,
				},
			}); err != nil {
				return err
			}
		} else {
			c.Status = StatusExpired
			if _, err := e.ledger.Append(ctx, ledger.Draft{
				Type:         ledger.EventCeremonyExpired,
				ChainID:      c.ChainID,
				ResourceType: c.ResourceType,
				ResourceID:   c.ResourceID,
				ResourceName: c.ResourceName,
				Details: map[string]any{
					"ceremony_id":    c.ID.String(),
					"timeout_policy": resolution,
				},
			}); err != nil {
				return err
			}
		}
		e.finish(ctx, c)
		return nil
	})
}
