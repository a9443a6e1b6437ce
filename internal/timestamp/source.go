// Package timestamp supplies externally-verifiable timestamps for compliance
// records.
//
// The core never stamps a ledger event or signature with an unverified local
// clock: Now consults external time authorities and fails closed when none is
// reachable or when the reachable authorities disagree beyond tolerance.
// Callers retry on their own policy; they must not substitute time.Now().
package timestamp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/circuit"
)

// Timestamp is a trusted reading with the authority that produced it.
type Timestamp struct {
	Time     time.Time `json:"time"`
	SourceID string    `json:"source_id"`
}

// Source produces trusted timestamps. Ledger appends and signature completion
// depend on this interface, not on a concrete authority.
type Source interface {
	Now(ctx context.Context) (Timestamp, error)
}

// Authority is a single external time provider.
type Authority interface {
	Name() string
	Fetch(ctx context.Context) (time.Time, error)
}

// SyncStatus reports clock health for the periodic health job. Drift is the
// local clock's offset from the authority reading, signed.
type SyncStatus struct {
	Synced    bool          `json:"synced"`
	Authority string        `json:"authority,omitempty"`
	Drift     time.Duration `json:"drift_ns"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// TrustedSource queries one or more authorities concurrently and returns the
// first agreeing reading.
type TrustedSource struct {
	authorities []Authority
	tolerance   time.Duration
	timeout     time.Duration
	logger      *slog.Logger

	// One breaker per authority keeps a flapping authority from flooding the
	// log. Fetches still go out while open; the breaker only gates logging.
	breakers map[string]*circuit.Breaker
}

// Option configures a TrustedSource.
type Option func(*TrustedSource)

// WithTolerance sets the maximum allowed disagreement between authority
// readings, and between the local clock and the authorities during sync
// checks.
func WithTolerance(d time.Duration) Option {
	return func(s *TrustedSource) { s.tolerance = d }
}

// WithTimeout bounds each authority round trip. Callers must never hang on a
// slow time authority.
func WithTimeout(d time.Duration) Option {
	return func(s *TrustedSource) { s.timeout = d }
}

// WithLogger sets a logger for authority failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TrustedSource) { s.logger = logger }
}

// NewTrustedSource builds a source over the given authorities. At least one
// authority is required; a source with none would have to fall back to the
// local clock, which this core forbids.
func NewTrustedSource(authorities []Authority, opts ...Option) (*TrustedSource, error) {
	if len(authorities) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one time authority is required")
	}
	s := &TrustedSource{
		authorities: authorities,
		tolerance:   2 * time.Second,
		timeout:     3 * time.Second,
		breakers:    make(map[string]*circuit.Breaker, len(authorities)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, a := range authorities {
		s.breakers[a.Name()] = circuit.New(a.Name(),
			circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(2))
	}
	return s, nil
}

type reading struct {
	name string
	t    time.Time
}

// Now fetches readings from all authorities in parallel and returns the first
// successful one, provided the successful readings agree within tolerance.
// Fails closed with clock_unavailable when no authority responds or when the
// responders disagree (a disagreement means at least one authority cannot be
// trusted, and there is no quorum to break the tie cheaply).
func (s *TrustedSource) Now(ctx context.Context) (Timestamp, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		readings []reading
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.authorities {
		g.Go(func() error {
			t, err := a.Fetch(gctx)
			if err != nil {
				open, change := s.breakers[a.Name()].RecordFailure()
				if s.logger != nil {
					switch {
					case change.Opened:
						s.logger.WarnContext(gctx, "time authority circuit opened",
							"authority", a.Name(),
							"error", err,
						)
					case !open:
						s.logger.WarnContext(gctx, "time authority unreachable",
							"authority", a.Name(),
							"error", err,
						)
					}
				}
				// Individual authority failures are tolerated as long as one
				// responds; the error is swallowed here and detected by the
				// empty readings slice below.
				return nil
			}
			if _, change := s.breakers[a.Name()].RecordSuccess(); change.Closed && s.logger != nil {
				s.logger.InfoContext(gctx, "time authority recovered", "authority", a.Name())
			}
			mu.Lock()
			readings = append(readings, reading{name: a.Name(), t: t})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(readings) == 0 {
		return Timestamp{}, dErrors.New(dErrors.CodeClockUnavailable, "no time authority reachable")
	}

	first := readings[0]
	for _, r := range readings[1:] {
		if absDuration(r.t.Sub(first.t)) > s.tolerance {
			return Timestamp{}, dErrors.Newf(dErrors.CodeClockUnavailable,
				"time authorities disagree beyond tolerance: %s vs %s", first.name, r.name)
		}
	}

	return Timestamp{Time: first.t.UTC(), SourceID: first.name}, nil
}

// CheckClockSync compares the local clock against the authorities. Run from a
// periodic health job, not on every timestamp request.
func (s *TrustedSource) CheckClockSync(ctx context.Context) SyncStatus {
	local := time.Now()
	ts, err := s.Now(ctx)
	if err != nil {
		return SyncStatus{Synced: false, CheckedAt: local, Error: err.Error()}
	}
	drift := local.Sub(ts.Time)
	return SyncStatus{
		Synced:    absDuration(drift) <= s.tolerance,
		Authority: ts.SourceID,
		Drift:     drift,
		CheckedAt: local,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SystemSource reads the local clock. Development and test use only: it must
// be enabled explicitly in configuration and is never a fallback for a failed
// TrustedSource.
type SystemSource struct{}

func (SystemSource) Now(_ context.Context) (Timestamp, error) {
	return Timestamp{Time: time.Now().UTC(), SourceID: "system-clock"}, nil
}
