package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benithors/whocache/internal/metrics"
	"github.com/benithors/whocache/internal/whois"
)

const DefaultMaxAttempts = 3

var (
	// ErrRetryBudgetExhausted is matched by every *RetryBudgetExhaustedError.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrRotation wraps failures of the circuit rotation request.
	ErrRotation = errors.New("circuit rotation failed")
)

// RetryBudgetExhaustedError is returned when every attempt for an identity
// came back rate limited.
type RetryBudgetExhaustedError struct {
	Identity string
	Attempts int
	// Last is the final throttling response.
	Last *whois.RateLimitError
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("whois %s: still rate limited after %d attempts", e.Identity, e.Attempts)
}

func (e *RetryBudgetExhaustedError) Is(target error) bool {
	return target == ErrRetryBudgetExhausted
}

// Executor runs a single WHOIS query. *whois.Client implements it.
type Executor interface {
	Execute(ctx context.Context, identity string) (whois.Record, error)
}

// Rotator requests a fresh anonymizing circuit. *tor.Controller and
// tor.Direct implement it.
type Rotator interface {
	NewCircuit(ctx context.Context) error
}

type ResolverOptions struct {
	// MaxAttempts bounds executions per identity; rotations are one fewer.
	MaxAttempts int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Resolver retries rate-limited queries on fresh circuits.
//
// Queries hold the gate for reading and rotation holds it for writing, so
// a circuit never rotates under an in-flight query. The generation counter
// lets concurrent callers that were throttled on the same circuit share one
// rotation.
type Resolver struct {
	exec Executor
	rot  Rotator
	opts ResolverOptions

	gate sync.RWMutex
	gen  uint64
}

func NewResolver(exec Executor, rot Rotator, opts ResolverOptions) *Resolver {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Resolver{exec: exec, rot: rot, opts: opts}
}

// Resolve returns a terminal record for key. It never sleeps between
// attempts: rotation alone changes the conditions of the next attempt.
func (r *Resolver) Resolve(ctx context.Context, key string) (whois.Record, error) {
	var lastSignal *whois.RateLimitError

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return whois.Record{}, err
		}

		rec, gen, err := r.execute(ctx, key)
		if err == nil {
			return rec, nil
		}
		if !errors.As(err, &lastSignal) {
			return whois.Record{}, err
		}
		r.opts.Metrics.RateLimitSignals.Inc()

		if attempt >= r.opts.MaxAttempts {
			r.opts.Metrics.BudgetExhausted.Inc()
			r.opts.Logger.Warn().Str("identity", key).Int("attempts", attempt).Msg("retry budget exhausted")
			return whois.Record{}, &RetryBudgetExhaustedError{Identity: key, Attempts: attempt, Last: lastSignal}
		}

		r.opts.Logger.Debug().Str("identity", key).Int("attempt", attempt).Str("marker", lastSignal.Marker).Msg("rate limited, rotating circuit")
		if err := r.rotate(ctx, gen); err != nil {
			return whois.Record{}, fmt.Errorf("%w: %w", ErrRotation, err)
		}
	}
}

func (r *Resolver) execute(ctx context.Context, key string) (whois.Record, uint64, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	gen := r.gen
	rec, err := r.exec.Execute(ctx, key)
	return rec, gen, err
}

func (r *Resolver) rotate(ctx context.Context, seen uint64) error {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.gen != seen {
		// Someone else already replaced the circuit this query ran on.
		r.opts.Metrics.Rotations.WithLabelValues("shared").Inc()
		return nil
	}
	if err := r.rot.NewCircuit(ctx); err != nil {
		r.opts.Metrics.Rotations.WithLabelValues("error").Inc()
		return err
	}
	r.gen++
	r.opts.Metrics.Rotations.WithLabelValues("ok").Inc()
	return nil
}
