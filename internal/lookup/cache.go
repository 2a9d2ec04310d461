// Package lookup answers WHOIS lookups from the durable cache and falls back
// to the network through the circuit-rotating Resolver.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/benithors/whocache/internal/domain"
	"github.com/benithors/whocache/internal/metrics"
	"github.com/benithors/whocache/internal/whois"
)

// Store is the cache surface used by the facade. The store package
// backends implement it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, text string) error
}

type Normalizer interface {
	Normalize(ctx context.Context, input string) (domain.Identity, error)
}

// StoreError reports a cache write that failed after a record was obtained.
// The record is still returned alongside it.
type StoreError struct {
	Key string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("cache %s: %v", e.Key, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Answer is a lookup result with the bookkeeping callers report on.
type Answer struct {
	Identity domain.Identity `json:"identity"`
	Record   whois.Record    `json:"record"`
	Cached   bool            `json:"cached"`
	Took     time.Duration   `json:"took_ns"`
}

type Options struct {
	// Normalizer defaults to a non-strict domain.Normalizer.
	Normalizer Normalizer
	// Classifier re-classifies cached text; it must use the same markers as
	// the executor.
	Classifier whois.Classifier
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Cache struct {
	store    Store
	resolver *Resolver
	opts     Options
	group    singleflight.Group
}

func New(store Store, resolver *Resolver, opts Options) *Cache {
	if opts.Normalizer == nil {
		opts.Normalizer = domain.NewNormalizer(domain.NormalizerOptions{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Cache{store: store, resolver: resolver, opts: opts}
}

// Lookup returns the record for raw, consulting the cache first.
func (c *Cache) Lookup(ctx context.Context, raw string) (whois.Record, error) {
	a, err := c.LookupDetailed(ctx, raw)
	return a.Record, err
}

type fetched struct {
	rec    whois.Record
	cached bool
}

// LookupDetailed is Lookup plus the normalized identity, whether the answer
// came from the cache and how long it took. On a *StoreError the Answer
// still carries the record.
func (c *Cache) LookupDetailed(ctx context.Context, raw string) (Answer, error) {
	start := time.Now()

	id, err := c.opts.Normalizer.Normalize(ctx, raw)
	if err != nil {
		c.opts.Metrics.LookupErrors.WithLabelValues("invalid").Inc()
		return Answer{Identity: id, Took: time.Since(start)}, err
	}

	v, err, _ := c.group.Do(id.Key, func() (any, error) {
		return c.fetch(ctx, id.Key)
	})
	f, _ := v.(fetched)
	a := Answer{Identity: id, Record: f.rec, Cached: f.cached, Took: time.Since(start)}

	source := metrics.SourceNetwork
	if a.Cached {
		source = metrics.SourceCache
	}
	var storeErr *StoreError
	if err != nil && !errors.As(err, &storeErr) {
		c.opts.Metrics.LookupErrors.WithLabelValues(errorReason(err)).Inc()
		c.opts.Logger.Debug().Err(err).Str("identity", raw).Str("key", id.Key).Dur("took", a.Took).Msg("lookup failed")
		return a, err
	}

	c.opts.Metrics.LookupsTotal.WithLabelValues(source, a.Record.Kind.String()).Inc()
	c.opts.Metrics.LookupDuration.WithLabelValues(source).Observe(a.Took.Seconds())
	c.opts.Logger.Info().
		Str("identity", raw).
		Str("key", id.Key).
		Str("source", source).
		Str("kind", a.Record.Kind.String()).
		Dur("took", a.Took).
		Msg("lookup")
	return a, err
}

func (c *Cache) fetch(ctx context.Context, key string) (fetched, error) {
	text, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.opts.Metrics.StoreErrors.WithLabelValues("get").Inc()
		c.opts.Logger.Warn().Err(err).Str("key", key).Msg("cache read failed, querying network")
	case ok:
		rec, cerr := c.opts.Classifier.Classify(text)
		if cerr == nil {
			return fetched{rec: rec, cached: true}, nil
		}
		// Only terminal records are written, so this is a foreign entry.
		c.opts.Logger.Warn().Err(cerr).Str("key", key).Msg("ignoring non-terminal cache entry")
	}

	rec, err := c.resolver.Resolve(ctx, key)
	if err != nil {
		return fetched{}, err
	}
	if err := c.store.Put(ctx, key, rec.Text); err != nil {
		c.opts.Metrics.StoreErrors.WithLabelValues("put").Inc()
		c.opts.Logger.Error().Err(err).Str("key", key).Msg("cache write failed")
		return fetched{rec: rec}, &StoreError{Key: key, Err: err}
	}
	return fetched{rec: rec}, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, ErrRotation):
		return "rotation"
	case errors.Is(err, whois.ErrQuery):
		return "query"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
