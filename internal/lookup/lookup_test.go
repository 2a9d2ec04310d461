package lookup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/benithors/whocache/internal/domain"
	"github.com/benithors/whocache/internal/metrics"
	"github.com/benithors/whocache/internal/whois"
)

const (
	successText = "Domain Name: EXAMPLE.COM\nRegistrant Name: Jane Doe\n"
	failureText = `No match for "EXAMPLE.COM".`
)

// scriptedExecutor replays responses in order and repeats the last one.
type scriptedExecutor struct {
	mu      sync.Mutex
	script  []func() (whois.Record, error)
	calls   int
	keys    []string
	blockOn chan struct{}
}

func (e *scriptedExecutor) Execute(_ context.Context, identity string) (whois.Record, error) {
	if e.blockOn != nil {
		<-e.blockOn
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, identity)
	i := e.calls
	if i >= len(e.script) {
		i = len(e.script) - 1
	}
	e.calls++
	return e.script[i]()
}

func (e *scriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func answer(text string) func() (whois.Record, error) {
	return func() (whois.Record, error) { return whois.Classify(text) }
}

func rateLimited() (whois.Record, error) {
	return whois.Record{}, &whois.RateLimitError{Marker: "WHOIS LIMIT EXCEEDED", Text: "WHOIS LIMIT EXCEEDED"}
}

// disabledExecutor fails the test if the network path is taken.
type disabledExecutor struct{ t *testing.T }

func (d disabledExecutor) Execute(context.Context, string) (whois.Record, error) {
	d.t.Helper()
	d.t.Errorf("executor must not be called")
	return whois.Record{}, errors.New("disabled")
}

type countingRotator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRotator) NewCircuit(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRotator) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memStore struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	putErr error
	gets   int
	puts   int
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Put(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = text
	return nil
}

func (s *memStore) lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func newCache(st Store, exec Executor, rot Rotator) *Cache {
	m := metrics.New()
	r := NewResolver(exec, rot, ResolverOptions{Metrics: m})
	return New(st, r, Options{Metrics: m})
}

func TestResolver_RetryTermination(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited}}
	rot := &countingRotator{}
	m := metrics.New()
	r := NewResolver(exec, rot, ResolverOptions{Metrics: m})

	_, err := r.Resolve(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)

	var be *RetryBudgetExhaustedError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "example.com", be.Identity)
	require.Equal(t, 3, be.Attempts)
	require.NotNil(t, be.Last)

	require.Equal(t, 3, exec.Calls())
	require.Equal(t, 2, rot.Calls())
	require.Equal(t, 3.0, testutil.ToFloat64(m.RateLimitSignals))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BudgetExhausted))
}

func TestResolver_RetryRecovery(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited, rateLimited, answer(successText)}}
	rot := &countingRotator{}
	r := NewResolver(exec, rot, ResolverOptions{})

	rec, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, whois.KindSuccess, rec.Kind)
	require.Equal(t, 3, exec.Calls())
	require.Equal(t, 2, rot.Calls())
}

func TestResolver_CustomBudget(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited}}
	rot := &countingRotator{}
	r := NewResolver(exec, rot, ResolverOptions{MaxAttempts: 1})

	_, err := r.Resolve(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)
	require.Equal(t, 1, exec.Calls())
	require.Zero(t, rot.Calls())
}

func TestResolver_QueryErrorIsNotRotated(t *testing.T) {
	t.Parallel()

	qerr := &whois.QueryError{Identity: "example.com", Err: errors.New("connection reset")}
	exec := &scriptedExecutor{script: []func() (whois.Record, error){
		func() (whois.Record, error) { return whois.Record{}, qerr },
	}}
	rot := &countingRotator{}
	r := NewResolver(exec, rot, ResolverOptions{})

	_, err := r.Resolve(context.Background(), "example.com")
	require.ErrorIs(t, err, whois.ErrQuery)
	require.Equal(t, 1, exec.Calls())
	require.Zero(t, rot.Calls())
}

func TestResolver_RotationFailure(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited}}
	rot := &countingRotator{err: errors.New("515 Authentication failed")}
	r := NewResolver(exec, rot, ResolverOptions{})

	_, err := r.Resolve(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrRotation)
	require.NotErrorIs(t, err, ErrRetryBudgetExhausted)
	require.Equal(t, 1, exec.Calls())
}

func TestResolver_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}}
	r := NewResolver(exec, &countingRotator{}, ResolverOptions{})

	_, err := r.Resolve(ctx, "example.com")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, exec.Calls())
}

func TestCache_HitIsIdempotentAndOffline(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.data["example.com"] = successText
	c := newCache(st, disabledExecutor{t}, &countingRotator{})

	first, err := c.LookupDetailed(context.Background(), "example.com")
	require.NoError(t, err)
	second, err := c.LookupDetailed(context.Background(), "example.com")
	require.NoError(t, err)

	require.True(t, first.Cached)
	require.Equal(t, first.Record, second.Record)
	require.Equal(t, "Jane Doe", first.Record.Registrant)
	require.Zero(t, st.puts)
}

func TestCache_WriteAfterMiss(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}}
	c := newCache(st, exec, &countingRotator{})

	a, err := c.LookupDetailed(context.Background(), "https://www.example.com/path")
	require.NoError(t, err)
	require.False(t, a.Cached)
	require.Equal(t, "example.com", a.Identity.Key)
	require.Equal(t, []string{"example.com"}, exec.keys)

	text, ok := st.lookup("example.com")
	require.True(t, ok)
	require.Equal(t, successText, text)

	// A second facade over the same store with the network disabled.
	offline := newCache(st, disabledExecutor{t}, &countingRotator{})
	b, err := offline.LookupDetailed(context.Background(), "example.com")
	require.NoError(t, err)
	require.True(t, b.Cached)
	require.Equal(t, a.Record, b.Record)
}

func TestCache_NormalizationEquivalence(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}}
	c := newCache(st, exec, &countingRotator{})

	for _, in := range []string{"example.com", "www.example.com", "http://sub.Example.com:8080/a?b=c", "EXAMPLE.COM."} {
		rec, err := c.Lookup(context.Background(), in)
		require.NoError(t, err, in)
		require.Equal(t, whois.KindSuccess, rec.Kind, in)
	}
	require.Equal(t, 1, exec.Calls())
}

func TestCache_NegativeResultPersisted(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(failureText)}}
	c := newCache(st, exec, &countingRotator{})

	rec, err := c.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, whois.KindFailure, rec.Kind)

	text, ok := st.lookup("example.com")
	require.True(t, ok)
	require.Equal(t, failureText, text)

	rec, err = c.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, whois.KindFailure, rec.Kind)
	require.Equal(t, 1, exec.Calls())
}

func TestCache_ExhaustedNotPersisted(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited}}
	rot := &countingRotator{}
	c := newCache(st, exec, rot)

	_, err := c.Lookup(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)
	require.Zero(t, st.puts)
	_, ok := st.lookup("example.com")
	require.False(t, ok)

	// The next lookup goes back to the network.
	_, err = c.Lookup(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)
	require.Equal(t, 6, exec.Calls())
	require.Equal(t, 4, rot.Calls())
}

func TestCache_RateLimitedThenSuccessScenario(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	exec := &scriptedExecutor{script: []func() (whois.Record, error){rateLimited, answer(successText)}}
	rot := &countingRotator{}
	c := newCache(st, exec, rot)

	a, err := c.LookupDetailed(context.Background(), "www.example.com")
	require.NoError(t, err)
	require.Equal(t, whois.KindSuccess, a.Record.Kind)
	require.True(t, a.Record.Active)
	require.Equal(t, "Jane Doe", a.Record.Registrant)
	require.Equal(t, 1, rot.Calls())
	require.Equal(t, 2, exec.Calls())

	text, ok := st.lookup("example.com")
	require.True(t, ok)
	require.Equal(t, successText, text)
}

func TestCache_PutFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.putErr = errors.New("disk full")
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}}
	c := newCache(st, exec, &countingRotator{})

	rec, err := c.Lookup(context.Background(), "example.com")
	var se *StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "example.com", se.Key)
	require.Equal(t, whois.KindSuccess, rec.Kind)
	require.Equal(t, "Jane Doe", rec.Registrant)
}

func TestCache_GetFailureIsAMiss(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.getErr = errors.New("database is locked")
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}}
	c := newCache(st, exec, &countingRotator{})

	rec, err := c.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, whois.KindSuccess, rec.Kind)
	require.Equal(t, 1, exec.Calls())
	require.Equal(t, 1, st.puts)
}

func TestCache_InvalidIdentity(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	c := newCache(st, disabledExecutor{t}, &countingRotator{})

	_, err := c.Lookup(context.Background(), "localhost")
	require.ErrorIs(t, err, domain.ErrInvalidIdentity)
	require.Zero(t, st.gets)
}

// gatedNormalizer reports every call so a test can wait until all callers
// are past normalization.
type gatedNormalizer struct {
	inner   Normalizer
	entered chan struct{}
}

func (g gatedNormalizer) Normalize(ctx context.Context, input string) (domain.Identity, error) {
	id, err := g.inner.Normalize(ctx, input)
	g.entered <- struct{}{}
	return id, err
}

func TestCache_ConcurrentDuplicatesCollapse(t *testing.T) {
	t.Parallel()

	const callers = 8

	st := newMemStore()
	release := make(chan struct{})
	exec := &scriptedExecutor{script: []func() (whois.Record, error){answer(successText)}, blockOn: release}
	norm := gatedNormalizer{
		inner:   domain.NewNormalizer(domain.NormalizerOptions{}),
		entered: make(chan struct{}, callers),
	}
	m := metrics.New()
	c := New(st, NewResolver(exec, &countingRotator{}, ResolverOptions{Metrics: m}), Options{Normalizer: norm, Metrics: m})

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(context.Background(), "www.example.com")
			errs <- err
		}()
	}

	// The executor is blocked, so nothing is cached yet: every caller that
	// reaches the store before release would miss and query on its own.
	for i := 0; i < callers; i++ {
		<-norm.entered
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, exec.Calls())
	require.Equal(t, 1, st.gets)
	require.Equal(t, 1, st.puts)
}
