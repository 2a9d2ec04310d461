// Package batch runs many lookups through the cache facade with a bounded
// worker pool and turns each outcome into a reportable row.
package batch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/benithors/whocache/internal/lookup"
	"github.com/benithors/whocache/internal/whois"
)

// Looker is the facade surface the runner needs. *lookup.Cache implements it.
type Looker interface {
	LookupDetailed(ctx context.Context, raw string) (lookup.Answer, error)
}

type Result struct {
	Input      string `json:"input"`
	Key        string `json:"key,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	Registrant string `json:"registrant,omitempty"`
	Registrar  string `json:"registrar,omitempty"`
	Created    string `json:"created,omitempty"`
	Expires    string `json:"expires,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Cached     bool   `json:"cached"`
	Unresolved bool   `json:"unresolved,omitempty"`
	Error      string `json:"error,omitempty"`
	CheckedAt  string `json:"checked_at"`
	DurationMs int64  `json:"duration_ms"`

	Record whois.Record `json:"-"`
	Err    error        `json:"-"`
}

// HasRecord reports whether the row carries a record, which is also true
// for rows whose only error was a failed cache write.
func (r Result) HasRecord() bool { return r.Record.Kind != 0 }

type Options struct {
	// Concurrency defaults to 1: one lookup at a time, in input order.
	Concurrency int
	Logger      zerolog.Logger
	// Label renders the progress line for input i; defaults to the input.
	Label func(i int) string
}

type Runner struct {
	looker Looker
	opts   Options
}

func NewRunner(looker Looker, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{looker: looker, opts: opts}
}

// Run looks up every input and returns one Result per input, in input order.
// A failed identity never stops the batch; only ctx cancellation does, and
// the remaining rows then carry the context error.
func (r *Runner) Run(ctx context.Context, inputs []string) []Result {
	type job struct {
		idx   int
		input string
	}

	jobs := make(chan job)
	out := make([]Result, len(inputs))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Concurrency; i++ {
		g.Go(func() error {
			for j := range jobs {
				out[j.idx] = r.runOne(gctx, j.input)
				n := done.Add(1)
				r.progress(int(n), len(inputs), j.idx, j.input)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for idx, input := range inputs {
			select {
			case jobs <- job{idx: idx, input: input}:
			case <-gctx.Done():
				for k := idx; k < len(inputs); k++ {
					out[k] = canceled(inputs[k], gctx.Err())
				}
				return nil
			}
		}
		return nil
	})

	_ = g.Wait()
	return out
}

func (r *Runner) progress(n, total, idx int, input string) {
	label := strings.TrimSpace(input)
	if r.opts.Label != nil {
		label = r.opts.Label(idx)
	}
	r.opts.Logger.Info().Msgf("[%d/%d] %s", n, total, label)
}

func (r *Runner) runOne(ctx context.Context, input string) Result {
	start := time.Now()
	res := Result{Input: strings.TrimSpace(input)}

	a, err := r.looker.LookupDetailed(ctx, input)
	res.Key = a.Identity.Key
	res.Unresolved = a.Identity.Unresolved
	res.Cached = a.Cached

	var storeErr *lookup.StoreError
	if err == nil || errors.As(err, &storeErr) {
		res.fill(a.Record)
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	}

	res.CheckedAt = time.Now().UTC().Format(time.RFC3339Nano)
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func (res *Result) fill(rec whois.Record) {
	res.Record = rec
	res.Kind = rec.Kind.String()
	res.Registrar = rec.Registrar
	res.Created = rec.Created
	res.Expires = rec.Expires
	switch rec.Kind {
	case whois.KindSuccess:
		active := rec.Active
		res.Active = &active
		res.Registrant = rec.Registrant
	case whois.KindFailure:
		res.Pattern = rec.Pattern
	}
}

func canceled(input string, err error) Result {
	return Result{
		Input:     strings.TrimSpace(input),
		Err:       err,
		Error:     err.Error(),
		CheckedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
