package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/benithors/whocache/internal/domain"
	"github.com/benithors/whocache/internal/lookup"
	"github.com/benithors/whocache/internal/whois"
)

type fakeLooker struct {
	mu    sync.Mutex
	calls []string
	fn    func(raw string) (lookup.Answer, error)
}

func (f *fakeLooker) LookupDetailed(_ context.Context, raw string) (lookup.Answer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, raw)
	f.mu.Unlock()
	return f.fn(raw)
}

func byInput(raw string) (lookup.Answer, error) {
	id := domain.Identity{Input: raw, Key: strings.TrimPrefix(raw, "www.")}
	switch {
	case strings.HasPrefix(raw, "bad"):
		return lookup.Answer{Identity: id}, &lookup.RetryBudgetExhaustedError{Identity: id.Key, Attempts: 3}
	case strings.HasPrefix(raw, "gone"):
		return lookup.Answer{Identity: id, Record: whois.Record{Kind: whois.KindFailure, Text: "No match", Pattern: "no_match_for"}}, nil
	case strings.HasPrefix(raw, "ro"):
		rec := whois.Record{Kind: whois.KindSuccess, Text: "Domain Name: ro.com", Active: true}
		return lookup.Answer{Identity: id, Record: rec}, &lookup.StoreError{Key: id.Key, Err: errors.New("readonly")}
	default:
		rec := whois.Record{Kind: whois.KindSuccess, Text: "Domain Name: x", Active: true, Registrant: "Jane Doe"}
		return lookup.Answer{Identity: id, Record: rec, Cached: true}, nil
	}
}

func TestRunner_OrderAndRows(t *testing.T) {
	t.Parallel()

	f := &fakeLooker{fn: byInput}
	r := NewRunner(f, Options{})

	inputs := []string{"www.example.com", "bad.com", "gone.com", "ro.com"}
	got := r.Run(context.Background(), inputs)
	if len(got) != len(inputs) {
		t.Fatalf("len=%d, want %d", len(got), len(inputs))
	}

	// Default concurrency is sequential and keeps input order.
	if strings.Join(f.calls, ",") != strings.Join(inputs, ",") {
		t.Fatalf("calls=%v", f.calls)
	}

	ok := got[0]
	if ok.Key != "example.com" || ok.Kind != "success" || ok.Active == nil || !*ok.Active || ok.Registrant != "Jane Doe" || !ok.Cached {
		t.Fatalf("row 0=%+v", ok)
	}

	exhausted := got[1]
	if !errors.Is(exhausted.Err, lookup.ErrRetryBudgetExhausted) || exhausted.Error == "" || exhausted.HasRecord() {
		t.Fatalf("row 1=%+v", exhausted)
	}

	failure := got[2]
	if failure.Kind != "failure" || failure.Active != nil || failure.Pattern != "no_match_for" {
		t.Fatalf("row 2=%+v", failure)
	}

	written := got[3]
	if !written.HasRecord() || written.Kind != "success" || written.Error == "" {
		t.Fatalf("row 3=%+v", written)
	}
}

func TestRunner_Concurrent(t *testing.T) {
	t.Parallel()

	f := &fakeLooker{fn: byInput}
	r := NewRunner(f, Options{Concurrency: 4})

	inputs := make([]string, 50)
	for i := range inputs {
		inputs[i] = "site" + strings.Repeat("a", i+1) + ".com"
	}
	got := r.Run(context.Background(), inputs)
	for i, res := range got {
		if res.Input != inputs[i] {
			t.Fatalf("row %d input=%q, want %q", i, res.Input, inputs[i])
		}
	}
	if len(f.calls) != len(inputs) {
		t.Fatalf("calls=%d", len(f.calls))
	}
}

func TestRunner_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeLooker{fn: func(raw string) (lookup.Answer, error) {
		return lookup.Answer{}, context.Canceled
	}}
	got := NewRunner(f, Options{}).Run(ctx, []string{"a.com", "b.com", "c.com"})
	for i, res := range got {
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("row %d err=%v, want canceled", i, res.Err)
		}
	}
}

func TestRunner_Label(t *testing.T) {
	t.Parallel()

	var labels []string
	var mu sync.Mutex
	f := &fakeLooker{fn: byInput}
	r := NewRunner(f, Options{Label: func(i int) string {
		mu.Lock()
		defer mu.Unlock()
		l := []string{"20240101 / a.com", "20240102 / b.com"}[i]
		labels = append(labels, l)
		return l
	}})
	r.Run(context.Background(), []string{"a.com", "b.com"})
	if strings.Join(labels, "|") != "20240101 / a.com|20240102 / b.com" {
		t.Fatalf("labels=%v", labels)
	}
}
