package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_IndependentRegistries(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.RateLimitSignals.Inc()
	a.LookupsTotal.WithLabelValues(SourceCache, "success").Inc()

	if got := testutil.ToFloat64(a.RateLimitSignals); got != 1 {
		t.Fatalf("a rate limit=%v, want 1", got)
	}
	if got := testutil.ToFloat64(b.RateLimitSignals); got != 0 {
		t.Fatalf("b rate limit=%v, want 0", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	m := New()
	m.Rotations.WithLabelValues("ok").Add(2)

	path := filepath.Join(t.TempDir(), "whocache.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `whocache_circuit_rotations_total{outcome="ok"} 2`) {
		t.Fatalf("textfile missing rotations:\n%s", b)
	}
}
