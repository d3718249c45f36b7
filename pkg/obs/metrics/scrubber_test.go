package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"slabstore/pkg/integrity"
)

func TestScrubberObserveDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewScrubberMetrics(reg)

	m.Observe(integrity.Stats{Scanned: 5, Corrupt: 1, LastRun: time.Now(), Uptime: time.Minute})
	m.Observe(integrity.Stats{Scanned: 8, Corrupt: 1, Swept: 2, LastRun: time.Now(), Uptime: 2 * time.Minute})

	if got := testutil.ToFloat64(m.scanned); got != 8 {
		t.Fatalf("scanned = %v", got)
	}
	if got := testutil.ToFloat64(m.corrupt); got != 1 {
		t.Fatalf("corrupt = %v", got)
	}
	if got := testutil.ToFloat64(m.swept); got != 2 {
		t.Fatalf("swept = %v", got)
	}

	// A snapshot that goes backwards resynchronizes without double counting.
	m.Observe(integrity.Stats{Scanned: 3})
	m.Observe(integrity.Stats{Scanned: 4})
	if got := testutil.ToFloat64(m.scanned); got != 9 {
		t.Fatalf("scanned after reset = %v", got)
	}
}
