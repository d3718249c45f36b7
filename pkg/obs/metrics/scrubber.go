package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slabstore/pkg/integrity"
)

// ScrubberMetrics exposes Prometheus collectors for the integrity scrubber.
type ScrubberMetrics struct {
	reg     *prometheus.Registry
	scanned prometheus.Counter
	corrupt prometheus.Counter
	swept   prometheus.Counter
	errors  prometheus.Counter
	lastRun prometheus.Gauge
	uptime  prometheus.Gauge

	// Last Stats snapshot pushed, used to turn absolute counts into
	// counter increments. Observe is only called from the polling goroutine.
	prevScanned float64
	prevCorrupt float64
	prevSwept   float64
	prevErrors  float64
}

// NewScrubberMetrics registers scrubber metrics on the provided registry.
func NewScrubberMetrics(reg *prometheus.Registry) *ScrubberMetrics {
	scanned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "scanned_total",
		Help:      "Total number of object versions scanned by the scrubber since start.",
	})
	corrupt := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "corrupt_total",
		Help:      "Total number of object versions flagged corrupt since start.",
	})
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "orphans_swept_total",
		Help:      "Total number of orphaned blobs removed since start.",
	})
	errs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "errors_total",
		Help:      "Total number of scrubber errors detected since start.",
	})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "last_run_timestamp_seconds",
		Help:      "Timestamp of the last completed scrub pass in seconds since epoch.",
	})
	uptime := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slabstore",
		Subsystem: "scrubber",
		Name:      "uptime_seconds",
		Help:      "Total time in seconds since the scrubber was started.",
	})

	_ = reg.Register(scanned)
	_ = reg.Register(corrupt)
	_ = reg.Register(swept)
	_ = reg.Register(errs)
	_ = reg.Register(lastRun)
	_ = reg.Register(uptime)

	return &ScrubberMetrics{
		reg:     reg,
		scanned: scanned,
		corrupt: corrupt,
		swept:   swept,
		errors:  errs,
		lastRun: lastRun,
		uptime:  uptime,
	}
}

// Observe updates metrics from a Stats snapshot. Counters carry absolute
// counts in Stats, so increments are computed against the previous snapshot.
func (s *ScrubberMetrics) Observe(st integrity.Stats) {
	addDelta(&s.prevScanned, float64(st.Scanned), s.scanned)
	addDelta(&s.prevCorrupt, float64(st.Corrupt), s.corrupt)
	addDelta(&s.prevSwept, float64(st.Swept), s.swept)
	addDelta(&s.prevErrors, float64(st.Errors), s.errors)

	if !st.LastRun.IsZero() {
		s.lastRun.Set(float64(st.LastRun.Unix()))
	}
	s.uptime.Set(st.Uptime.Seconds())
}

func addDelta(prev *float64, current float64, c prometheus.Counter) {
	delta := current - *prev
	if delta < 0 {
		// Counters reset underneath us; resynchronize without double counting.
		*prev = current
		return
	}
	if delta > 0 {
		c.Add(delta)
		*prev = current
	}
}

// StartPolling attaches a periodic poller that reads scr.Stats() at the given
// interval and pushes into metrics via Observe. Returns a stop function.
func (s *ScrubberMetrics) StartPolling(scr integrity.Scrubber, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Observe(scr.Stats())
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
