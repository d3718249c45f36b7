// Package admin holds the read-mostly handlers for the admin port: health,
// version, and scrubber controls.
package admin

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"slabstore/pkg/integrity"
)

// NewHealthHandler returns the GET /admin/health handler. ready reflects
// whether the main S3 listener is accepting traffic.
func NewHealthHandler(version, address string, ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"ready":     ready.Load(),
			"version":   version,
			"address":   address,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// NewVersionHandler returns the GET /admin/version handler.
func NewVersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":   version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// NewScrubberStatsHandler returns the GET /admin/scrub/stats handler.
// It responds with the current scrubber stats in JSON.
func NewScrubberStatsHandler(scr integrity.Scrubber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if scr == nil {
			_ = json.NewEncoder(w).Encode(integrity.Stats{})
			return
		}
		_ = json.NewEncoder(w).Encode(scr.Stats())
	}
}

// NewScrubberRunOnceHandler returns the POST /admin/scrub/runonce handler.
// It triggers a single synchronous scrub pass and returns the updated stats.
func NewScrubberRunOnceHandler(scr integrity.Scrubber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if scr == nil {
			http.Error(w, "scrubber not configured", http.StatusServiceUnavailable)
			return
		}
		if err := scr.RunOnce(r.Context()); err != nil {
			http.Error(w, "scrub run failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(scr.Stats())
	}
}
