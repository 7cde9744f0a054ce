// px is a content-addressable object store and environment materializer
// for Python package builds.
// Copyright (C) 2026 The px Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	objectsStored       *prometheus.CounterVec
	objectsLoaded       *prometheus.CounterVec
	storeOpDuration     *prometheus.HistogramVec
	lockContention      *prometheus.CounterVec
	gcScanned           prometheus.Counter
	gcReclaimed         prometheus.Counter
	gcReclaimedBytes    prometheus.Counter
	gcDuration          prometheus.Histogram
	doctorFindings      *prometheus.CounterVec
	materializeDuration *prometheus.HistogramVec
)

// Store/load operation labels.
const (
	OpStore  = "store"
	OpLoad   = "load"
	OpGC     = "gc"
	OpDoctor = "doctor"
)

// Lock resources that can contend, used as the lock_for label.
const (
	LockObject = "object"
)

// Doctor finding categories, mirrored from casmodel.DoctorSummary fields.
const (
	FindingPartialRemoved = "partial_removed"
	FindingObjectMissing  = "object_missing"
	FindingObjectCorrupt  = "object_corrupt"
	FindingRefPruned      = "ref_pruned"
	FindingKeyPruned      = "key_pruned"
	FindingLockedSkipped  = "locked_skipped"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state between cases that share the package-level
// registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// exposition format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveObjectStored records a completed store() call for an object kind.
func ObserveObjectStored(kind string) {
	label := sanitizeLabel(kind, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if objectsStored != nil {
		objectsStored.WithLabelValues(label).Inc()
	}
}

// ObserveObjectLoaded records a completed load() call for an object kind.
func ObserveObjectLoaded(kind string) {
	label := sanitizeLabel(kind, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if objectsLoaded != nil {
		objectsLoaded.WithLabelValues(label).Inc()
	}
}

// ObserveStoreOp records the wall-clock duration of a store operation (one
// of the Op* constants).
func ObserveStoreOp(op string, d time.Duration) {
	label := sanitizeLabel(op, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if storeOpDuration != nil {
		storeOpDuration.WithLabelValues(label).Observe(durationSeconds(d))
	}
}

// IncLockContention counts a TryLock call that found the lock already held.
func IncLockContention(lockFor string) {
	label := sanitizeLabel(lockFor, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if lockContention != nil {
		lockContention.WithLabelValues(label).Inc()
	}
}

// ObserveGC records one completed garbage-collection pass.
func ObserveGC(scanned, reclaimed int, reclaimedBytes int64, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if gcScanned != nil {
		gcScanned.Add(float64(scanned))
	}
	if gcReclaimed != nil {
		gcReclaimed.Add(float64(reclaimed))
	}
	if gcReclaimedBytes != nil {
		gcReclaimedBytes.Add(float64(reclaimedBytes))
	}
	if gcDuration != nil {
		gcDuration.Observe(durationSeconds(d))
	}
}

// IncDoctorFinding adds n occurrences of a doctor finding category (one
// of the Finding* constants); n <= 0 records nothing.
func IncDoctorFinding(category string, n int) {
	if n <= 0 {
		return
	}
	label := sanitizeLabel(category, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if doctorFindings != nil {
		doctorFindings.WithLabelValues(label).Add(float64(n))
	}
}

// ObserveMaterialize records the duration of a materialization step (e.g.
// "runtime" or "profile").
func ObserveMaterialize(kind string, d time.Duration) {
	label := sanitizeLabel(kind, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if materializeDuration != nil {
		materializeDuration.WithLabelValues(label).Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	stored := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "objects_stored_total",
		Help:      "Total objects written to the store, by kind.",
	}, []string{"kind"})

	loaded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "objects_loaded_total",
		Help:      "Total objects read from the store, by kind.",
	}, []string{"kind"})

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "store_operation_duration_seconds",
		Help:      "Duration of store/load operations by op.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"op"})

	contention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "lock_contention_total",
		Help:      "Total TryLock calls that found the lock already held, by resource.",
	}, []string{"lock_for"})

	scanned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "gc_objects_scanned_total",
		Help:      "Total indexed objects examined across all garbage-collection passes.",
	})

	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "gc_objects_reclaimed_total",
		Help:      "Total objects deleted by garbage collection.",
	})

	reclaimedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "gc_reclaimed_bytes_total",
		Help:      "Total bytes freed by garbage collection.",
	})

	gcHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "gc_duration_seconds",
		Help:      "Duration of a complete garbage-collection pass.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "px",
		Subsystem: "cas",
		Name:      "doctor_findings_total",
		Help:      "Total doctor findings by category.",
	}, []string{"category"})

	materialize := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "px",
		Subsystem: "materialize",
		Name:      "duration_seconds",
		Help:      "Duration of materialization operations by kind (runtime, pkg-build, profile).",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"kind"})

	registry.MustRegister(stored, loaded, opDuration, contention, scanned, reclaimed, reclaimedBytes, gcHist, findings, materialize)

	reg = registry
	objectsStored = stored
	objectsLoaded = loaded
	storeOpDuration = opDuration
	lockContention = contention
	gcScanned = scanned
	gcReclaimed = reclaimed
	gcReclaimedBytes = reclaimedBytes
	gcDuration = gcHist
	doctorFindings = findings
	materializeDuration = materialize
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
