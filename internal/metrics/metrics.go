// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
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

// Package metrics exposes the dispatcher's prometheus collectors.
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

	reservations    *prometheus.CounterVec
	taskEvents      *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	scraperDuration *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncReservation records one reservation attempt outcome
// ("reserved", "race_lost", "empty").
func IncReservation(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if reservations != nil {
		reservations.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncTaskEvent records one ingested task event by code.
func IncTaskEvent(code string) {
	mu.RLock()
	defer mu.RUnlock()
	if taskEvents != nil {
		taskEvents.WithLabelValues(sanitizeLabel(code, "unknown")).Inc()
	}
}

// IncUpload records one file upload outcome ("uploaded", "failed", "retried").
func IncUpload(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if uploads != nil {
		uploads.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveScraperDuration records how long a scraper container ran.
func ObserveScraperDuration(offliner string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if scraperDuration != nil {
		scraperDuration.WithLabelValues(sanitizeLabel(offliner, "unknown")).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	resTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zimfarm",
		Subsystem: "dispatcher",
		Name:      "reservations_total",
		Help:      "Total task reservation attempts grouped by outcome.",
	}, []string{"outcome"})

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zimfarm",
		Subsystem: "dispatcher",
		Name:      "task_events_total",
		Help:      "Total task events ingested grouped by event code.",
	}, []string{"code"})

	uploadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zimfarm",
		Subsystem: "worker",
		Name:      "uploads_total",
		Help:      "Total file upload attempts grouped by outcome.",
	}, []string{"outcome"})

	scraperHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zimfarm",
		Subsystem: "worker",
		Name:      "scraper_duration_seconds",
		Help:      "Duration of scraper container runs by offliner.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
	}, []string{"offliner"})

	registry.MustRegister(resTotal, eventsTotal, uploadsTotal, scraperHist)

	reg = registry
	reservations = resTotal
	taskEvents = eventsTotal
	uploads = uploadsTotal
	scraperDuration = scraperHist
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
