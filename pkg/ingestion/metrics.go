// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngestion holds Prometheus metrics for the ingestion subsystem.
type metricsIngestion struct {
	once sync.Once

	// Outcomes
	entriesCompleted prometheus.Counter
	entriesFailed    prometheus.Counter

	// Stages
	artifactsDownloaded prometheus.Counter
	conversions         prometheus.Counter
	quantizations       prometheus.Counter

	// Durations
	processDuration prometheus.Histogram
}

var ingMetrics metricsIngestion

func (m *metricsIngestion) init() {
	m.once.Do(func() {
		m.entriesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_ing_entries_completed_total", Help: "Entradas de cola completadas"})
		m.entriesFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_ing_entries_failed_total", Help: "Entradas de cola fallidas"})

		m.artifactsDownloaded = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_ing_artifacts_downloaded_total", Help: "Artefactos GGUF descargados"})
		m.conversions = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_ing_conversions_total", Help: "Conversiones a GGUF ejecutadas"})
		m.quantizations = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_ing_quantizations_total", Help: "Cuantizaciones ejecutadas"})

		m.processDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ohhhllama_ing_process_seconds", Help: "Duración del procesamiento por entrada", Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600}})

		prometheus.MustRegister(
			m.entriesCompleted, m.entriesFailed,
			m.artifactsDownloaded, m.conversions, m.quantizations,
			m.processDuration,
		)
	})
}

// record helpers - used by pipeline and worker for metrics tracking
func recordEntryCompleted() { ingMetrics.init(); ingMetrics.entriesCompleted.Inc() }
func recordEntryFailed() { ingMetrics.init(); ingMetrics.entriesFailed.Inc() }
func recordArtifactDownloaded() { ingMetrics.init(); ingMetrics.artifactsDownloaded.Inc() }
func recordConversion() { ingMetrics.init(); ingMetrics.conversions.Inc() }
func recordQuantization() { ingMetrics.init(); ingMetrics.quantizations.Inc() }

func recordProcessDuration(d time.Duration) {
	ingMetrics.init()
	ingMetrics.processDuration.Observe(d.Seconds())
}
