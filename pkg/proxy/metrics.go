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

package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsGateway holds Prometheus metrics for the gateway.
type metricsGateway struct {
	once sync.Once

	passthrough   prometheus.Counter
	queuedNative  prometheus.Counter
	queuedHub     prometheus.Counter
	quotaRejected prometheus.Counter
	diskRejected  prometheus.Counter
}

var gwMetrics metricsGateway

func (m *metricsGateway) init() {
	m.once.Do(func() {
		m.passthrough = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_gw_passthrough_total", Help: "Peticiones reenviadas al backend"})
		m.queuedNative = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_gw_queued_native_total", Help: "Descargas nativas encoladas"})
		m.queuedHub = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_gw_queued_hub_total", Help: "Repositorios de hub encolados"})
		m.quotaRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_gw_quota_rejected_total", Help: "Peticiones rechazadas por cuota diaria"})
		m.diskRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "ohhhllama_gw_disk_rejected_total", Help: "Peticiones rechazadas por disco lleno"})

		prometheus.MustRegister(
			m.passthrough,
			m.queuedNative, m.queuedHub,
			m.quotaRejected, m.diskRejected,
		)
	})
}

// record helpers - used by handlers for metrics tracking
func recordPassthrough() { gwMetrics.init(); gwMetrics.passthrough.Inc() }
func recordQueuedNative() { gwMetrics.init(); gwMetrics.queuedNative.Inc() }
func recordQueuedHub() { gwMetrics.init(); gwMetrics.queuedHub.Inc() }
func recordQuotaRejected() { gwMetrics.init(); gwMetrics.quotaRejected.Inc() }
func recordDiskRejected() { gwMetrics.init(); gwMetrics.diskRejected.Inc() }
