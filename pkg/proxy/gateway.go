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

// Package proxy is the transparent gateway in front of the Ollama backend.
// A handful of paths are intercepted (queue admin, pull deferral, hub
// queue, delete unwrap); everything else streams through untouched.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/ohhhllama/pkg/diskguard"
	"github.com/kraklabs/ohhhllama/pkg/ollama"
	"github.com/kraklabs/ohhhllama/pkg/store"
)

// Per-concern timeouts. Pass-through carries model blobs and chat
// streams, so it gets the long budget.
const (
	passThroughTimeout = 300 * time.Second
	catalogTimeout     = 10 * time.Second
	healthTimeout      = 5 * time.Second
)

// Config carries the gateway's runtime settings.
type Config struct {
	// RateLimit is the daily per-IP quota for deferred pulls.
	RateLimit int

	// DiskPath and DiskThreshold drive the enqueue disk guard.
	DiskPath      string
	DiskThreshold float64
}

// Gateway routes client traffic between local intercepts and the backend.
type Gateway struct {
	store   *store.Store
	backend *ollama.Client
	cfg     Config
	logger  *slog.Logger

	// diskCheck is swappable in tests.
	diskCheck func(path string, thresholdPct float64) diskguard.Result
}

// NewGateway wires the gateway against a store and backend client.
func NewGateway(s *store.Store, backend *ollama.Client, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:     s,
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		diskCheck: diskguard.Check,
	}
}

// Router builds the HTTP routing table. Unmatched paths and methods fall
// through to the transparent pass-through.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/queue", g.handleQueueStatus)
	r.Get("/api/health", g.handleHealth)
	r.Get("/api/tags", g.handleTags)
	r.Post("/api/pull", g.handlePull)
	r.Post("/api/hf/queue", g.handleHubQueue)
	r.Delete("/api/queue", g.handleQueueDelete)
	r.Delete("/api/delete", g.handleModelDelete)
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(g.handlePassThrough)
	r.MethodNotAllowed(g.handlePassThrough)

	return r
}

// clientIP is the first element of X-Forwarded-For when present, else the
// socket peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("gateway.write", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
