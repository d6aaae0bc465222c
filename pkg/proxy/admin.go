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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kraklabs/ohhhllama/pkg/diskguard"
)

// handleQueueStatus serves GET /api/queue.
func (g *Gateway) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.store.Status(r.Context())
	if err != nil {
		g.logger.Error("gateway.queue_status", "error", err)
		g.writeError(w, http.StatusInternalServerError, "queue status unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

// healthReport is the GET /api/health response body.
type healthReport struct {
	Status    string         `json:"status"`
	Checks    map[string]any `json:"checks"`
	Timestamp string         `json:"timestamp"`
}

// handleHealth aggregates the proxy, backend, disk, and database probes.
//
// unhealthy: the store is broken or the disk blocks enqueues.
// degraded: the backend is unreachable (pass-through will fail but the
// queue plane still works).
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]any{"proxy": "ok"}
	status := "healthy"

	if err := g.backend.Heartbeat(ctx); err != nil {
		checks["backend"] = fmt.Sprintf("unreachable: %v", err)
		status = "degraded"
	} else {
		checks["backend"] = "ok"
	}

	disk := g.diskCheck(g.cfg.DiskPath, g.cfg.DiskThreshold)
	checks["disk"] = disk
	switch disk.State {
	case diskguard.StateWarning:
		if status == "healthy" {
			status = "degraded"
		}
	case diskguard.StateCritical, diskguard.StateError:
		status = "unhealthy"
	}

	if err := g.store.Ping(ctx); err != nil {
		checks["database"] = fmt.Sprintf("error: %v", err)
		status = "unhealthy"
	} else {
		checks["database"] = "ok"
	}

	g.writeJSON(w, http.StatusOK, healthReport{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// syntheticEntry is the catalog placeholder for a queued model.
func syntheticEntry(model string, createdAt time.Time) map[string]any {
	return map[string]any{
		"name":        fmt.Sprintf("* %s [QUEUED]", model),
		"model":       model,
		"modified_at": createdAt.UTC().Format(time.RFC3339),
		"size":        0,
		"digest":      "pending",
		"details": map[string]any{
			"format":             "pending",
			"family":             "queued",
			"families":           []string{"queued"},
			"parameter_size":     "unknown",
			"quantization_level": "N/A",
		},
	}
}

// handleTags serves the merged catalog: the backend's models verbatim plus
// a synthetic entry for every distinct pending model the backend does not
// already hold.
func (g *Gateway) handleTags(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	catalog, err := g.backend.Catalog(ctx)
	if err != nil {
		g.logger.Error("gateway.tags.backend", "error", err)
		g.writeError(w, http.StatusBadGateway, fmt.Sprintf("backend unreachable: %v", err))
		return
	}

	// Like ollama.ListModels, the present set holds both name:tag and
	// bare forms so a pending bare-name entry matches its tagged model.
	present := make(map[string]bool, len(catalog)*2)
	models := make([]any, 0, len(catalog))
	for _, entry := range catalog {
		models = append(models, json.RawMessage(entry.Raw))
		if entry.Name != "" {
			present[entry.Name] = true
			if base, _, found := strings.Cut(entry.Name, ":"); found {
				present[base] = true
			}
		}
	}

	pending, err := g.store.PendingModels(ctx)
	if err != nil {
		g.logger.Error("gateway.tags.pending", "error", err)
		// Serve the real catalog rather than failing the whole call.
		g.writeJSON(w, http.StatusOK, map[string]any{"models": models})
		return
	}

	seen := map[string]bool{}
	for _, e := range pending {
		if present[e.Model] || seen[e.Model] {
			continue
		}
		seen[e.Model] = true
		models = append(models, syntheticEntry(e.Model, e.CreatedAt))
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// catalogHolds checks the backend for a model with the probe timeout. An
// unreachable backend yields (false, err); the pull path treats that as
// "unknown, may not exist" and proceeds to enqueue.
func (g *Gateway) catalogHolds(ctx context.Context, model string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return g.backend.HasModel(ctx, model)
}
