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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kraklabs/ohhhllama/pkg/hub"
	"github.com/kraklabs/ohhhllama/pkg/store"
)

// maxInterceptBody caps bodies on intercepted endpoints. Pass-through has
// no such cap.
const maxInterceptBody = 1 << 20

// queuedLabelPrefix and queuedLabelSuffix wrap queued models in the merged
// catalog. DELETE /api/delete unwraps them before matching.
const (
	queuedLabelPrefix = "* "
	queuedLabelSuffix = " [QUEUED]"
)

// unwrapQueuedLabel strips the synthetic-catalog decoration if present.
func unwrapQueuedLabel(name string) string {
	if strings.HasPrefix(name, queuedLabelPrefix) && strings.HasSuffix(name, queuedLabelSuffix) {
		return name[len(queuedLabelPrefix) : len(name)-len(queuedLabelSuffix)]
	}
	return name
}

// readBody buffers an intercepted request body so it can be parsed and, on
// the forward path, replayed.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxInterceptBody))
}

// handlePull intercepts POST /api/pull. Models the backend already holds
// are forwarded for an immediate pull; everything else is deferred onto
// the download queue behind the disk guard and the daily quota.
func (g *Gateway) handlePull(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	model := req.Name
	if model == "" {
		model = req.Model
	}
	if model == "" {
		g.writeError(w, http.StatusBadRequest, "missing model name")
		return
	}

	// Already installed models pull immediately; the queue only defers
	// new downloads. A probe failure means "unknown": the original
	// behavior is to enqueue rather than fail the request.
	exists, err := g.catalogHolds(r.Context(), model)
	if err != nil {
		g.logger.Warn("gateway.pull.probe", "model", model, "error", err)
	}
	if exists {
		g.forward(w, r, body)
		return
	}

	if disk := g.diskCheck(g.cfg.DiskPath, g.cfg.DiskThreshold); !disk.OK {
		recordDiskRejected()
		g.logger.Warn("gateway.pull.disk_block", "model", model, "state", disk.State, "used", disk.UsedPercent)
		g.writeError(w, http.StatusInsufficientStorage,
			"insufficient disk space for new downloads")
		return
	}

	ip := clientIP(r)
	allowed, remaining, err := g.store.CheckRate(r.Context(), ip, g.cfg.RateLimit)
	if err != nil {
		g.logger.Error("gateway.pull.rate", "ip", ip, "error", err)
		g.writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !allowed {
		recordQuotaRejected()
		g.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "daily download quota exceeded",
			"rate_limit": map[string]int{"remaining": 0, "limit": g.cfg.RateLimit},
		})
		return
	}

	res, err := g.store.Enqueue(r.Context(), store.Entry{
		Model:       model,
		Kind:        store.KindNative,
		RequesterIP: ip,
	})
	if err != nil {
		g.logger.Error("gateway.pull.enqueue", "model", model, "error", err)
		g.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if res.AlreadyQueued {
		// Dedup hits do not consume quota.
		g.writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "already_queued",
			"rate_limit": map[string]int{"remaining": remaining, "limit": g.cfg.RateLimit},
		})
		return
	}

	if err := g.store.IncrementRate(r.Context(), ip); err != nil {
		g.logger.Error("gateway.pull.increment", "ip", ip, "error", err)
	}
	recordQueuedNative()
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"queue_id":   res.ID,
		"rate_limit": map[string]int{"remaining": remaining - 1, "limit": g.cfg.RateLimit},
	})
}

// handleHubQueue intercepts POST /api/hf/queue: defers a HuggingFace
// repository onto the queue for the ingestion worker.
func (g *Gateway) handleHubQueue(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req struct {
		RepoID string `json:"repo_id"`
		Model  string `json:"model"`
		Quant  string `json:"quant"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	repo := req.RepoID
	if repo == "" {
		repo = req.Model
	}
	if repo == "" {
		g.writeError(w, http.StatusBadRequest, "missing repo_id")
		return
	}
	quant := req.Quant
	if quant == "" {
		quant = hub.DefaultQuant
	}

	if disk := g.diskCheck(g.cfg.DiskPath, g.cfg.DiskThreshold); !disk.OK {
		recordDiskRejected()
		g.logger.Warn("gateway.hf_queue.disk_block", "repo", repo, "state", disk.State)
		g.writeError(w, http.StatusInsufficientStorage,
			"insufficient disk space for new downloads")
		return
	}

	ip := clientIP(r)
	allowed, remaining, err := g.store.CheckRate(r.Context(), ip, g.cfg.RateLimit)
	if err != nil {
		g.logger.Error("gateway.hf_queue.rate", "ip", ip, "error", err)
		g.writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !allowed {
		recordQuotaRejected()
		g.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "daily download quota exceeded",
			"rate_limit": map[string]int{"remaining": 0, "limit": g.cfg.RateLimit},
		})
		return
	}

	res, err := g.store.Enqueue(r.Context(), store.Entry{
		Model:       repo,
		Kind:        store.KindHub,
		Quant:       quant,
		Name:        req.Name,
		RequesterIP: ip,
	})
	if err != nil {
		g.logger.Error("gateway.hf_queue.enqueue", "repo", repo, "error", err)
		g.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if res.AlreadyQueued {
		g.writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "already_queued",
			"type":       "huggingface",
			"rate_limit": map[string]int{"remaining": remaining, "limit": g.cfg.RateLimit},
		})
		return
	}

	if err := g.store.IncrementRate(r.Context(), ip); err != nil {
		g.logger.Error("gateway.hf_queue.increment", "ip", ip, "error", err)
	}
	recordQueuedHub()
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"queue_id":   res.ID,
		"type":       "huggingface",
		"rate_limit": map[string]int{"remaining": remaining - 1, "limit": g.cfg.RateLimit},
	})
}

// handleQueueDelete intercepts DELETE /api/queue: removes pending rows for
// a model by name.
func (g *Gateway) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	model := req.Name
	if model == "" {
		model = req.Model
	}
	if model == "" {
		g.writeError(w, http.StatusBadRequest, "missing model name")
		return
	}

	removed, err := g.store.DeletePending(r.Context(), unwrapQueuedLabel(model))
	if err != nil {
		g.logger.Error("gateway.queue_delete", "model", model, "error", err)
		g.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if removed == 0 {
		g.writeError(w, http.StatusNotFound, "model not in queue")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleModelDelete intercepts DELETE /api/delete. Queued-but-not-pulled
// models show up in clients under the synthetic label; deleting one must
// remove the queue row instead of reaching the backend. Everything else
// forwards, with the label stripped in case a client submitted it.
func (g *Gateway) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	submitted := req.Name
	if submitted == "" {
		submitted = req.Model
	}
	if submitted == "" {
		g.writeError(w, http.StatusBadRequest, "missing model name")
		return
	}

	model := unwrapQueuedLabel(submitted)
	removed, err := g.store.DeletePending(r.Context(), model)
	if err != nil {
		g.logger.Error("gateway.model_delete", "model", model, "error", err)
		g.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if removed > 0 {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	if model != submitted {
		// Rewrite the body so the backend sees the real model name.
		rewritten, err := json.Marshal(map[string]string{"name": model})
		if err == nil {
			body = rewritten
		}
	}
	g.forward(w, r, body)
}

// forward replays an intercepted request (with its buffered body) through
// the pass-through path.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	g.handlePassThrough(w, r)
}
