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

// Package ollama is a minimal client for the parts of the Ollama HTTP API
// the gateway needs: the model catalog and the native model-import channel.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the Ollama backend daemon.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the backend at baseURL. Per-call deadlines
// come from the caller's context; the transport itself has no timeout so
// long-running imports are not cut off.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CatalogEntry is one model from the backend catalog. Raw preserves the
// backend's exact JSON so the merged catalog can forward it unchanged.
type CatalogEntry struct {
	Name string
	Raw  json.RawMessage
}

// Catalog fetches /api/tags and returns the backend models with their
// original JSON intact.
func (c *Client) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch backend catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode backend catalog: %w", err)
	}

	entries := make([]CatalogEntry, 0, len(payload.Models))
	for _, raw := range payload.Models {
		var peek struct {
			Name string `json:"name"`
		}
		// A model without a name is kept in the merge but can never
		// match a queue entry.
		_ = json.Unmarshal(raw, &peek)
		entries = append(entries, CatalogEntry{Name: peek.Name, Raw: raw})
	}
	return entries, nil
}

// ListModels returns the set of models the backend currently holds. Each
// model is present under both its full name:tag form and its bare name so
// callers can match either.
func (c *Client) ListModels(ctx context.Context) (map[string]bool, error) {
	entries, err := c.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	models := make(map[string]bool, len(entries)*2)
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		models[e.Name] = true
		if base, _, found := strings.Cut(e.Name, ":"); found {
			models[base] = true
		}
	}
	return models, nil
}

// HasModel reports whether the backend holds the model, matching either the
// exact name:tag or the bare name on both sides.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	if models[model] {
		return true, nil
	}
	base, _, _ := strings.Cut(model, ":")
	return models[base], nil
}

// Heartbeat checks backend reachability. Any HTTP response counts as alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}

// Create imports a model through the backend's native import channel
// (/api/create) from Modelfile content. This replaces shelling into the
// backend container: the descriptor travels inside a JSON body, so no
// shell quoting is involved.
//
// The backend streams progress as JSON lines; Create drains them and
// returns an error if any line reports one, or if the final status is not
// success.
func (c *Client) Create(ctx context.Context, name, modelfile string) error {
	payload, err := json.Marshal(map[string]any{
		"name":      name,
		"modelfile": modelfile,
	})
	if err != nil {
		return fmt.Errorf("encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/create", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend create: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend create returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	var lastStatus string
	for {
		var line struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode create stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("backend create failed: %s", line.Error)
		}
		if line.Status != "" {
			lastStatus = line.Status
		}
	}

	c.logger.Info("ollama.create", "model", name, "status", lastStatus, "duration", time.Since(start))
	return nil
}
