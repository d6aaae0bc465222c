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

// Package hub talks to the HuggingFace Hub: repository metadata, model
// configs, GGUF mirror discovery, and resumable artifact downloads.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kraklabs/ohhhllama/internal/errors"
)

// DefaultAPIBase is the HuggingFace REST API root.
const DefaultAPIBase = "https://huggingface.co/api"

// DefaultRawBase serves raw repository files (configs, artifacts).
const DefaultRawBase = "https://huggingface.co"

// metadataTimeout bounds repo listing and config fetches. Artifact
// downloads have their own, much larger budget in the Fetcher.
const metadataTimeout = 30 * time.Second

// Client is a HuggingFace Hub API client.
type Client struct {
	apiBase string
	rawBase string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a hub client. token may be empty for public models;
// gated repositories will then surface access errors.
func NewClient(apiBase, rawBase, token string, logger *slog.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if rawBase == "" {
		rawBase = DefaultRawBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		rawBase: strings.TrimRight(rawBase, "/"),
		token:   token,
		http:    &http.Client{Timeout: metadataTimeout},
		logger:  logger,
	}
}

// RawBase returns the raw-file base URL, used by the Fetcher to build
// artifact URLs against the same mirror.
func (c *Client) RawBase() string {
	return c.rawBase
}

// Token returns the configured API token (empty when anonymous).
func (c *Client) Token() string {
	return c.token
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError maps hub HTTP status codes onto actionable errors.
func statusError(repo string, code int) error {
	switch code {
	case http.StatusNotFound:
		return apperrors.NewNotFoundError(
			fmt.Sprintf("repository not found: %s", repo),
			"The hub returned HTTP 404 for the repository",
			"Check the repository ID on huggingface.co")
	case http.StatusUnauthorized:
		return apperrors.NewPermissionError(
			fmt.Sprintf("authentication required for %s", repo),
			"The hub returned HTTP 401; the repository needs credentials",
			"Set HF_TOKEN to a valid HuggingFace access token",
			nil)
	case http.StatusForbidden:
		return apperrors.NewPermissionError(
			fmt.Sprintf("access denied for %s (possibly a gated model)", repo),
			"The hub returned HTTP 403; the token lacks access",
			"Accept the model license on huggingface.co and set HF_TOKEN",
			nil)
	default:
		return apperrors.NewNetworkError(
			fmt.Sprintf("hub returned HTTP %d for %s", code, repo),
			"The hub answered with an unexpected status code",
			"Retry later; huggingface.co may be degraded",
			nil)
	}
}

// ListFiles returns the file paths of a repository, from the siblings
// list of the model metadata endpoint.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]string, error) {
	url := fmt.Sprintf("%s/models/%s", c.apiBase, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build hub request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError(
			fmt.Sprintf("hub request for %s failed", repo),
			"The metadata request did not complete",
			"Check network connectivity to huggingface.co",
			err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(repo, resp.StatusCode)
	}

	var payload struct {
		Siblings []struct {
			RFilename string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode hub response for %s: %w", repo, err)
	}

	files := make([]string, 0, len(payload.Siblings))
	for _, s := range payload.Siblings {
		if s.RFilename != "" {
			files = append(files, s.RFilename)
		}
	}
	return files, nil
}

// RepoHasGGUF reports whether repo exists and contains at least one .gguf
// file, returning those files. Lookup failures count as "no", so mirror
// probing can walk candidate names without special-casing 404s.
func (c *Client) RepoHasGGUF(ctx context.Context, repo string) ([]string, bool) {
	files, err := c.ListFiles(ctx, repo)
	if err != nil {
		return nil, false
	}
	gguf := FilterGGUF(files)
	return gguf, len(gguf) > 0
}

// GetConfig fetches and parses config.json from the repository's main
// branch.
func (c *Client) GetConfig(ctx context.Context, repo string) (map[string]any, error) {
	url := fmt.Sprintf("%s/%s/raw/main/config.json", c.rawBase, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError(
			fmt.Sprintf("config fetch for %s failed", repo),
			"The config.json request did not complete",
			"Check network connectivity to huggingface.co",
			err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("config.json not found in %s", repo),
			"The repository may not hold transformer weights",
			"Only repositories with a config.json can be converted")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(repo, resp.StatusCode)
	}

	var config map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return nil, fmt.Errorf("parse config.json for %s: %w", repo, err)
	}
	return config, nil
}

// Architecture extracts the first entry of the "architectures" list from
// a parsed config.json, or "" when absent.
func Architecture(config map[string]any) string {
	archs, ok := config["architectures"].([]any)
	if !ok || len(archs) == 0 {
		return ""
	}
	arch, _ := archs[0].(string)
	return arch
}

// FilterGGUF keeps only .gguf files.
func FilterGGUF(files []string) []string {
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f, ".gguf") {
			out = append(out, f)
		}
	}
	return out
}

// drain discards up to 4KiB of a response body so the connection can be
// reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
