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

package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kraklabs/ohhhllama/internal/errors"
)

// downloadTimeout bounds a single artifact download.
const downloadTimeout = time.Hour

// partialSuffix marks in-flight downloads. A completed file never carries
// it, so a crash mid-transfer leaves only a resumable .partial behind.
const partialSuffix = ".partial"

// weightPatterns are the repository files needed for a conversion run.
var weightPatterns = []string{"*.safetensors", "*.json", "tokenizer*"}

// Fetcher downloads repository files over HTTP with byte-range resume.
type Fetcher struct {
	rawBase string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewFetcher creates a fetcher sharing the client's mirror and token.
func NewFetcher(client *Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		rawBase: client.RawBase(),
		token:   client.Token(),
		http:    &http.Client{},
		logger:  logger,
	}
}

// Download fetches repo's file into destDir and returns the final path.
//
// An interrupted transfer leaves a .partial file; the next attempt resumes
// from its size with a Range request. The destination name appears only
// after the transfer completes, via rename.
func (f *Fetcher) Download(ctx context.Context, repo, filename, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", apperrors.NewPermissionError(
			fmt.Sprintf("cannot create download directory %s", destDir),
			"The cache directory is not writable by this process",
			"Check CACHE_DIR permissions",
			err)
	}

	dest := filepath.Join(destDir, filepath.Base(filename))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		f.logger.Info("hub.download.cached", "repo", repo, "file", filename, "size", info.Size())
		return dest, nil
	}

	partial := dest + partialSuffix
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/resolve/main/%s", f.rawBase, repo, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		return "", apperrors.NewNetworkError(
			fmt.Sprintf("download of %s/%s failed", repo, filename),
			"The transfer could not be started",
			"Check network connectivity to huggingface.co",
			err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range header; start over.
		offset = 0
	case http.StatusPartialContent:
		f.logger.Info("hub.download.resume", "repo", repo, "file", filename, "offset", offset)
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial already covers the whole file.
		drain(resp.Body)
		if err := os.Rename(partial, dest); err != nil {
			return "", fmt.Errorf("finalize download: %w", err)
		}
		return dest, nil
	default:
		drain(resp.Body)
		return "", statusError(repo, resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open partial file: %w", err)
	}

	written, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Keep the partial for the next attempt.
		return "", apperrors.NewNetworkError(
			fmt.Sprintf("download of %s/%s interrupted after %d bytes", repo, filename, offset+written),
			"The transfer broke mid-stream; the partial file is kept",
			"Retry the download; it resumes from the partial",
			err)
	}

	if err := os.Rename(partial, dest); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}

	f.logger.Info("hub.download.done",
		"repo", repo, "file", filename, "bytes", offset+written, "duration", time.Since(start))
	return dest, nil
}

// DownloadWeights fetches everything a conversion run needs (safetensors
// shards, configs, tokenizer files) into destDir/<repo with / as _> and
// returns that directory. files is the repository listing to filter.
func (f *Fetcher) DownloadWeights(ctx context.Context, repo string, files []string, destDir string) (string, error) {
	modelDir := filepath.Join(destDir, strings.ReplaceAll(repo, "/", "_"))

	wanted := filterWeights(files)
	if len(wanted) == 0 {
		return "", apperrors.NewInputError(
			fmt.Sprintf("no weight files found in %s", repo),
			"The repository holds neither safetensors nor tokenizer files",
			"Check that the repository contains raw transformer weights")
	}

	for _, file := range wanted {
		if _, err := f.Download(ctx, repo, file, modelDir); err != nil {
			return "", err
		}
	}

	if _, err := os.Stat(filepath.Join(modelDir, "config.json")); err != nil {
		return "", apperrors.NewInputError(
			fmt.Sprintf("weights for %s downloaded but config.json is missing", repo),
			"Conversion needs the model's config.json",
			"Check that the repository root contains a config.json")
	}
	return modelDir, nil
}

// filterWeights keeps top-level files matching the conversion patterns.
func filterWeights(files []string) []string {
	var out []string
	for _, file := range files {
		if strings.Contains(file, "/") {
			continue
		}
		for _, pattern := range weightPatterns {
			if ok, _ := filepath.Match(pattern, file); ok {
				out = append(out, file)
				break
			}
		}
	}
	return out
}
