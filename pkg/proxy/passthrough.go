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
	"fmt"
	"io"
	"net/http"
	"time"
)

// streamChunkSize bounds per-copy memory so one slow client cannot pin a
// large buffer.
const streamChunkSize = 8 * 1024

// passClient carries pass-through traffic. No transport timeout; the
// per-request context enforces the budget.
var passClient = &http.Client{
	// Redirects are the backend's business, not ours.
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// handlePassThrough streams any unmatched request to the backend and its
// response back, byte for byte.
func (g *Gateway) handlePassThrough(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), passThroughTimeout)
	defer cancel()

	url := g.backend.BaseURL() + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, fmt.Sprintf("build upstream request: %v", err))
		return
	}

	// Host is the backend's own; Content-Length is recomputed by the
	// transport from the body.
	for name, values := range r.Header {
		if name == "Host" || name == "Content-Length" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.ContentLength = r.ContentLength

	recordPassthrough()
	start := time.Now()
	resp, err := passClient.Do(req)
	if err != nil {
		g.logger.Error("gateway.passthrough", "method", r.Method, "path", r.URL.Path, "error", err)
		g.writeError(w, http.StatusBadGateway, fmt.Sprintf("backend unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		// The gateway re-chunks the stream itself.
		if name == "Transfer-Encoding" {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := copyStream(w, resp.Body)
	if err != nil {
		// Client gone or backend died mid-stream; nothing more to send.
		g.logger.Warn("gateway.passthrough.stream", "path", r.URL.Path, "written", n, "error", err)
		return
	}

	g.logger.Info("gateway.passthrough.done",
		"method", r.Method, "path", r.URL.Path, "status", resp.StatusCode,
		"bytes", n, "duration", time.Since(start))
}

// copyStream copies in bounded chunks, flushing after each one so
// streamed responses (pull progress, chat tokens) reach the client as the
// backend produces them.
func copyStream(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	var written int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
