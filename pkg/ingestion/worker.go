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
	"context"
	"log/slog"
	"time"

	"github.com/kraklabs/ohhhllama/pkg/store"
)

// entryProcessor is the pipeline surface the worker drives.
type entryProcessor interface {
	Process(ctx context.Context, entry store.Entry) (string, error)
}

// Worker polls the queue for pending hub entries and runs them through the
// pipeline one at a time. Native pulls are left alone; the off-peak
// downloader owns those.
//
// A single worker per store: row ownership is only safe across processes
// with a liveness token the store does not carry.
type Worker struct {
	store    *store.Store
	pipeline entryProcessor
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a worker polling at the given interval.
func NewWorker(s *store.Store, pipeline entryProcessor, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{store: s, pipeline: pipeline, interval: interval, logger: logger}
}

// Run polls until the context is cancelled. It drains all claimable hub
// entries on each tick, so a burst of requests does not wait one interval
// per entry.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("ingestion.worker.start", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("ingestion.worker.stop")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := w.store.ClaimNextPending(ctx, store.KindHub)
		if err != nil {
			w.logger.Error("ingestion.worker.claim", "error", err)
			return
		}
		if entry == nil {
			return
		}
		w.processOne(ctx, *entry)
	}
}

// processOne runs the pipeline for a claimed entry and records the
// terminal state. Every per-row fault is caught here; the worker never
// dies because one model failed.
func (w *Worker) processOne(ctx context.Context, entry store.Entry) {
	model, err := w.pipeline.Process(ctx, entry)
	if err != nil {
		recordEntryFailed()
		w.logger.Error("ingestion.worker.failed", "id", entry.ID, "repo", entry.Model, "error", err)
		if markErr := w.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			w.logger.Error("ingestion.worker.mark_failed", "id", entry.ID, "error", markErr)
		}
		return
	}

	recordEntryCompleted()
	w.logger.Info("ingestion.worker.completed", "id", entry.ID, "model", model)
	if err := w.store.MarkCompleted(ctx, entry.ID); err != nil {
		w.logger.Error("ingestion.worker.mark_completed", "id", entry.ID, "error", err)
	}
}
