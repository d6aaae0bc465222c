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

// Package bootstrap assembles the gateway runtime: it opens the store,
// runs the startup maintenance passes, probes the backend, and wires the
// gateway and ingestion worker together.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kraklabs/ohhhllama/pkg/hub"
	"github.com/kraklabs/ohhhllama/pkg/ingestion"
	"github.com/kraklabs/ohhhllama/pkg/ollama"
	"github.com/kraklabs/ohhhllama/pkg/proxy"
	"github.com/kraklabs/ohhhllama/pkg/store"
)

// startupProbeTimeout bounds the backend catalog fetch at startup. The
// backend being down must not delay serving.
const startupProbeTimeout = 5 * time.Second

// Options carries everything Start needs. The serve command fills it from
// the loaded configuration.
type Options struct {
	DBPath  string
	Backend string

	RateLimit     int
	DiskPath      string
	DiskThreshold float64
	CleanupDays   int

	HFToken   string
	HFAPIBase string
	HFBase    string

	CacheDir     string
	LlamaCppDir  string
	DefaultQuant string
	KeepWorkdir  bool
	WorkerPoll   time.Duration
}

// Runtime is the assembled application. The caller runs Worker.Run in a
// goroutine, serves Gateway.Router(), and Closes on shutdown.
type Runtime struct {
	Store   *store.Store
	Backend *ollama.Client
	Gateway *proxy.Gateway
	Worker  *ingestion.Worker

	logger *slog.Logger
}

// Start opens the store, performs the startup maintenance passes
// (orphan recovery, retention sweep, catalog reconciliation), probes the
// backend, and returns the wired runtime. A store failure is fatal; a
// backend failure is logged and serving proceeds.
func Start(ctx context.Context, opts Options, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("bootstrap.start", "db", opts.DBPath, "backend", opts.Backend)

	s, err := store.Open(opts.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", opts.DBPath, err)
	}

	recovered, err := s.RecoverOrphans(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recover orphaned downloads: %w", err)
	}
	if recovered > 0 {
		logger.Info("bootstrap.orphans.recovered", "count", recovered)
	}

	if opts.CleanupDays > 0 {
		swept, err := s.SweepRetention(ctx, opts.CleanupDays)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sweep retention: %w", err)
		}
		if swept > 0 {
			logger.Info("bootstrap.retention.swept", "count", swept, "days", opts.CleanupDays)
		}
	}

	backend := ollama.NewClient(opts.Backend, logger)
	probeBackend(ctx, s, backend, logger)

	gw := proxy.NewGateway(s, backend, proxy.Config{
		RateLimit:     opts.RateLimit,
		DiskPath:      opts.DiskPath,
		DiskThreshold: opts.DiskThreshold,
	}, logger)

	hubClient := hub.NewClient(opts.HFAPIBase, opts.HFBase, opts.HFToken, logger)
	pipeline := ingestion.NewPipeline(
		ingestion.Config{
			CacheDir:     opts.CacheDir,
			LlamaCppDir:  opts.LlamaCppDir,
			DefaultQuant: opts.DefaultQuant,
			KeepWorkdir:  opts.KeepWorkdir,
		},
		hub.NewPlanner(hubClient, logger),
		hub.NewFetcher(hubClient, logger),
		ingestion.NewToolDriver(opts.LlamaCppDir, logger),
		ingestion.NewRegistrar(backend, filepath.Join(opts.CacheDir, "modelfiles"), logger),
		logger,
	)
	worker := ingestion.NewWorker(s, pipeline, opts.WorkerPoll, logger)

	return &Runtime{
		Store:   s,
		Backend: backend,
		Gateway: gw,
		Worker:  worker,
		logger:  logger,
	}, nil
}

// probeBackend checks backend connectivity once at startup and, when the
// catalog is reachable, resets completed rows whose model is no longer
// installed. Failure is informational: the backend may simply start later.
func probeBackend(ctx context.Context, s *store.Store, backend *ollama.Client, logger *slog.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	catalog, err := backend.ListModels(probeCtx)
	if err != nil {
		logger.Warn("bootstrap.backend.check", "url", backend.BaseURL(), "status", "FAILED", "error", err)
		return
	}
	logger.Info("bootstrap.backend.check", "url", backend.BaseURL(), "status", "OK", "models", len(catalog))

	requeued, err := s.ReconcileCompleted(probeCtx, catalog)
	if err != nil {
		logger.Warn("bootstrap.reconcile", "error", err)
		return
	}
	if requeued > 0 {
		logger.Info("bootstrap.reconcile.requeued", "count", requeued)
	}
}

// Close releases the runtime's resources.
func (r *Runtime) Close() error {
	r.logger.Info("bootstrap.close")
	return r.Store.Close()
}
