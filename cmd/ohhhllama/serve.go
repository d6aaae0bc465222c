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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ohhhllama/internal/bootstrap"
	"github.com/kraklabs/ohhhllama/internal/errors"
)

// shutdownTimeout is how long in-flight requests get to finish after a
// termination signal.
const shutdownTimeout = 10 * time.Second

// runServe executes the 'serve' CLI command: the gateway HTTP server plus
// the background ingestion worker, until SIGINT or SIGTERM.
//
// Flags:
//   - --debug: Enable debug logging regardless of LOG_LEVEL
//
// Examples:
//
//	ohhhllama serve
//	LISTEN_PORT=8080 ohhhllama serve --debug
func runServe(args []string, configPath string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ohhhllama serve [options]

Description:
  Run the transparent Ollama gateway. This command:
  1. Opens the queue database and recovers interrupted downloads.
  2. Sweeps terminal queue rows past the retention window.
  3. Probes the backend and requeues models that disappeared from it.
  4. Serves the gateway and starts the ingestion worker.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ohhhllama serve
  ohhhllama serve --debug
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, false)
	}

	level := slogLevel(cfg.LogLevel)
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{
		DBPath:        cfg.DBPath,
		Backend:       cfg.Backend,
		RateLimit:     cfg.RateLimit,
		DiskPath:      cfg.DiskPath,
		DiskThreshold: cfg.DiskThreshold,
		CleanupDays:   cfg.CleanupDays,
		HFToken:       cfg.HFToken,
		HFAPIBase:     cfg.HFAPIBase,
		HFBase:        cfg.HFBase,
		CacheDir:      cfg.CacheDir,
		LlamaCppDir:   cfg.LlamaCppDir,
		DefaultQuant:  cfg.DefaultQuant,
		KeepWorkdir:   cfg.KeepWorkdir,
		WorkerPoll:    time.Duration(cfg.WorkerPoll) * time.Second,
	}, logger)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Gateway startup failed",
			err.Error(),
			"Check DB_PATH and that the directory is writable",
			err,
		), false)
	}
	defer rt.Close()

	go rt.Worker.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: rt.Gateway.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("serve.shutdown", "reason", "signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("serve.shutdown.forced", "error", err)
			_ = srv.Close()
		}
	}()

	logger.Info("serve.listen", "port", cfg.ListenPort, "backend", cfg.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errors.FatalError(errors.NewNetworkError(
			"Gateway listener failed",
			err.Error(),
			fmt.Sprintf("Check that port %d is free", cfg.ListenPort),
			err,
		), false)
	}

	logger.Info("serve.stopped")
}
