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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/ohhhllama/pkg/hub"
	"github.com/kraklabs/ohhhllama/pkg/store"
)

// Config holds the pipeline's filesystem and toolchain settings.
type Config struct {
	// CacheDir is the root for downloads. Finished artifacts live under
	// CacheDir/gguf; conversion workdirs under CacheDir/convert.
	CacheDir string

	// LlamaCppDir is the llama.cpp checkout holding the converter script
	// and quantize binary.
	LlamaCppDir string

	// DefaultQuant applies when a queue entry names no quantization.
	DefaultQuant string

	// KeepWorkdir leaves conversion workdirs behind for debugging.
	KeepWorkdir bool
}

func (c *Config) defaults() {
	if c.DefaultQuant == "" {
		c.DefaultQuant = hub.DefaultQuant
	}
}

// ggufDir is where finished artifacts land.
func (c *Config) ggufDir() string {
	return filepath.Join(c.CacheDir, "gguf")
}

// workdir is the per-repository conversion scratch space.
func (c *Config) workdir(repo string) string {
	return filepath.Join(c.CacheDir, "convert", strings.ReplaceAll(repo, "/", "_"))
}

// Stage interfaces let tests drive the pipeline with fakes; production
// wiring uses hub.Planner, hub.Fetcher, ToolDriver and Registrar.

type modelPlanner interface {
	Probe(ctx context.Context, repo string) (*hub.Profile, error)
}

type artifactFetcher interface {
	Download(ctx context.Context, repo, filename, destDir string) (string, error)
	DownloadWeights(ctx context.Context, repo string, files []string, destDir string) (string, error)
}

type toolDriver interface {
	Convert(ctx context.Context, modelDir, outPath, dtype string) error
	Quantize(ctx context.Context, inPath, outPath, quant string) error
}

type modelRegistrar interface {
	Register(ctx context.Context, name, ggufPath string, opts ModelfileOptions) (string, error)
}

// Pipeline processes one hub queue entry end to end.
type Pipeline struct {
	cfg       Config
	planner   modelPlanner
	fetcher   artifactFetcher
	tools     toolDriver
	registrar modelRegistrar
	logger    *slog.Logger
}

// NewPipeline wires the production stages together.
func NewPipeline(cfg Config, planner *hub.Planner, fetcher *hub.Fetcher, tools *ToolDriver, registrar *Registrar, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	return &Pipeline{
		cfg:       cfg,
		planner:   planner,
		fetcher:   fetcher,
		tools:     tools,
		registrar: registrar,
		logger:    logger,
	}
}

// Process ingests a hub entry: probe the repository, acquire a GGUF
// artifact (packaged or via conversion), and register it with the backend.
// It returns the name the backend now serves.
func (p *Pipeline) Process(ctx context.Context, entry store.Entry) (string, error) {
	repo := entry.Model
	name := entry.Subject()
	quant := entry.Quant
	if quant == "" {
		quant = p.cfg.DefaultQuant
	}

	start := time.Now()
	p.logger.Info("ingestion.process", "id", entry.ID, "repo", repo, "name", name, "quant", quant)

	profile, err := p.planner.Probe(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", repo, err)
	}

	var ggufPath string
	switch {
	case profile.HasGGUF:
		ggufPath, err = p.fetchPackaged(ctx, profile, quant)
	case profile.IsConvertible:
		ggufPath, err = p.convert(ctx, profile, name, quant)
	default:
		err = fmt.Errorf("model cannot be processed: architecture %q is not supported and no GGUF version found",
			profile.Architecture)
	}
	if err != nil {
		return "", err
	}

	registered, err := p.registrar.Register(ctx, name, ggufPath, ModelfileOptions{})
	if err != nil {
		return "", err
	}

	recordProcessDuration(time.Since(start))
	p.logger.Info("ingestion.process.done", "id", entry.ID, "model", registered, "duration", time.Since(start))
	return registered, nil
}

// fetchPackaged downloads the best matching pre-quantized artifact.
func (p *Pipeline) fetchPackaged(ctx context.Context, profile *hub.Profile, quant string) (string, error) {
	file, err := hub.SelectArtifact(profile.GGUFFiles, quant)
	if err != nil {
		return "", err
	}
	path, err := p.fetcher.Download(ctx, profile.GGUFRepo, file, p.cfg.ggufDir())
	if err != nil {
		return "", err
	}
	recordArtifactDownloaded()
	return path, nil
}

// convert downloads raw weights and runs the converter, then the quantizer
// unless f16 itself was requested. The f16 intermediate stays in the
// workdir; only the final artifact lands in the gguf directory.
func (p *Pipeline) convert(ctx context.Context, profile *hub.Profile, name, quant string) (string, error) {
	workdir := p.cfg.workdir(profile.Repo)
	if !p.cfg.KeepWorkdir {
		defer p.cleanup(workdir)
	}

	modelDir, err := p.fetcher.DownloadWeights(ctx, profile.Repo, profile.Files, workdir)
	if err != nil {
		return "", err
	}

	f16Path := filepath.Join(workdir, name+"_f16.gguf")
	if err := p.tools.Convert(ctx, modelDir, f16Path, "f16"); err != nil {
		return "", err
	}
	recordConversion()

	if strings.EqualFold(quant, "f16") {
		// Publish the f16 artifact itself; the workdir is about to go.
		final := filepath.Join(p.cfg.ggufDir(), name+"_f16.gguf")
		if err := os.MkdirAll(p.cfg.ggufDir(), 0o755); err != nil {
			return "", fmt.Errorf("create artifact dir: %w", err)
		}
		if err := os.Rename(f16Path, final); err != nil {
			return "", fmt.Errorf("publish f16 artifact: %w", err)
		}
		return final, nil
	}

	quantPath := filepath.Join(p.cfg.ggufDir(), fmt.Sprintf("%s_%s.gguf", name, quant))
	if err := p.tools.Quantize(ctx, f16Path, quantPath, quant); err != nil {
		return "", err
	}
	recordQuantization()
	return quantPath, nil
}

func (p *Pipeline) cleanup(workdir string) {
	if err := os.RemoveAll(workdir); err != nil {
		p.logger.Warn("ingestion.cleanup", "workdir", workdir, "error", err)
	}
}
