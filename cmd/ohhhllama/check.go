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
	"io"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ohhhllama/internal/errors"
	"github.com/kraklabs/ohhhllama/internal/output"
	"github.com/kraklabs/ohhhllama/internal/ui"
	"github.com/kraklabs/ohhhllama/pkg/hub"
)

// checkTimeout bounds the whole probe, including mirror searches.
const checkTimeout = 60 * time.Second

// CheckResult is the 'check' command output for JSON mode.
type CheckResult struct {
	hub.Profile
	SelectedArtifact string `json:"selected_artifact,omitempty"`
}

// runCheck executes the 'check' CLI command: a dry run of the ingestion
// planner against a HuggingFace repository. It reports whether the model
// already ships GGUF files (in the repo or a known provider mirror), or
// can be converted from raw weights, and which artifact the given
// quantization would select.
//
// Flags:
//   - --quant: Quantization to select an artifact for (default: DEFAULT_QUANT)
//   - --json: Output results as JSON
//
// Examples:
//
//	ohhhllama check mistralai/Mistral-7B-v0.1
//	ohhhllama check TheBloke/Llama-2-7B-GGUF --quant Q5_K_M --json
func runCheck(args []string, configPath string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	quant := fs.String("quant", "", "Quantization to select an artifact for")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ohhhllama check [options] <owner/repo>

Probes a HuggingFace repository the way the ingestion worker would,
without downloading anything.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Missing repository id",
			"check needs exactly one owner/repo argument",
			"Run: ohhhllama check mistralai/Mistral-7B-v0.1",
		), *jsonOutput)
	}
	repo := fs.Arg(0)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, *jsonOutput)
	}
	if *quant == "" {
		*quant = cfg.DefaultQuant
	}

	// The probe's own logging is noise here; the command prints its
	// findings itself.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := hub.NewClient(cfg.HFAPIBase, cfg.HFBase, cfg.HFToken, logger)
	planner := hub.NewPlanner(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	profile, err := planner.Probe(ctx, repo)
	if err != nil {
		errors.FatalError(err, *jsonOutput)
	}

	result := CheckResult{Profile: *profile}
	if profile.HasGGUF {
		if artifact, err := hub.SelectArtifact(profile.GGUFFiles, *quant); err == nil {
			result.SelectedArtifact = artifact
		}
	}

	if *jsonOutput {
		if err := output.JSON(result); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	ui.Header(fmt.Sprintf("HuggingFace check: %s", repo))
	if profile.Architecture != "" {
		fmt.Printf("%s %s\n", ui.Label("Architecture:"), profile.Architecture)
	}
	fmt.Printf("%s %v\n", ui.Label("Convertible:"), profile.IsConvertible)
	fmt.Printf("%s %v\n", ui.Label("Has GGUF:"), profile.HasGGUF)
	if profile.HasGGUF {
		fmt.Printf("%s %s\n", ui.Label("GGUF repo:"), profile.GGUFRepo)
		fmt.Printf("%s %s\n", ui.Label("GGUF files:"), ui.CountText(len(profile.GGUFFiles)))
		if result.SelectedArtifact != "" {
			fmt.Printf("%s %s %s\n", ui.Label("Selected:"), result.SelectedArtifact,
				ui.DimText(fmt.Sprintf("(quant %s)", *quant)))
		}
	}

	fmt.Println()
	switch {
	case profile.HasGGUF:
		ui.Success("Ready to queue: a packaged GGUF artifact is available")
	case profile.IsConvertible:
		ui.Success("Ready to queue: raw weights can be converted and quantized")
	default:
		ui.Warning("Cannot be processed: unsupported architecture and no GGUF version found")
	}
}
