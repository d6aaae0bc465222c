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

// Package ingestion turns queued hub repositories into models registered
// with the Ollama backend: probe, fetch, convert, quantize, import.
package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kraklabs/ohhhllama/internal/errors"
)

// toolTimeout bounds one conversion or quantization run.
const toolTimeout = time.Hour

// quantizeCandidates are checked in order under the llama.cpp directory.
// Build layouts differ between release tarballs and source builds.
var quantizeCandidates = []string{
	"llama-quantize",
	"quantize",
	filepath.Join("build", "bin", "llama-quantize"),
}

// ToolDriver runs the llama.cpp conversion toolchain. Both tools are
// invoked with an argv vector; no shell is involved anywhere.
type ToolDriver struct {
	llamaCppDir string
	python      string
	logger      *slog.Logger
}

// NewToolDriver creates a driver for the toolchain under llamaCppDir.
func NewToolDriver(llamaCppDir string, logger *slog.Logger) *ToolDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolDriver{
		llamaCppDir: llamaCppDir,
		python:      "python3",
		logger:      logger,
	}
}

// runTool is swappable in tests. It executes argv with the given working
// directory and returns combined output.
var runTool = func(ctx context.Context, dir string, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Convert runs convert_hf_to_gguf.py over a downloaded model directory,
// producing outPath in the given dtype (normally f16; quantization is a
// separate pass).
func (d *ToolDriver) Convert(ctx context.Context, modelDir, outPath, dtype string) error {
	script := filepath.Join(d.llamaCppDir, "convert_hf_to_gguf.py")
	if _, err := os.Stat(script); err != nil {
		return apperrors.NewConfigError(
			fmt.Sprintf("conversion script not found: %s", script),
			"The llama.cpp directory holds no convert_hf_to_gguf.py",
			"Set LLAMA_CPP_DIR to a llama.cpp checkout",
			err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create conversion output dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	start := time.Now()
	d.logger.Info("ingestion.convert", "model_dir", modelDir, "out", outPath, "dtype", dtype)

	out, err := runTool(ctx, d.llamaCppDir,
		d.python, script, modelDir, "--outfile", outPath, "--outtype", dtype)
	if err != nil {
		return fmt.Errorf("conversion failed: %s", toolDiagnostic(out, err))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("conversion produced no output at %s", outPath)
	}

	d.logger.Info("ingestion.convert.done", "out", outPath, "duration", time.Since(start))
	return nil
}

// Quantize runs llama-quantize to produce outPath at the given
// quantization type.
func (d *ToolDriver) Quantize(ctx context.Context, inPath, outPath, quant string) error {
	bin, err := d.quantizeBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create quantize output dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	start := time.Now()
	d.logger.Info("ingestion.quantize", "in", inPath, "out", outPath, "quant", quant)

	out, err := runTool(ctx, d.llamaCppDir, bin, inPath, outPath, quant)
	if err != nil {
		return fmt.Errorf("quantization failed: %s", toolDiagnostic(out, err))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("quantization produced no output at %s", outPath)
	}

	d.logger.Info("ingestion.quantize.done", "out", outPath, "duration", time.Since(start))
	return nil
}

func (d *ToolDriver) quantizeBinary() (string, error) {
	for _, candidate := range quantizeCandidates {
		bin := filepath.Join(d.llamaCppDir, candidate)
		if _, err := os.Stat(bin); err == nil {
			return bin, nil
		}
	}
	return "", apperrors.NewConfigError(
		fmt.Sprintf("llama-quantize not found in %s", d.llamaCppDir),
		"None of the known binary locations exist under the llama.cpp directory",
		"Build llama.cpp or point LLAMA_CPP_DIR at a directory holding llama-quantize",
		nil)
}

// toolDiagnostic folds tool output and the exec error into one message,
// trimmed so queue rows stay readable.
func toolDiagnostic(output string, err error) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return err.Error()
	}
	const max = 2000
	if len(output) > max {
		output = "..." + output[len(output)-max:]
	}
	return fmt.Sprintf("%v: %s", err, output)
}
