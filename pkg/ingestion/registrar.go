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

	"github.com/kraklabs/ohhhllama/pkg/ollama"
)

// importTimeout bounds the backend import call.
const importTimeout = 10 * time.Minute

// ModelfileOptions carry the optional Modelfile sections.
type ModelfileOptions struct {
	SystemPrompt string
	Template     string
}

// BuildModelfile renders the Ollama Modelfile for a GGUF artifact with the
// house default parameters.
func BuildModelfile(ggufPath string, opts ModelfileOptions) string {
	lines := []string{"FROM " + ggufPath}

	if opts.SystemPrompt != "" {
		escaped := strings.ReplaceAll(opts.SystemPrompt, `"`, `\"`)
		lines = append(lines, `SYSTEM "`+escaped+`"`)
	}
	if opts.Template != "" {
		lines = append(lines, "TEMPLATE "+opts.Template)
	}

	lines = append(lines,
		"",
		"# Default parameters",
		"PARAMETER temperature 0.7",
		"PARAMETER top_p 0.9",
		"PARAMETER stop <|im_end|>",
		"PARAMETER stop <|end|>",
		"PARAMETER stop </s>",
	)
	return strings.Join(lines, "\n") + "\n"
}

// SanitizeModelName makes a name acceptable to the backend: lowercase with
// underscores turned into hyphens.
func SanitizeModelName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// modelImporter is the slice of the Ollama client the registrar needs.
type modelImporter interface {
	Create(ctx context.Context, name, modelfile string) error
}

// Registrar imports finished GGUF artifacts into the backend over its
// native import channel. The Modelfile travels inside the request body, so
// no shell quoting or container exec is involved.
type Registrar struct {
	backend      modelImporter
	modelfileDir string
	logger       *slog.Logger
}

// NewRegistrar creates a registrar. modelfileDir receives a copy of each
// generated Modelfile for inspection; empty disables the copies.
func NewRegistrar(backend *ollama.Client, modelfileDir string, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{backend: backend, modelfileDir: modelfileDir, logger: logger}
}

// Register builds the Modelfile for ggufPath and imports it under the
// sanitized name, returning the name the backend now serves.
func (r *Registrar) Register(ctx context.Context, name, ggufPath string, opts ModelfileOptions) (string, error) {
	if _, err := os.Stat(ggufPath); err != nil {
		return "", fmt.Errorf("gguf artifact not found: %s", ggufPath)
	}

	safeName := SanitizeModelName(name)
	modelfile := BuildModelfile(ggufPath, opts)

	if r.modelfileDir != "" {
		path := filepath.Join(r.modelfileDir, safeName+".Modelfile")
		if err := os.MkdirAll(r.modelfileDir, 0o755); err == nil {
			if err := os.WriteFile(path, []byte(modelfile), 0o644); err != nil {
				r.logger.Warn("ingestion.modelfile.copy", "path", path, "error", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()

	if err := r.backend.Create(ctx, safeName, modelfile); err != nil {
		return "", fmt.Errorf("import %s: %w", safeName, err)
	}

	r.logger.Info("ingestion.register", "model", safeName, "gguf", ggufPath)
	return safeName, nil
}
