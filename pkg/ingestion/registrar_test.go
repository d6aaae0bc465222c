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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildModelfile(t *testing.T) {
	content := BuildModelfile("/data/gguf/tinyllama_Q4_K_M.gguf", ModelfileOptions{})

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, "FROM /data/gguf/tinyllama_Q4_K_M.gguf", lines[0])
	assert.Contains(t, content, "PARAMETER temperature 0.7")
	assert.Contains(t, content, "PARAMETER top_p 0.9")
	assert.Contains(t, content, "PARAMETER stop <|im_end|>")
	assert.Contains(t, content, "PARAMETER stop <|end|>")
	assert.Contains(t, content, "PARAMETER stop </s>")
}

func TestBuildModelfileEscapesSystemPrompt(t *testing.T) {
	content := BuildModelfile("/m.gguf", ModelfileOptions{
		SystemPrompt: `You are "helpful".`,
	})
	assert.Contains(t, content, `SYSTEM "You are \"helpful\"."`)
}

func TestBuildModelfileTemplate(t *testing.T) {
	content := BuildModelfile("/m.gguf", ModelfileOptions{Template: `"{{ .Prompt }}"`})
	assert.Contains(t, content, `TEMPLATE "{{ .Prompt }}"`)
}

func TestSanitizeModelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TinyLlama_v1", "tinyllama-v1"},
		{"already-clean", "already-clean"},
		{"Mixed_Case-Name", "mixed-case-name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeModelName(tt.in))
	}
}

type fakeImporter struct {
	name      string
	modelfile string
	err       error
}

func (f *fakeImporter) Create(_ context.Context, name, modelfile string) error {
	f.name = name
	f.modelfile = modelfile
	return f.err
}

func newTestRegistrar(backend modelImporter, modelfileDir string) *Registrar {
	return &Registrar{backend: backend, modelfileDir: modelfileDir, logger: testLogger()}
}

func TestRegister(t *testing.T) {
	gguf := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(gguf, []byte("gguf"), 0o644))

	importer := &fakeImporter{}
	modelfileDir := t.TempDir()
	r := newTestRegistrar(importer, modelfileDir)

	name, err := r.Register(context.Background(), "My_Model", gguf, ModelfileOptions{})
	require.NoError(t, err)

	assert.Equal(t, "my-model", name)
	assert.Equal(t, "my-model", importer.name)
	assert.Contains(t, importer.modelfile, "FROM "+gguf)

	// A copy of the Modelfile is kept for inspection.
	copied, err := os.ReadFile(filepath.Join(modelfileDir, "my-model.Modelfile"))
	require.NoError(t, err)
	assert.Equal(t, importer.modelfile, string(copied))
}

func TestRegisterMissingArtifact(t *testing.T) {
	r := newTestRegistrar(&fakeImporter{}, "")

	_, err := r.Register(context.Background(), "model", "/nonexistent.gguf", ModelfileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegisterImportFailure(t *testing.T) {
	gguf := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(gguf, []byte("gguf"), 0o644))

	r := newTestRegistrar(&fakeImporter{err: fmt.Errorf("backend create failed: oom")}, "")

	_, err := r.Register(context.Background(), "model", gguf, ModelfileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oom")
}
