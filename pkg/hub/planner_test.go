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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRepoWithGGUF(t *testing.T) {
	c := fakeHub(t, map[string]http.HandlerFunc{
		"/api/models/TheBloke/TinyLlama-GGUF": jsonBody(
			`{"siblings":[{"rfilename":"tinyllama.Q4_K_M.gguf"},{"rfilename":"README.md"}]}`),
	})

	p := NewPlanner(c, nil)
	profile, err := p.Probe(context.Background(), "TheBloke/TinyLlama-GGUF")
	require.NoError(t, err)

	assert.True(t, profile.HasGGUF)
	assert.True(t, profile.Viable())
	assert.Equal(t, "TheBloke/TinyLlama-GGUF", profile.GGUFRepo)
	assert.Equal(t, []string{"tinyllama.Q4_K_M.gguf"}, profile.GGUFFiles)
}

func TestProbeConvertibleModel(t *testing.T) {
	c := fakeHub(t, map[string]http.HandlerFunc{
		"/api/models/acme/new-model": jsonBody(
			`{"siblings":[{"rfilename":"config.json"},{"rfilename":"model.safetensors"}]}`),
		"/acme/new-model/raw/main/config.json": jsonBody(
			`{"architectures":["LlamaForCausalLM"]}`),
	})

	p := NewPlanner(c, nil)
	profile, err := p.Probe(context.Background(), "acme/new-model")
	require.NoError(t, err)

	assert.False(t, profile.HasGGUF)
	assert.True(t, profile.IsConvertible)
	assert.True(t, profile.Viable())
	assert.Equal(t, "LlamaForCausalLM", profile.Architecture)
}

func TestProbeUnsupportedArchitecture(t *testing.T) {
	c := fakeHub(t, map[string]http.HandlerFunc{
		"/api/models/acme/exotic": jsonBody(
			`{"siblings":[{"rfilename":"config.json"}]}`),
		"/acme/exotic/raw/main/config.json": jsonBody(
			`{"architectures":["MambaForCausalLM"]}`),
	})

	p := NewPlanner(c, nil)
	profile, err := p.Probe(context.Background(), "acme/exotic")
	require.NoError(t, err)

	assert.False(t, profile.IsConvertible)
	assert.False(t, profile.Viable())
	assert.Equal(t, "MambaForCausalLM", profile.Architecture)
}

// TestProbeFindsProviderMirror verifies the mirror search walks provider
// accounts and naming variants when the source repo has no GGUF.
func TestProbeFindsProviderMirror(t *testing.T) {
	c := fakeHub(t, map[string]http.HandlerFunc{
		"/api/models/acme/My_Model": jsonBody(
			`{"siblings":[{"rfilename":"config.json"}]}`),
		"/acme/My_Model/raw/main/config.json": jsonBody(
			`{"architectures":["MambaForCausalLM"]}`),
		// Mirror lives under the underscore-to-hyphen variant.
		"/api/models/bartowski/My-Model-GGUF": jsonBody(
			`{"siblings":[{"rfilename":"my-model.Q4_K_M.gguf"}]}`),
	})

	p := NewPlanner(c, nil)
	profile, err := p.Probe(context.Background(), "acme/My_Model")
	require.NoError(t, err)

	assert.True(t, profile.HasGGUF)
	assert.True(t, profile.Viable())
	assert.Equal(t, "bartowski/My-Model-GGUF", profile.GGUFRepo)
	assert.Equal(t, []string{"my-model.Q4_K_M.gguf"}, profile.GGUFFiles)
}

func TestProbeMirrorRequiresGGUFFiles(t *testing.T) {
	c := fakeHub(t, map[string]http.HandlerFunc{
		"/api/models/acme/model": jsonBody(
			`{"siblings":[{"rfilename":"config.json"}]}`),
		// Mirror exists but holds no .gguf artifacts.
		"/api/models/TheBloke/model-GGUF": jsonBody(
			`{"siblings":[{"rfilename":"README.md"}]}`),
	})

	p := NewPlanner(c, nil)
	profile, err := p.Probe(context.Background(), "acme/model")
	require.NoError(t, err)

	assert.False(t, profile.HasGGUF)
	assert.Empty(t, profile.GGUFRepo)
}

func TestSelectArtifact(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		quant string
		want  string
	}{
		{
			name:  "exact quant match",
			files: []string{"m-Q2_K.gguf", "m-Q4_K_M.gguf", "m-Q8_0.gguf"},
			quant: "Q4_K_M",
			want:  "m-Q4_K_M.gguf",
		},
		{
			name:  "case and hyphen normalization",
			files: []string{"m-Q4_K_M.gguf"},
			quant: "q4-k-m",
			want:  "m-Q4_K_M.gguf",
		},
		{
			name:  "missing quant falls back along preference order",
			files: []string{"m-Q2_K.gguf", "m-Q4_K_M.gguf", "m-Q8_0.gguf"},
			quant: "Q5_K_M",
			want:  "m-Q8_0.gguf",
		},
		{
			name:  "no preference matches falls back to first file",
			files: []string{"m-IQ1_S.gguf", "m-IQ2_XS.gguf"},
			quant: "Q4_K_M",
			want:  "m-IQ1_S.gguf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectArtifact(tt.files, tt.quant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectArtifactEmpty(t *testing.T) {
	_, err := SelectArtifact(nil, "Q4_K_M")
	assert.Error(t, err)
}
