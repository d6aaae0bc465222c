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
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/kraklabs/ohhhllama/internal/errors"
)

// DefaultQuant is used when a request does not name a quantization.
const DefaultQuant = "Q4_K_M"

// SupportedArchitectures lists the transformer architectures the
// conversion toolchain can turn into GGUF.
var SupportedArchitectures = []string{
	"LlamaForCausalLM",
	"MistralForCausalLM",
	"MixtralForCausalLM",
	"Qwen2ForCausalLM",
	"PhiForCausalLM",
	"Phi3ForCausalLM",
	"GemmaForCausalLM",
	"Gemma2ForCausalLM",
	"FalconForCausalLM",
	"GPT2LMHeadModel",
	"GPTNeoXForCausalLM",
	"StableLmForCausalLM",
	"OlmoForCausalLM",
}

// GGUFProviders are community accounts that publish pre-quantized GGUF
// mirrors, probed in order.
var GGUFProviders = []string{
	"TheBloke",
	"bartowski",
	"QuantFactory",
	"mradermacher",
}

// QuantPreferences orders quantization types from highest to lowest
// quality. Artifact selection falls back along this list.
var QuantPreferences = []string{
	"Q8_0",
	"Q6_K",
	"Q5_K_M",
	"Q5_K_S",
	"Q4_K_M",
	"Q4_K_S",
	"Q4_0",
	"Q3_K_M",
	"Q3_K_S",
	"Q2_K",
}

// Profile describes what the planner learned about a repository and which
// acquisition path applies.
type Profile struct {
	Repo          string   `json:"repo_id"`
	Architecture  string   `json:"architecture,omitempty"`
	IsConvertible bool     `json:"is_convertible"`
	HasGGUF       bool     `json:"has_gguf"`
	GGUFFiles     []string `json:"gguf_files,omitempty"`

	// GGUFRepo is where the GGUF files live: the repo itself, or a
	// provider mirror discovered by probing.
	GGUFRepo string `json:"gguf_repo,omitempty"`

	// Files is the full repository listing, kept so a conversion run can
	// pick its weight files without a second hub round trip.
	Files []string `json:"-"`
}

// Viable reports whether any acquisition path exists for the model.
func (p *Profile) Viable() bool {
	return p.HasGGUF || p.IsConvertible
}

// Planner probes repositories and decides how a model can be brought into
// Ollama: packaged GGUF in the repo, a provider mirror, or conversion from
// raw weights.
type Planner struct {
	client *Client
	logger *slog.Logger
}

// NewPlanner creates a planner on top of a hub client.
func NewPlanner(client *Client, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, logger: logger}
}

// Probe inspects a repository and builds its acquisition profile.
//
// GGUF files in the repo itself win. Otherwise the planner reads
// config.json to judge convertibility, and independently searches the
// known provider mirrors; a mirror hit fills GGUFRepo so ingestion can
// prefer the packaged artifact over a conversion run.
func (p *Planner) Probe(ctx context.Context, repo string) (*Profile, error) {
	profile := &Profile{Repo: repo}

	files, err := p.client.ListFiles(ctx, repo)
	if err != nil {
		return nil, err
	}
	profile.Files = files

	if gguf := FilterGGUF(files); len(gguf) > 0 {
		profile.HasGGUF = true
		profile.GGUFFiles = gguf
		profile.GGUFRepo = repo
		p.logger.Info("hub.probe", "repo", repo, "gguf_files", len(gguf))
		return profile, nil
	}

	config, err := p.client.GetConfig(ctx, repo)
	if err != nil {
		p.logger.Warn("hub.probe.config", "repo", repo, "error", err)
	} else if arch := Architecture(config); arch != "" {
		profile.Architecture = arch
		profile.IsConvertible = architectureSupported(arch)
		p.logger.Info("hub.probe.architecture", "repo", repo, "architecture", arch, "convertible", profile.IsConvertible)
	}

	if mirror, gguf := p.searchMirror(ctx, repo); mirror != "" {
		profile.HasGGUF = true
		profile.GGUFRepo = mirror
		profile.GGUFFiles = gguf
		p.logger.Info("hub.probe.mirror", "repo", repo, "mirror", mirror, "gguf_files", len(gguf))
	}

	return profile, nil
}

// searchMirror probes the provider accounts for a GGUF mirror of repo,
// trying common naming variants. Returns the first hit that actually
// holds .gguf files.
func (p *Planner) searchMirror(ctx context.Context, repo string) (string, []string) {
	name := repo[strings.LastIndex(repo, "/")+1:]

	variants := dedupe([]string{
		name,
		strings.ReplaceAll(name, "-", "_"),
		strings.ReplaceAll(name, "_", "-"),
	})

	for _, provider := range GGUFProviders {
		for _, variant := range variants {
			candidates := dedupe([]string{
				fmt.Sprintf("%s/%s-GGUF", provider, variant),
				fmt.Sprintf("%s/%s-gguf", provider, variant),
				fmt.Sprintf("%s/%s-GGUF", provider, strings.ToLower(variant)),
			})
			for _, candidate := range candidates {
				if gguf, ok := p.client.RepoHasGGUF(ctx, candidate); ok {
					return candidate, gguf
				}
			}
		}
	}
	return "", nil
}

// SelectArtifact picks the GGUF file best matching the requested
// quantization: an exact (substring) match first, then alternatives in
// preference order, then the first file.
func SelectArtifact(files []string, quant string) (string, error) {
	if len(files) == 0 {
		return "", apperrors.NewInputError("no GGUF files to select from",
			"The repository holds no .gguf artifacts",
			"Queue the repository for conversion instead")
	}

	want := strings.ToUpper(strings.ReplaceAll(quant, "-", "_"))

	for _, f := range files {
		if strings.Contains(strings.ToUpper(f), want) {
			return f, nil
		}
	}

	if quantIndex(want) >= 0 {
		for _, alt := range QuantPreferences {
			for _, f := range files {
				if strings.Contains(strings.ToUpper(f), alt) {
					return f, nil
				}
			}
		}
	}

	return files[0], nil
}

func architectureSupported(arch string) bool {
	for _, a := range SupportedArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

func quantIndex(quant string) int {
	for i, q := range QuantPreferences {
		if q == quant {
			return i
		}
	}
	return -1
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
