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
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:11435", cfg.Backend)
	assert.Equal(t, 11434, cfg.ListenPort)
	assert.Equal(t, "/var/lib/ohhhllama/queue.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.RateLimit)
	assert.Equal(t, 90.0, cfg.DiskThreshold)
	assert.Equal(t, 7, cfg.CleanupDays)
	assert.Equal(t, "Q4_K_M", cfg.DefaultQuant)
	assert.Equal(t, 30, cfg.WorkerPoll)
	assert.False(t, cfg.KeepWorkdir)
}

func TestLoadConfigYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: http://gpu-box:11435/
listen_port: 8080
rate_limit: 10
keep_workdir: true
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://gpu-box:11435", cfg.Backend, "trailing slash trimmed")
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.True(t, cfg.KeepWorkdir)
	// Untouched keys keep their defaults.
	assert.Equal(t, "/var/lib/ohhhllama/queue.db", cfg.DBPath)
}

func TestLoadConfigEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit: 10\nlisten_port: 8080\n"), 0o600))

	t.Setenv("RATE_LIMIT", "3")
	t.Setenv("DISK_THRESHOLD", "85.5")
	t.Setenv("KEEP_WORKDIR", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RateLimit)
	assert.Equal(t, 8080, cfg.ListenPort, "file value survives when env is unset")
	assert.Equal(t, 85.5, cfg.DiskThreshold)
	assert.True(t, cfg.KeepWorkdir)
}

func TestLoadConfigMalformedEnvIgnored(t *testing.T) {
	t.Setenv("RATE_LIMIT", "lots")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RateLimit)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("listen_port: [not an int\n"), 0o600))
		_, err := LoadConfig(path)
		require.Error(t, err)
	})

	t.Run("invalid port", func(t *testing.T) {
		t.Setenv("LISTEN_PORT", "70000")
		_, err := LoadConfig("")
		require.Error(t, err)
	})

	t.Run("invalid rate limit", func(t *testing.T) {
		t.Setenv("RATE_LIMIT", "0")
		_, err := LoadConfig("")
		require.Error(t, err)
	})
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slogLevel(tt.name), tt.name)
	}
}
