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
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/ohhhllama/internal/errors"
)

// Config is the complete runtime configuration for the gateway and the
// ingestion worker. It is built once by LoadConfig and passed by value;
// nothing mutates it afterwards.
//
// Values come from three layers, later layers winning:
//  1. built-in defaults
//  2. an optional YAML file given by --config
//  3. environment variables
type Config struct {
	// Backend is the base URL of the real Ollama instance.
	Backend string `yaml:"backend"`

	// ListenPort is the gateway's own port, the one clients believe is
	// Ollama.
	ListenPort int `yaml:"listen_port"`

	// DBPath is the SQLite file holding the queue and rate counters.
	DBPath string `yaml:"db_path"`

	// RateLimit is the per-IP daily download quota.
	RateLimit int `yaml:"rate_limit"`

	// DiskPath and DiskThreshold configure the disk guard.
	DiskPath      string  `yaml:"disk_path"`
	DiskThreshold float64 `yaml:"disk_threshold"`

	// CleanupDays is the retention window for terminal queue rows.
	CleanupDays int `yaml:"cleanup_days"`

	// HuggingFace access for the ingestion pipeline.
	HFToken   string `yaml:"hf_token"`
	HFAPIBase string `yaml:"hf_api_base"`
	HFBase    string `yaml:"hf_base"`

	// CacheDir is the working root for downloads and conversions.
	CacheDir string `yaml:"cache_dir"`

	// LlamaCppDir is the llama.cpp checkout with the converter script and
	// quantize binary.
	LlamaCppDir string `yaml:"llama_cpp_dir"`

	// DefaultQuant applies to hub requests that name no quantization.
	DefaultQuant string `yaml:"default_quant"`

	// WorkerPoll is the ingestion poll interval in seconds.
	WorkerPoll int `yaml:"worker_poll"`

	// KeepWorkdir leaves conversion scratch directories behind.
	KeepWorkdir bool `yaml:"keep_workdir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() Config {
	return Config{
		Backend:       "http://127.0.0.1:11435",
		ListenPort:    11434,
		DBPath:        "/var/lib/ohhhllama/queue.db",
		RateLimit:     5,
		DiskPath:      "/",
		DiskThreshold: 90,
		CleanupDays:   7,
		HFAPIBase:     "https://huggingface.co/api",
		HFBase:        "https://huggingface.co",
		CacheDir:      "/data/huggingface",
		LlamaCppDir:   "/opt/llama.cpp",
		DefaultQuant:  "Q4_K_M",
		WorkerPoll:    30,
		LogLevel:      "info",
	}
}

// LoadConfig builds the effective configuration. configPath may be empty;
// when given, the file must exist and parse.
func LoadConfig(configPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, errors.NewConfigError(
				"Cannot read configuration file",
				fmt.Sprintf("Failed to read %s", configPath),
				"Check that the file exists and is readable",
				err,
			)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.NewConfigError(
				"Invalid configuration file",
				fmt.Sprintf("Failed to parse %s as YAML", configPath),
				"Fix the YAML syntax; keys are the lowercased environment variable names",
				err,
			)
		}
	}

	applyEnv(&cfg)

	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return cfg, errors.NewConfigError(
			"Invalid listen port",
			fmt.Sprintf("LISTEN_PORT is %d", cfg.ListenPort),
			"Set LISTEN_PORT to a value between 1 and 65535",
			nil,
		)
	}
	if cfg.RateLimit < 1 {
		return cfg, errors.NewConfigError(
			"Invalid rate limit",
			fmt.Sprintf("RATE_LIMIT is %d", cfg.RateLimit),
			"Set RATE_LIMIT to a positive integer",
			nil,
		)
	}
	cfg.Backend = strings.TrimRight(cfg.Backend, "/")

	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Unset and malformed
// values leave the current value in place.
func applyEnv(cfg *Config) {
	envString(&cfg.Backend, "OLLAMA_BACKEND")
	envInt(&cfg.ListenPort, "LISTEN_PORT")
	envString(&cfg.DBPath, "DB_PATH")
	envInt(&cfg.RateLimit, "RATE_LIMIT")
	envString(&cfg.DiskPath, "DISK_PATH")
	envFloat(&cfg.DiskThreshold, "DISK_THRESHOLD")
	envInt(&cfg.CleanupDays, "CLEANUP_DAYS")
	envString(&cfg.HFToken, "HF_TOKEN")
	envString(&cfg.HFAPIBase, "HF_API_BASE")
	envString(&cfg.HFBase, "HF_BASE")
	envString(&cfg.CacheDir, "CACHE_DIR")
	envString(&cfg.LlamaCppDir, "LLAMA_CPP_DIR")
	envString(&cfg.DefaultQuant, "DEFAULT_QUANT")
	envInt(&cfg.WorkerPoll, "WORKER_POLL")
	envBool(&cfg.KeepWorkdir, "KEEP_WORKDIR")
	envString(&cfg.LogLevel, "LOG_LEVEL")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// slogLevel maps the LOG_LEVEL string onto a slog level. Unknown values
// fall back to info.
func slogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
