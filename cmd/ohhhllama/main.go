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

// Package main implements the ohhhllama CLI: a transparent Ollama gateway
// that defers model downloads onto a queue.
//
// Usage:
//
//	ohhhllama serve               Run the gateway and ingestion worker
//	ohhhllama queue [--json]      Show the download queue of a running gateway
//	ohhhllama check <repo> [--json]  Probe a HuggingFace repo for viability
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/ohhhllama/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// main parses global flags and dispatches to command handlers.
//
// Global flags:
//   - --version: Display version information and exit
//   - --config: Path to a YAML configuration file (optional; env wins)
//   - --no-color: Disable colored output
//
// Commands:
//   - serve: Run the gateway and the ingestion worker
//   - queue: Show the download queue of a running gateway
//   - check: Probe a HuggingFace repository for viability
func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "", "Path to YAML configuration file (optional)")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ohhhllama - Ollama download-queue gateway

ohhhllama sits between Ollama clients and a real Ollama backend. It
passes every request through untouched except model downloads, which it
defers onto a rate-limited queue so large pulls happen off-peak. It can
also ingest HuggingFace repositories: downloading GGUF artifacts, or
converting and quantizing raw weights with llama.cpp, then importing
the result into the backend.

Usage:
  ohhhllama <command> [options]

Commands:
  serve         Run the gateway and ingestion worker
  queue         Show the download queue of a running gateway
  check         Probe a HuggingFace repository for viability

Global Options:
  --config      Path to YAML configuration file
  --no-color    Disable colored output
  --version     Show version and exit

Examples:
  ohhhllama serve                    Run with environment configuration
  ohhhllama serve --debug            Run with debug logging
  ohhhllama queue                    Show queue state
  ohhhllama queue --json             Output as JSON
  ohhhllama check mistralai/Mistral-7B-v0.1
  ohhhllama check TheBloke/Llama-2-7B-GGUF --quant Q5_K_M

Configuration:
  All settings come from environment variables (OLLAMA_BACKEND,
  LISTEN_PORT, DB_PATH, RATE_LIMIT, DISK_PATH, DISK_THRESHOLD,
  CLEANUP_DAYS, HF_TOKEN, CACHE_DIR, LLAMA_CPP_DIR, ...), optionally
  seeded from a YAML file given by --config. Environment wins.

For detailed command help: ohhhllama <command> --help

`)
	}

	flag.Parse()
	ui.InitColors(*noColor)

	if *showVersion {
		fmt.Printf("ohhhllama version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "serve":
		runServe(cmdArgs, *configPath)
	case "queue":
		runQueue(cmdArgs, *configPath)
	case "check":
		runCheck(cmdArgs, *configPath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
