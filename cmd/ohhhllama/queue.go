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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ohhhllama/internal/errors"
	"github.com/kraklabs/ohhhllama/internal/output"
	"github.com/kraklabs/ohhhllama/internal/ui"
	"github.com/kraklabs/ohhhllama/pkg/store"
)

// queueFetchTimeout bounds the admin request to the running gateway.
const queueFetchTimeout = 10 * time.Second

// runQueue executes the 'queue' CLI command: fetches GET /api/queue from a
// running gateway and renders it.
//
// Flags:
//   - --gateway: Gateway base URL (default: http://127.0.0.1:<LISTEN_PORT>)
//   - --json: Output results as JSON
//
// Examples:
//
//	ohhhllama queue
//	ohhhllama queue --gateway http://gpu-box:11434 --json
func runQueue(args []string, configPath string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	gateway := fs.String("gateway", "", "Gateway base URL (default: http://127.0.0.1:<LISTEN_PORT>)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ohhhllama queue [options]

Shows the download queue of a running gateway.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, *jsonOutput)
	}

	base := *gateway
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.ListenPort)
	}

	st, err := fetchQueue(base)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot reach the gateway",
			fmt.Sprintf("GET %s/api/queue failed: %v", base, err),
			"Check that 'ohhhllama serve' is running, or pass --gateway",
			err,
		), *jsonOutput)
	}

	if *jsonOutput {
		if err := output.JSON(st); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	renderQueue(st)
}

func fetchQueue(base string) (*store.QueueStatus, error) {
	client := &http.Client{Timeout: queueFetchTimeout}
	resp, err := client.Get(base + "/api/queue")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var st store.QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &st, nil
}

func renderQueue(st *store.QueueStatus) {
	ui.Header("Download queue")
	fmt.Printf("%s %s pending, %s downloading, %s completed, %s failed\n\n",
		ui.Label("Totals:"),
		ui.CountText(st.Counts.Pending), ui.CountText(st.Counts.Downloading),
		ui.CountText(st.Counts.Completed), ui.CountText(st.Counts.Failed))

	if len(st.Queue) == 0 {
		fmt.Println("Queue is empty.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tMODEL\tSTATUS\tREQUESTED BY\tAGE")
		for _, e := range st.Queue {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Kind, e.Model, statusText(e.Status), e.RequesterIP, age(e.CreatedAt))
		}
		_ = w.Flush()
	}

	if len(st.Recent) > 0 {
		fmt.Println()
		ui.SubHeader("Recent")
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, e := range st.Recent {
			line := fmt.Sprintf("%d\t%s\t%s\t%s", e.ID, e.Kind, e.Model, statusText(e.Status))
			if e.Error != "" {
				line += "\t" + ui.DimText(e.Error)
			}
			fmt.Fprintln(w, line)
		}
		_ = w.Flush()
	}
}

// statusText colors a queue status for terminal output.
func statusText(s store.Status) string {
	switch s {
	case store.StatusCompleted:
		return ui.Green.Sprint(string(s))
	case store.StatusFailed:
		return ui.Red.Sprint(string(s))
	case store.StatusDownloading:
		return ui.Cyan.Sprint(string(s))
	default:
		return string(s)
	}
}

// age renders how long ago t was, coarsely.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
