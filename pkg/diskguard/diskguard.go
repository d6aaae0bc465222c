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

// Package diskguard evaluates filesystem free space against a configurable
// threshold. The gateway refuses to enqueue downloads while the disk holding
// the model cache is critically full.
package diskguard

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// State classifies disk usage relative to the threshold.
type State string

const (
	// StateOK means used% is comfortably below the threshold.
	StateOK State = "ok"

	// StateWarning means used% is within 10 points of the threshold.
	StateWarning State = "warning"

	// StateCritical means used% has reached the threshold.
	StateCritical State = "critical"

	// StateError means the filesystem could not be queried.
	StateError State = "error"
)

// Result is one disk evaluation.
type Result struct {
	// OK is false when downloads must be blocked (critical or error).
	OK bool `json:"ok"`

	State State `json:"status"`

	// UsedPercent is the fraction of the filesystem in use, 0-100.
	UsedPercent float64 `json:"used_percent"`

	// FreeGB is the remaining capacity in gibibytes.
	FreeGB float64 `json:"free_gb"`

	// Detail carries the failure reason when State is StateError.
	Detail string `json:"detail,omitempty"`
}

// usageFn is swappable in tests.
var usageFn = disk.Usage

// Check evaluates the filesystem containing path against thresholdPct.
//
// The result is critical at or above the threshold, warning within 10
// points below it, and an error result (also blocking) when the statfs
// query fails.
func Check(path string, thresholdPct float64) Result {
	usage, err := usageFn(path)
	if err != nil {
		return Result{
			OK:     false,
			State:  StateError,
			Detail: fmt.Sprintf("disk usage query for %s: %v", path, err),
		}
	}

	res := Result{
		UsedPercent: usage.UsedPercent,
		FreeGB:      float64(usage.Free) / (1 << 30),
	}
	switch {
	case usage.UsedPercent >= thresholdPct:
		res.State = StateCritical
	case usage.UsedPercent >= thresholdPct-10:
		res.State = StateWarning
		res.OK = true
	default:
		res.State = StateOK
		res.OK = true
	}
	return res
}
