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

package store

import "time"

// Kind distinguishes backend-native pull requests from hub ingestion requests.
type Kind string

const (
	// KindNative is a model pull destined directly for the Ollama backend.
	KindNative Kind = "native"

	// KindHub is a HuggingFace repository to be fetched, converted if
	// necessary, and imported into the backend.
	KindHub Kind = "huggingface"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Entry is one persisted download request.
//
// For native entries Model is the Ollama model identifier (e.g. "llama2:7b").
// For hub entries Model is the bare repository id (e.g. "owner/model") and
// Quant/Name carry the requested quantization and optional custom model name.
type Entry struct {
	ID          int64     `json:"id"`
	Model       string    `json:"model"`
	Kind        Kind      `json:"kind"`
	Quant       string    `json:"quant,omitempty"`
	Name        string    `json:"name,omitempty"`
	RequesterIP string    `json:"requester_ip"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Counts groups queue entries by lifecycle state.
type Counts struct {
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// QueueStatus is the admin view of the queue: totals, the active window
// (pending and downloading, FIFO), and the most recent terminal entries.
type QueueStatus struct {
	Counts Counts  `json:"counts"`
	Queue  []Entry `json:"queue"`
	Recent []Entry `json:"recent"`
}

// EnqueueResult reports the outcome of an enqueue attempt.
type EnqueueResult struct {
	// AlreadyQueued is true when a pending entry for the same (model, kind)
	// existed and no new row was inserted.
	AlreadyQueued bool

	// ID is the queue id of the inserted row. Zero when AlreadyQueued.
	ID int64
}
