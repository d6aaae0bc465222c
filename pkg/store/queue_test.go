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

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueueNative(t *testing.T, s *Store, model, ip string) int64 {
	t.Helper()
	res, err := s.Enqueue(context.Background(), Entry{Model: model, Kind: KindNative, RequesterIP: ip})
	require.NoError(t, err)
	require.False(t, res.AlreadyQueued)
	return res.ID
}

func TestEnqueueDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, Entry{Model: "llama2:7b", Kind: KindNative, RequesterIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyQueued)
	assert.Greater(t, first.ID, int64(0))

	second, err := s.Enqueue(ctx, Entry{Model: "llama2:7b", Kind: KindNative, RequesterIP: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyQueued)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Pending)
}

func TestEnqueueDedupIsPerKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	native, err := s.Enqueue(ctx, Entry{Model: "owner/model", Kind: KindNative, RequesterIP: "10.0.0.1"})
	require.NoError(t, err)
	hub, err := s.Enqueue(ctx, Entry{Model: "owner/model", Kind: KindHub, RequesterIP: "10.0.0.1"})
	require.NoError(t, err)

	assert.False(t, native.AlreadyQueued)
	assert.False(t, hub.AlreadyQueued)
}

func TestEnqueueConcurrentYieldsOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 8
	results := make([]EnqueueResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Enqueue(ctx, Entry{Model: "mistral:7b", Kind: KindNative, RequesterIP: "10.0.0.1"})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, r := range results {
		if !r.AlreadyQueued {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted, "exactly one enqueue should insert")

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Pending)
}

func TestStatusOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueNative(t, s, "first:7b", "10.0.0.1")
	enqueueNative(t, s, "second:7b", "10.0.0.1")
	idThird := enqueueNative(t, s, "third:7b", "10.0.0.1")

	require.NoError(t, s.MarkFailed(ctx, idThird, "disk full"))

	st, err := s.Status(ctx)
	require.NoError(t, err)

	require.Len(t, st.Queue, 2)
	assert.Equal(t, "first:7b", st.Queue[0].Model, "active window is FIFO")
	assert.Equal(t, "second:7b", st.Queue[1].Model)

	require.Len(t, st.Recent, 1)
	assert.Equal(t, "third:7b", st.Recent[0].Model)
	assert.Equal(t, "disk full", st.Recent[0].Error)

	assert.Equal(t, Counts{Pending: 2, Failed: 1}, st.Counts)
}

func TestDeletePendingLeavesOtherStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueNative(t, s, "llama2:7b", "10.0.0.1")

	n, err := s.DeletePending(ctx, "llama2:7b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A downloading entry must survive DeletePending.
	enqueueNative(t, s, "llama2:7b", "10.0.0.1")
	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err = s.DeletePending(ctx, "llama2:7b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Downloading)
}

func TestClaimNextPendingIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idA := enqueueNative(t, s, "a:7b", "10.0.0.1")
	enqueueNative(t, s, "b:7b", "10.0.0.1")

	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, idA, claimed.ID)
	assert.Equal(t, StatusDownloading, claimed.Status)

	// The same entry cannot be claimed twice.
	next, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b:7b", next.Model)

	empty, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

// TestClaimNextPendingFIFOSubsecond pins the timestamp encoding: with
// trimmed fractional seconds "…00.1Z" sorts after "…00.15Z", so two rows
// created within the same second would be claimed out of order.
func TestClaimNextPendingFIFOSubsecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	restore := timeNow
	t.Cleanup(func() { timeNow = restore })

	timeNow = func() time.Time { return base.Add(100 * time.Millisecond) }
	idFirst := enqueueNative(t, s, "first:7b", "10.0.0.1")
	timeNow = func() time.Time { return base.Add(150 * time.Millisecond) }
	enqueueNative(t, s, "second:7b", "10.0.0.1")

	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, idFirst, claimed.ID)
	assert.Equal(t, "first:7b", claimed.Model)
}

func TestFormatTimeOrdersLexicographically(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	earlier := formatTime(base.Add(100 * time.Millisecond))
	later := formatTime(base.Add(150 * time.Millisecond))

	assert.Len(t, earlier, len(later), "encoding is fixed width")
	assert.Less(t, earlier, later)
	assert.Equal(t, base.Add(100*time.Millisecond), parseTime(earlier))
}

func TestClaimNextPendingKindFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueNative(t, s, "llama2:7b", "10.0.0.1")
	res, err := s.Enqueue(ctx, Entry{Model: "acme/model", Kind: KindHub, RequesterIP: "10.0.0.1"})
	require.NoError(t, err)

	// The native entry is older but a hub-only claim must skip it.
	claimed, err := s.ClaimNextPending(ctx, KindHub)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, res.ID, claimed.ID)
	assert.Equal(t, KindHub, claimed.Kind)

	empty, err := s.ClaimNextPending(ctx, KindHub)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRecoverOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []string{"a:7b", "b:7b", "c:7b"} {
		enqueueNative(t, s, m, "10.0.0.1")
	}
	for i := 0; i < 2; i++ {
		claimed, err := s.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	n, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Counts.Downloading)
	assert.Equal(t, 3, st.Counts.Pending)

	// Recovery is idempotent.
	n, err = s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSweepRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idOld := enqueueNative(t, s, "old:7b", "10.0.0.1")
	idFresh := enqueueNative(t, s, "fresh:7b", "10.0.0.1")
	require.NoError(t, s.MarkCompleted(ctx, idOld))
	require.NoError(t, s.MarkFailed(ctx, idFresh, "boom"))

	// Age the first entry past the retention window.
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().AddDate(0, 0, -10)), idOld)
	require.NoError(t, err)

	n, err := s.SweepRetention(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Counts.Completed)
	assert.Equal(t, 1, st.Counts.Failed)
}

func TestSweepRetentionSkipsActiveRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := enqueueNative(t, s, "pending:7b", "10.0.0.1")
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().AddDate(0, 0, -30)), id)
	require.NoError(t, err)

	n, err := s.SweepRetention(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReconcileCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idPresent := enqueueNative(t, s, "present:7b", "10.0.0.1")
	idBare := enqueueNative(t, s, "baretag:7b", "10.0.0.1")
	idGone := enqueueNative(t, s, "gone:7b", "10.0.0.1")
	for _, id := range []int64{idPresent, idBare, idGone} {
		require.NoError(t, s.MarkCompleted(ctx, id))
	}

	catalog := map[string]bool{
		"present:7b": true,
		// The backend lists only the bare name for this one.
		"baretag": true,
	}

	n, err := s.ReconcileCompleted(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Counts.Completed)
	assert.Equal(t, 1, st.Counts.Pending)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, "gone:7b", st.Queue[0].Model)
}

func TestReconcileCompletedHubSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, Entry{Model: "owner/My_Model", Kind: KindHub, Quant: "Q4_K_M", RequesterIP: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, res.ID))

	// The registered name is the derived default, not the repo id.
	n, err := s.ReconcileCompleted(ctx, map[string]bool{"my-model": true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.ReconcileCompleted(ctx, map[string]bool{"owner/My_Model": true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDefaultModelName(t *testing.T) {
	tests := []struct {
		repo string
		want string
	}{
		{"meta-llama/Llama-2-7b", "llama-2-7b"},
		{"owner/My_Model.v2", "my-model-v2"},
		{"TheBloke/Mistral-7B-GGUF", "mistral-7b-gguf"},
		{"standalone", "standalone"},
		{"owner/--weird--", "weird"},
	}

	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultModelName(tt.repo))
		})
	}
}

// TestMigrationAddsColumns opens a database created by the pre-hub schema
// and verifies the kind/quant/name columns are added in place.
func TestMigrationAddsColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	legacy, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL,
			requester_ip TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO queue (model, requester_ip, status, created_at, updated_at)
		VALUES ('llama2:7b', '10.0.0.1', 'pending', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, KindNative, st.Queue[0].Kind, "legacy rows default to native")
}
