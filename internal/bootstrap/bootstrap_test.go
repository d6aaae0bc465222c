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

package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ohhhllama/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tagsBackend(models ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]any, 0, len(models))
		for _, m := range models {
			entries = append(entries, map[string]any{"name": m})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": entries})
	}))
}

// seedStore opens the database at path, applies seed, and closes it again
// so Start sees a pre-existing file.
func seedStore(t *testing.T, path string, seed func(*store.Store)) {
	t.Helper()
	s, err := store.Open(path, testLogger())
	require.NoError(t, err)
	seed(s)
	require.NoError(t, s.Close())
}

func TestStartRecoversOrphans(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	seedStore(t, dbPath, func(s *store.Store) {
		_, err := s.Enqueue(ctx, store.Entry{Model: "llama2:7b", Kind: store.KindNative, RequesterIP: "10.0.0.1"})
		require.NoError(t, err)
		claimed, err := s.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	})

	backend := tagsBackend()
	defer backend.Close()

	rt, err := Start(ctx, Options{DBPath: dbPath, Backend: backend.URL, CleanupDays: 7}, testLogger())
	require.NoError(t, err)
	defer rt.Close()

	st, err := rt.Store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Pending, "downloading row from a dead process resets to pending")
	assert.Zero(t, st.Counts.Downloading)
}

func TestStartReconcilesCompletedAgainstCatalog(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	seedStore(t, dbPath, func(s *store.Store) {
		for _, m := range []string{"gone:7b", "installed:7b"} {
			_, err := s.Enqueue(ctx, store.Entry{Model: m, Kind: store.KindNative, RequesterIP: "10.0.0.1"})
			require.NoError(t, err)
			claimed, err := s.ClaimNextPending(ctx)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			require.NoError(t, s.MarkCompleted(ctx, claimed.ID))
		}
	})

	backend := tagsBackend("installed:7b")
	defer backend.Close()

	rt, err := Start(ctx, Options{DBPath: dbPath, Backend: backend.URL, CleanupDays: 7}, testLogger())
	require.NoError(t, err)
	defer rt.Close()

	st, err := rt.Store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Pending, "completed row missing from the catalog requeues")
	assert.Equal(t, 1, st.Counts.Completed)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, "gone:7b", st.Queue[0].Model)
}

func TestStartBackendDownStillServes(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	seedStore(t, dbPath, func(s *store.Store) {
		_, err := s.Enqueue(ctx, store.Entry{Model: "gone:7b", Kind: store.KindNative, RequesterIP: "10.0.0.1"})
		require.NoError(t, err)
		claimed, err := s.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, s.MarkCompleted(ctx, claimed.ID))
	})

	backend := tagsBackend()
	backend.Close()

	rt, err := Start(ctx, Options{DBPath: dbPath, Backend: backend.URL, CleanupDays: 7}, testLogger())
	require.NoError(t, err)
	defer rt.Close()

	// No reconciliation happened: an unreachable catalog proves nothing
	// about what is installed.
	st, err := rt.Store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts.Completed)

	assert.NotNil(t, rt.Gateway)
	assert.NotNil(t, rt.Worker)
}

func TestStartStoreFailureIsFatal(t *testing.T) {
	backend := tagsBackend()
	defer backend.Close()

	_, err := Start(context.Background(), Options{
		DBPath:  filepath.Join("/dev/null", "nope", "queue.db"),
		Backend: backend.URL,
	}, testLogger())
	require.Error(t, err)
}
