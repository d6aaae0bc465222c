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

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalogPreservesRawJSON(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"llama3:latest","size":4661224676,"details":{"family":"llama"}}]}`)

	c := NewClient(srv.URL, nil)
	entries, err := c.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "llama3:latest", entries[0].Name)

	var round map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Raw, &round))
	assert.Equal(t, float64(4661224676), round["size"])
}

func TestListModelsIncludesBareNames(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"llama3:latest"},{"name":"phi3:mini"}]}`)

	c := NewClient(srv.URL, nil)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)

	assert.True(t, models["llama3:latest"])
	assert.True(t, models["llama3"])
	assert.True(t, models["phi3:mini"])
	assert.True(t, models["phi3"])
	assert.False(t, models["mistral"])
}

func TestHasModelBareNameRequest(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"llama3:latest"}]}`)

	c := NewClient(srv.URL, nil)

	ok, err := c.HasModel(context.Background(), "llama3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasModel(context.Background(), "llama3:8b")
	require.NoError(t, err)
	assert.True(t, ok, "bare side of a tagged request matches the installed tag")

	ok, err = c.HasModel(context.Background(), "mistral")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogBackendDown(t *testing.T) {
	srv := tagsServer(t, `{}`)
	srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.Catalog(context.Background())
	assert.Error(t, err)
}

func TestCatalogNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	_, err := c.Catalog(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCreateStreamsToCompletion(t *testing.T) {
	var gotName, gotModelfile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/create", r.URL.Path)

		var body struct {
			Name      string `json:"name"`
			Modelfile string `json:"modelfile"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotName = body.Name
		gotModelfile = body.Modelfile

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"status":"parsing modelfile"}` + "\n"))
		_, _ = w.Write([]byte(`{"status":"success"}` + "\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	err := c.Create(context.Background(), "tinyllama", "FROM /data/gguf/tinyllama.Q4_K_M.gguf\n")
	require.NoError(t, err)

	assert.Equal(t, "tinyllama", gotName)
	assert.Contains(t, gotModelfile, "FROM /data/gguf/tinyllama.Q4_K_M.gguf")
}

func TestCreateSurfacesStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"status":"parsing modelfile"}` + "\n"))
		_, _ = w.Write([]byte(`{"error":"invalid model path"}` + "\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	err := c.Create(context.Background(), "broken", "FROM /nope\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model path")
}

func TestHeartbeat(t *testing.T) {
	srv := tagsServer(t, `{"models":[]}`)

	c := NewClient(srv.URL, nil)
	assert.NoError(t, c.Heartbeat(context.Background()))

	srv.Close()
	assert.Error(t, c.Heartbeat(context.Background()))
}
