// ABOUTME: Tests for the weather and space tool handlers against httptest servers
// ABOUTME: Checks request shape, input validation, and error propagation into tool output

package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeather(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		gotQuery = map[string]string{
			"latitude":  r.URL.Query().Get("latitude"),
			"longitude": r.URL.Query().Get("longitude"),
			"timezone":  r.URL.Query().Get("timezone"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"current":{"temperature_2m":21.5}}`)
	}))
	defer srv.Close()

	r := NewRegistry(0, nil)
	require.NoError(t, r.Register(WeatherEntry(srv.URL, time.Second)))

	res := r.Execute(context.Background(), "getWeather", json.RawMessage(`{"latitude":52.52,"longitude":13.41}`))
	require.False(t, res.Failed, string(res.Output))
	assert.JSONEq(t, `{"current":{"temperature_2m":21.5}}`, string(res.Output))
	assert.Equal(t, map[string]string{"latitude": "52.52", "longitude": "13.41", "timezone": "auto"}, gotQuery)
}

func TestWeather_InvalidInput(t *testing.T) {
	r := NewRegistry(0, nil)
	require.NoError(t, r.Register(WeatherEntry("http://127.0.0.1:1", time.Second)))

	for _, input := range []string{`{}`, `{"latitude":123,"longitude":0}`, `{"latitude":"north","longitude":0}`} {
		res := r.Execute(context.Background(), "getWeather", json.RawMessage(input))
		assert.True(t, res.Failed, input)
		assert.Contains(t, string(res.Output), "invalid tool input", input)
	}
}

func newSpacesServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer space-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid api key"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/spaces/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"Space not found"}`)
		case r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `{"space":{"id":"sp1","name":"Docs","icon":"book","slug":"docs","isArchived":false,"internal":"x"}}`)
		case r.Method == http.MethodPatch:
			var patch map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			assert.Equal(t, map[string]any{"name": "Renamed", "isArchived": true}, patch)
			_, _ = io.WriteString(w, `{"space":{"id":"sp1","name":"Renamed","isArchived":true}}`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSpacesRegistry(t *testing.T, key string) *Registry {
	t.Helper()
	srv := newSpacesServer(t)
	r := NewRegistry(0, nil)
	for _, e := range SpaceEntries(srv.URL, key, time.Second) {
		require.NoError(t, r.Register(e))
	}
	return r
}

func TestSpaces_Get(t *testing.T) {
	r := newSpacesRegistry(t, "space-key")
	res := r.Execute(context.Background(), "getSpace", json.RawMessage(`{"id":"sp1"}`))
	require.False(t, res.Failed, string(res.Output))
	assert.JSONEq(t, `{"success":true,"space":{"id":"sp1","name":"Docs","icon":"book","slug":"docs","isArchived":false}}`, string(res.Output))
}

func TestSpaces_Update(t *testing.T) {
	r := newSpacesRegistry(t, "space-key")
	res := r.Execute(context.Background(), "updateSpace", json.RawMessage(`{"id":"sp1","name":"Renamed","isArchived":true}`))
	require.False(t, res.Failed, string(res.Output))
	assert.Contains(t, string(res.Output), `"name":"Renamed"`)

	res = r.Execute(context.Background(), "updateSpace", json.RawMessage(`{"id":"sp1","icon":"rocket"}`))
	assert.True(t, res.Failed)
	assert.Contains(t, string(res.Output), "invalid tool input")
}

func TestSpaces_Delete(t *testing.T) {
	r := newSpacesRegistry(t, "space-key")
	res := r.Execute(context.Background(), "deleteSpace", json.RawMessage(`{"id":"sp1"}`))
	require.False(t, res.Failed, string(res.Output))
	assert.JSONEq(t, `{"success":true,"message":"Space deleted successfully"}`, string(res.Output))
}

func TestSpaces_Errors(t *testing.T) {
	r := newSpacesRegistry(t, "space-key")
	res := r.Execute(context.Background(), "getSpace", json.RawMessage(`{"id":"missing"}`))
	assert.True(t, res.Failed)
	assert.JSONEq(t, `{"error":"Space not found"}`, string(res.Output))

	unauth := newSpacesRegistry(t, "wrong")
	res = unauth.Execute(context.Background(), "getSpace", json.RawMessage(`{"id":"sp1"}`))
	assert.JSONEq(t, `{"error":"invalid api key"}`, string(res.Output))
}
