package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartolab/tilebundler/internal/download"
	"github.com/cartolab/tilebundler/internal/fetch"
)

var pngStub = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3}

func newTestAPI(t *testing.T, tiles http.HandlerFunc) *httptest.Server {
	t.Helper()

	tileSrv := httptest.NewServer(tiles)
	t.Cleanup(tileSrv.Close)

	svc, err := download.NewService(download.Config{
		OutputDir: t.TempDir(),
		Fetcher: fetch.New(fetch.Config{
			URLTemplate: tileSrv.URL + "/tile/{z}/{y}/{x}",
			Interval:    -1,
		}),
	})
	require.NoError(t, err)

	apiSrv := httptest.NewServer(NewAPI(svc, nil).Handler())
	t.Cleanup(apiSrv.Close)
	return apiSrv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPI_Health(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestAPI_ProgressUnknownSession(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(srv.URL + "/api/progress/does-not-exist")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "Session not found", body["error"])
}

func TestAPI_StartValidation(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing coordinates", map[string]any{"buffer": 0.005}},
		{"polar latitude", map[string]any{"lat": 90.0, "lon": 10.0}},
		{"bad zoom", map[string]any{"lat": 12.0, "lon": 77.0, "min_zoom": 0}},
		{"bad buffer", map[string]any{"lat": 12.0, "lon": 77.0, "buffer": 5.0}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/download_mbtiles", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			body := decodeJSON(t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPI_StartPollRetrieve(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngStub)
	})

	resp := postJSON(t, srv.URL+"/api/download_mbtiles", map[string]any{
		"lat":      12.9716,
		"lon":      77.5946,
		"buffer":   0.005,
		"min_zoom": 10,
		"max_zoom": 11,
		"filename": "api test",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	started := decodeJSON(t, resp)
	sessionID, _ := started["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Greater(t, started["estimated_tiles"], float64(0))

	// Poll until the session reaches a terminal state.
	var snap map[string]any
	deadline := time.Now().Add(15 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "session did not finish")

		resp, err := http.Get(srv.URL + "/api/progress/" + sessionID)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap = decodeJSON(t, resp)

		if status := snap["status"]; status == "completed" || status == "error" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, "completed", snap["status"], "error: %v", snap["error"])
	assert.Equal(t, float64(100), snap["progress_percent"])
	assert.Equal(t, "api_test.mbtiles", snap["display_name"])

	// The finished archive is retrievable by display name.
	fileResp, err := http.Get(srv.URL + "/api/download_file/api_test.mbtiles")
	require.NoError(t, err)
	defer fileResp.Body.Close()
	require.Equal(t, http.StatusOK, fileResp.StatusCode)
	assert.Equal(t, fmt.Sprintf("attachment; filename=%q", "api_test.mbtiles"),
		fileResp.Header.Get("Content-Disposition"))
}

func TestAPI_DownloadFileRejectsBadNames(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, name := range []string{"missing.mbtiles", "notes.txt"} {
		resp, err := http.Get(srv.URL + "/api/download_file/" + name)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "name %q", name)
	}
}

func TestAPI_CORSPreflight(t *testing.T) {
	srv := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/health", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
