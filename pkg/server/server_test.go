package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/laminar/pkg/config"
	"github.com/vyvo/laminar/pkg/engine"
	"github.com/vyvo/laminar/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	t.Setenv("LAMINAR_KEEP_RUNDIRS", "")

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "cfg", "jobs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "cfg", "nodes"), 0o755))

	db, err := store.Open(filepath.Join(home, "laminar.sqlite"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng, err := engine.New(config.Settings{
		Home:       home,
		ArchiveURL: "/archive",
		Title:      "Laminar",
	}, db, slog.Default())
	require.NoError(t, err)

	ts := httptest.NewServer(New(eng, slog.Default()).Router())
	t.Cleanup(ts.Close)
	return ts, home
}

func writeJobScript(t *testing.T, home, name, body string) {
	t.Helper()
	path := filepath.Join(home, "cfg", "jobs", name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestQueueUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue/ghost", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunJobToCompletion(t *testing.T) {
	ts, home := newTestServer(t)
	writeJobScript(t, home, "hello.run", "echo hi")

	resp := postJSON(t, ts.URL+"/run/hello", map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Name   string `json:"name"`
		Number int    `json:"number"`
		Result string `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "hello", out.Name)
	require.Equal(t, 1, out.Number)
	require.Equal(t, "success", out.Result)
}

func TestStartReturnsBuildNumber(t *testing.T) {
	ts, home := newTestServer(t)
	writeJobScript(t, home, "quick.run", "true")

	resp := postJSON(t, ts.URL+"/start/quick", map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Number int `json:"number"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Number)
}

func TestFinishedRunLogStream(t *testing.T) {
	ts, home := newTestServer(t)
	writeJobScript(t, home, "hello.run", "echo hi")

	resp := postJSON(t, ts.URL+"/run/hello", map[string]string{})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/log/hello/1", nil)
	require.NoError(t, err)
	client := &http.Client{Timeout: 10 * time.Second}
	logResp, err := client.Do(req)
	require.NoError(t, err)
	defer logResp.Body.Close()

	buf := make([]byte, 3)
	_, err = io.ReadFull(logResp.Body, buf)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(buf))
}

func TestAbortMissingRun(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/jobs/nothing/1/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetParamRequiresKey(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/jobs/nothing/1/param", map[string]string{"value": "x"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArtefactAndCustomCss(t *testing.T) {
	ts, home := newTestServer(t)

	require.NoError(t, os.MkdirAll(filepath.Join(home, "archive", "j", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "archive", "j", "1", "out.bin"), []byte("payload"), 0o644))

	resp, err := http.Get(ts.URL + "/archive/j/1/out.bin")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "payload", string(body))

	resp, err = http.Get(ts.URL + "/archive/j/1/missing.bin")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// no custom css configured: empty body, not an error
	resp, err = http.Get(ts.URL + "/custom/style.css")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)

	require.NoError(t, os.MkdirAll(filepath.Join(home, "custom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "custom", "style.css"), []byte("body{}"), 0o644))
	resp, err = http.Get(ts.URL + "/custom/style.css")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "body{}", string(body))
}
