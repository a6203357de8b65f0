package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"countryvpn/internal/app"
	"countryvpn/internal/config"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/session"
)

// TestHelperProcess plays the proxy script for connect requests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Println("ready")
	for {
		time.Sleep(time.Hour)
	}
}

const testDoc = `{
  "servers": {
    "france": {"country": "France", "host": "192.0.2.10", "port": 8888, "description": "Paris"},
    "japan": {"country": "Japan", "host": "your_server_ip", "port": 8888}
  }
}`

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "servers.json"), []byte(testDoc), 0600))

	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lookup" {
			_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
			return
		}
		_, _ = w.Write([]byte(`{"city":"Paris","country_name":"France"}`))
	}))
	t.Cleanup(ipSrv.Close)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Proxy.LocalPort = freePort(t)
	cfg.Timeouts.GracePeriod = 100 * time.Millisecond
	cfg.Timeouts.Stop = 500 * time.Millisecond
	cfg.Timeouts.IPCheckDelay = time.Hour
	cfg.IP.LookupURL = ipSrv.URL + "/lookup"
	cfg.IP.GeoURL = ipSrv.URL + "/geo/%s"
	require.NoError(t, cfg.Validate())

	locator := session.StaticLocator{
		Interpreter: os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         []string{"GO_WANT_HELPER_PROCESS=1"},
	}
	a, err := app.New(cfg, zap.NewNop(), app.WithLocator(locator), app.WithoutWatch())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(newTestApp(t), "127.0.0.1:0", zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.ws.Stop()
		ts.Close()
	})
	return s, ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestStatus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "Disconnected", st["phase"])
	assert.Equal(t, true, st["can_connect"])
	assert.Equal(t, false, st["can_disconnect"])
}

func TestServers(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []struct {
		ID         string `json:"id"`
		Country    string `json:"country"`
		Configured bool   `json:"configured"`
		Selected   bool   `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)

	byID := map[string]int{}
	for i, s := range list {
		byID[s.ID] = i
	}
	fr := list[byID["france"]]
	assert.True(t, fr.Configured)
	assert.True(t, fr.Selected)
	assert.False(t, list[byID["japan"]].Configured)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/connect", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConnect_ErrorMapping(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown server", connectRequest{ID: "atlantis"}, http.StatusNotFound},
		{"not configured", connectRequest{ID: "japan"}, http.StatusUnprocessableEntity},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/api/connect", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
		})
	}
}

func TestConnectDisconnect(t *testing.T) {
	s, ts := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/connect", connectRequest{ID: "france", Password: "s3cret"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	require.Eventually(t, func() bool {
		return s.app.Status().Phase == session.Connected
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/select/japan", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/connect", connectRequest{ID: "france"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "Disconnected", st["phase"])

	for _, e := range s.app.Log().Entries() {
		assert.NotContains(t, e.Text, "s3cret")
	}
}

func TestForeignOriginRejected(t *testing.T) {
	s, ts := newTestServer(t)

	send := func(path, origin, contentType, body string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	for _, path := range []string{"/api/connect", "/api/disconnect", "/api/select/japan", "/api/probe/france", "/api/check-ip"} {
		assert.Equal(t, http.StatusForbidden,
			send(path, "https://evil.example", "text/plain", `{"id":"france"}`), path)
	}
	assert.Equal(t, session.Disconnected, s.app.Status().Phase)
	sel, _ := s.app.Selected()
	assert.Equal(t, "france", sel.ID)

	// No Origin, but a form-style content type is still refused.
	assert.Equal(t, http.StatusUnsupportedMediaType,
		send("/api/connect", "", "text/plain", `{"id":"france"}`))
	assert.Equal(t, session.Disconnected, s.app.Status().Phase)

	// A page served from loopback is allowed.
	assert.Equal(t, http.StatusOK, send("/api/select/japan", "http://127.0.0.1:8771", "", ""))
}

func TestAcknowledge_NotFailed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSelect(t *testing.T) {
	s, ts := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/select/japan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sel, ok := s.app.Selected()
	require.True(t, ok)
	assert.Equal(t, "japan", sel.ID)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/select/atlantis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckIP(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/check-ip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "203.0.113.7")
	assert.Contains(t, string(body), "Paris")
}

func TestProbe_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/probe/japan", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/probe/atlantis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLog_Since(t *testing.T) {
	s, ts := newTestServer(t)
	total := s.app.Log().Len()
	require.Positive(t, total)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []eventlog.Entry
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, total)
	assert.Equal(t, 1, all[0].Seq)

	resp, body = do(t, http.MethodGet, fmt.Sprintf("%s/api/log?since=%d", ts.URL, total-1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tail []eventlog.Entry
	require.NoError(t, json.Unmarshal(body, &tail))
	require.Len(t, tail, 1)
	assert.Equal(t, total, tail[0].Seq)

	for _, q := range []string{"abc", "-1"} {
		resp, _ = do(t, http.MethodGet, ts.URL+"/api/log?since="+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestStartShutdown(t *testing.T) {
	s := New(newTestApp(t), "127.0.0.1:0", zap.NewNop())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/api/status")
	assert.Error(t, err)
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(newTestApp(t), ln.Addr().String(), zap.NewNop())
	err = s.Start()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to listen"))
}
