package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctlServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"state":"running","store":"/data/a.kismet","ticks":7,"rotations":1,"alerts":2,` +
			`"reconnect_pending":false,"bands":[{"band":"current","ids":3,"names":1},{"band":"recent","ids":2,"names":0}],` +
			`"ignored_macs":4,"ignored_ssids":1,"channels":["log","memory"]}`))
	})
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tier") == "critical" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"a1","timestamp":"2026-01-02T03:04:05Z","tier":"advisory","identifier":"AA:BB:CC:DD:EE:FF","kind":"Wi-Fi Client","probed_name":"HomeNet"}]`))
	})
	mux.HandleFunc("/alerts/devices", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"identifier":"AA:BB:CC:DD:EE:FF","alerts":2}]`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStatusTable(t *testing.T) {
	srv := ctlServer(t)
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"-addr", srv.URL, "-token", "secret", "status"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "/data/a.kismet")
	assert.Contains(t, out, "4 macs, 1 ssids")
	assert.Contains(t, out, "log, memory")
	assert.Contains(t, out, "current")
}

func TestRunStatusJSON(t *testing.T) {
	srv := ctlServer(t)
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"-addr", srv.URL, "-token", "secret", "-json", "status"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "\n  \"state\": \"running\"")
}

func TestRunAlerts(t *testing.T) {
	srv := ctlServer(t)
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"-addr", srv.URL, "-token", "secret", "alerts"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "ALERT")
	assert.Contains(t, stdout.String(), "AA:BB:CC:DD:EE:FF")
	assert.Contains(t, stdout.String(), "HomeNet")

	stdout.Reset()
	code = Run(context.Background(), []string{"-addr", srv.URL, "-token", "secret", "-tier", "critical", "alerts"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "no alerts")
}

func TestRunDevices(t *testing.T) {
	srv := ctlServer(t)
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"-addr", srv.URL, "-token", "secret", "devices"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "\"identifier\": \"AA:BB:CC:DD:EE:FF\"")
}

func TestRunTokenFromEnv(t *testing.T) {
	srv := ctlServer(t)
	t.Setenv(TokenEnv, "secret")
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"-addr", srv.URL, "health"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "{\"status\":\"ok\"}\n", stdout.String())
}

func TestRunFailures(t *testing.T) {
	srv := ctlServer(t)
	t.Setenv(TokenEnv, "")
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 1, Run(context.Background(), []string{"-addr", srv.URL, "status"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "token is required")

	stderr.Reset()
	assert.Equal(t, 1, Run(context.Background(), []string{"-addr", srv.URL, "-token", "wrong", "status"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unauthorized")

	stderr.Reset()
	assert.Equal(t, 2, Run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: tailwatch ctl")

	assert.Equal(t, 2, Run(context.Background(), []string{"-token", "x", "reboot"}, &stdout, &stderr))
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	envPath := filepath.Join(dir, "tailwatch.env")
	require.NoError(t, os.WriteFile(cfgPath, []byte("monitor:\n  poll_interval: 30s\n"), 0o600))
	require.NoError(t, os.WriteFile(envPath, []byte("# comment\nTAILWATCH_ROTATE_EVERY=\"0\"\n"), 0o600))

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run(context.Background(), []string{"-config", cfgPath, "validate"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), `"status":"ok"`)

	assert.Equal(t, 1, Run(context.Background(), []string{"-config", cfgPath, "-env-file", envPath, "validate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "monitor.rotate_every")
	_, set := os.LookupEnv("TAILWATCH_ROTATE_EVERY")
	assert.False(t, set)
}
