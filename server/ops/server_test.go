package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/store"
)

func startOps(t *testing.T) (string, *store.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "brev.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	srv := New(st, config.OpsServerConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ctx, ln)
	t.Cleanup(srv.Close)

	return ln.Addr().String(), st
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthz(t *testing.T) {
	addr, _ := startOps(t)

	resp, body := get(t, fmt.Sprintf("http://%s/healthz", addr))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestReadyz(t *testing.T) {
	addr, st := startOps(t)

	resp, body := get(t, fmt.Sprintf("http://%s/readyz", addr))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ready", payload["status"])

	// With the store gone, readiness must flip to unavailable.
	require.NoError(t, st.Close())
	resp, _ = get(t, fmt.Sprintf("http://%s/readyz", addr))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsExposition(t *testing.T) {
	addr, _ := startOps(t)

	resp, body := get(t, fmt.Sprintf("http://%s/metrics", addr))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines", "standard collectors should be registered")
}
