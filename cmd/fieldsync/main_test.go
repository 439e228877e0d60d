package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/config"
)

// =====================================================
// Test Helpers
// =====================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("FIELDSYNC_INBOX_DIR", "-")
	cfg, err := config.NewFromEnv(config.WithDataDir(t.TempDir()))
	require.NoError(t, err)
	return cfg
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// =====================================================
// Origin Check
// =====================================================

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8090", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
		{"http://192.168.1.20:8090", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isLocalOrigin(r))
		})
	}
}

// =====================================================
// WebSocket Hub
// =====================================================

func TestWSHub_broadcastAndSubscribe(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", HandleWebSocket(hub))
	server := httptest.NewServer(mux)
	defer server.Close()

	all := dialWS(t, server)
	filtered := dialWS(t, server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, filtered.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConnectivityChanged},
	}))
	ack := readEnvelope(t, filtered)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Broadcast(EventPhotoUploaded, map[string]interface{}{"photo_id": "p1"})
	hub.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": false})

	first := readEnvelope(t, all)
	assert.Equal(t, EventPhotoUploaded, first["type"])
	second := readEnvelope(t, all)
	assert.Equal(t, EventConnectivityChanged, second["type"])

	only := readEnvelope(t, filtered)
	assert.Equal(t, EventConnectivityChanged, only["type"])
	assert.Equal(t, false, only["data"].(map[string]interface{})["online"])
}

func TestWSHub_ping(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()
	server := httptest.NewServer(HandleWebSocket(hub))
	defer server.Close()

	conn := dialWS(t, server)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])
}

func TestWSHub_stopClosesClients(t *testing.T) {
	hub := NewWSHub()
	server := httptest.NewServer(HandleWebSocket(hub))
	defer server.Close()

	conn := dialWS(t, server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Stop()
	hub.Stop()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())

	// Broadcasting after stop must not block.
	hub.Broadcast(EventSyncStarted, nil)
}

// =====================================================
// App Wiring
// =====================================================

func TestApp_handler(t *testing.T) {
	a := newApp(testConfig(t))
	defer a.close()

	server := httptest.NewServer(a.handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/photos/stats")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.EqualValues(t, 0, stats["total"])

	dialWS(t, server)
	require.Eventually(t, func() bool { return a.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestApp_forwardEventsRelaysWorkerUpload(t *testing.T) {
	a := newApp(testConfig(t))
	defer a.close()
	for _, unsub := range a.forwardEvents() {
		defer unsub()
	}

	server := httptest.NewServer(HandleWebSocket(a.hub))
	defer server.Close()
	conn := dialWS(t, server)
	require.Eventually(t, func() bool { return a.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// With no controlling worker the coordinator emits the relay itself.
	a.coordinator.NotifyPhotoUploaded("p1")

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventWorkerPhotoUploaded, msg["type"])
	assert.Equal(t, "p1", msg["data"].(map[string]interface{})["photo_id"])
}

func TestApp_desktopEntry(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newApp(testConfig(t))
	defer a.close()

	prompt := a.desktopEntry()
	require.NotNil(t, prompt)
}

// =====================================================
// Commands
// =====================================================

func TestRootCommand_invalidFormat(t *testing.T) {
	_, err := runCommand(t, "--data-dir", t.TempDir(), "--format", "yaml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStatusCommand_json(t *testing.T) {
	t.Setenv("FIELDSYNC_INBOX_DIR", "-")
	out, err := runCommand(t, "--data-dir", t.TempDir(), "--format", "json", "status")
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, false, report["online"])
	assert.EqualValues(t, 0, report["pending_jobs"])
	assert.Nil(t, report["last_sync_at"])
}

func TestDrainCommand_requiresServer(t *testing.T) {
	t.Setenv("FIELDSYNC_SERVER_URL", "")
	_, err := runCommand(t, "--data-dir", t.TempDir(), "drain")
	assert.Error(t, err)
}

func TestResetCommand_requiresConfirmation(t *testing.T) {
	_, err := runCommand(t, "--data-dir", t.TempDir(), "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err := runCommand(t, "--data-dir", t.TempDir(), "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared cache and 0 queued photo(s)")
}

func TestEvictCommand(t *testing.T) {
	out, err := runCommand(t, "--data-dir", t.TempDir(), "evict", "--max-age", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Evicted 0 route(s) older than 1h0m0s")
}
