package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Enabled = false
	cfg.STT.TempDir = t.TempDir()
	cfg.Gateway.PingIntervalMS = 0
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("runtime did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime returned error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func dial(t *testing.T, rt *Runtime) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+rt.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var greeting protocol.ServerMessage
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	return ws, greeting.SessionID
}

func TestRuntimeServesHealthAndAPI(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	base := "http://" + rt.Addr()

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, body := get(t, base+"/")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Fatalf("status: %d %s", code, body)
	}
	if code, body := get(t, base+"/metrics"); code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics: %d", code)
	}
}

func TestRuntimeStreamsAndDownloads(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	ws, id := dial(t, rt)
	defer ws.Close()
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("fake-webm")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var update protocol.ServerMessage
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != protocol.TypeText || update.Text != "[chunk bytes=9]" {
		t.Fatalf("unexpected update: %+v", update)
	}

	resp, err := http.Get("http://" + rt.Addr() + "/download?session=" + id)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "%PDF-") {
		t.Fatalf("unexpected download: %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=\"transcription_") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestRuntimeArchivesSessionsOverBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	rt := startRuntime(t, cfg)

	ws, id := dial(t, rt)
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var update protocol.ServerMessage
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		code, body := get(t, "http://"+rt.Addr()+"/history/"+id)
		var history struct {
			Session *eventstore.Session `json:"session"`
			Chunks  []eventstore.Chunk  `json:"chunks"`
		}
		if code == http.StatusOK && json.Unmarshal([]byte(body), &history) == nil && len(history.Chunks) == 1 {
			if history.Chunks[0].Text != "[chunk bytes=3]" || history.Chunks[0].Sequence != 1 {
				t.Fatalf("unexpected archived chunk: %+v", history.Chunks[0])
			}
			if history.Session == nil || history.Session.ID != id {
				t.Fatalf("unexpected archived session: %+v", history.Session)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("chunk not archived: %d %s", code, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
