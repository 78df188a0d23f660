package archive

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	ns, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	cfg.Servers = []string{ns.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestArchivesTranscriptEvents(t *testing.T) {
	ctx := context.Background()
	client := startBus(t)
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "archive.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(ctx, client, store, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start archive: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy archive")
	}

	now := time.Now().UTC()
	mustPublish(t, client, protocol.SubjectSessionOpened, protocol.SessionEvent{SessionID: "abc", RemoteAddr: "10.0.0.1:1234", Timestamp: now})
	mustPublish(t, client, protocol.SubjectChunk, protocol.ChunkEvent{
		SessionID: "abc",
		Sequence:  1,
		Text:      "Hi",
		Segments:  []protocol.Segment{{Start: 0, End: 1, Text: "Hi"}},
		Duration:  1.2,
		Timestamp: now,
	})
	mustPublish(t, client, protocol.SubjectSessionClosed, protocol.SessionEvent{SessionID: "abc", Text: "Hi", Offset: 1.2, Timestamp: now})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	waitFor(t, func() bool {
		sess, err := store.GetSession(ctx, "abc")
		return err == nil && !sess.ClosedAt.IsZero()
	})

	sess, _ := store.GetSession(ctx, "abc")
	if sess.RemoteAddr != "10.0.0.1:1234" || sess.Text != "Hi" {
		t.Fatalf("unexpected archived session: %+v", sess)
	}
	chunks, err := store.ListChunks(ctx, "abc", 10)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "Hi" || chunks[0].Duration != 1.2 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestEphemeralStoreSkipsSubscription(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(context.Background(), nil, store, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("ephemeral archive should report healthy")
	}
}

func mustPublish(t *testing.T, client *bus.Client, subject string, v any) {
	t.Helper()
	if err := client.PublishJSON(subject, v); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}
