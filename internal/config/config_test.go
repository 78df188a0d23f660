package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Mode != "mock" {
		t.Fatalf("expected mock recognizer by default, got %s", cfg.STT.Mode)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral archive by default, got %s", cfg.EventStore.RetentionMode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	body := `http:
  port: 9000
stt:
  mode: http
  endpoint: http://whisper:8387
  language: de
document:
  page_size: a4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.STT.Endpoint != "http://whisper:8387" || cfg.STT.Language != "de" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
	if cfg.Document.Title != "Transcription Report" {
		t.Fatalf("expected default title to survive partial file, got %q", cfg.Document.Title)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_HTTP_ALLOWED_ORIGINS", "http://localhost:5173")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SCRIBE_STT_MODE", "exec")
	t.Setenv("SCRIBE_STT_COMMAND", "python3 whisper_chunk.py")
	t.Setenv("SCRIBE_STT_INPUT_FORMAT", "pcm16")
	t.Setenv("SCRIBE_GATEWAY_QUEUE_SIZE", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 || cfg.HTTP.AllowedOrigins[0] != "http://localhost:5173" {
		t.Fatalf("expected allowed origins override, got %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "python3 whisper_chunk.py" {
		t.Fatalf("expected stt exec override, got %+v", cfg.STT)
	}
	if cfg.STT.InputFormat != "pcm16" {
		t.Fatalf("expected input format override")
	}
	if cfg.Gateway.QueueSize != 4 {
		t.Fatalf("expected queue size override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_STT_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsArchiveWithoutBus(t *testing.T) {
	t.Setenv("SCRIBE_BUS_ENABLED", "false")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "session")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for archive without bus")
	}
}

func TestValidateRejectsUnknownPageSize(t *testing.T) {
	t.Setenv("SCRIBE_DOCUMENT_PAGE_SIZE", "legal")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for page size")
	}
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("SCRIBE_STT_MAX_CONCURRENT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for stt.max_concurrent")
	}
}

func TestValidateRejectsMissingFont(t *testing.T) {
	t.Setenv("SCRIBE_DOCUMENT_FONT_PATH", "/nonexistent/font.ttf")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for document.font_path")
	}
}
