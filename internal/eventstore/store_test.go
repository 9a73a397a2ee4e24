package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.Append(context.Background(), Record{SessionID: "s", Kind: "listening"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	records, err := es.ListSession(context.Background(), "s", 10)
	if err != nil {
		t.Fatalf("list on ephemeral store: %v", err)
	}
	if records != nil {
		t.Fatalf("ephemeral store should retain nothing, got %v", records)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.BeginSession(context.Background(), sessionID, "en-US", "single"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Append(context.Background(), Record{SessionID: sessionID, Kind: "listening", Detail: "true"}); err != nil {
		t.Fatalf("append record: %v", err)
	}
	records, err := es.ListSession(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Kind != "listening" || records[0].Detail != "true" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(context.Background(), "old-session", "en-US", "single"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Append(context.Background(), Record{SessionID: "old-session", Kind: "result"}); err != nil {
		t.Fatalf("append record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(context.Background(), "new-session", "en-US", "single"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := es.ListSession(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
