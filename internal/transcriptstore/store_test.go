package transcriptstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/earshotlabs/earshot/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{RetentionMode: "ephemeral"}
	st, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := st.AppendRecord(ctx, Record{SessionID: "s", Kind: KindTranscript, Text: "x"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "session"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sessionID := "session-123"
	if err := st.AppendSession(context.Background(), sessionID, "node-1", "hi", "bye"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.AppendRecord(context.Background(), Record{SessionID: sessionID, Kind: KindWake, Text: "hi"}); err != nil {
		t.Fatalf("append wake: %v", err)
	}
	if err := st.AppendRecord(context.Background(), Record{
		SessionID:  sessionID,
		Kind:       KindTranscript,
		Text:       "the weather is nice today",
		Final:      true,
		Confidence: 0.87,
	}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	records, err := st.ListSessionRecords(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Kind != KindWake {
		t.Fatalf("expected wake mark first, got %s", records[0].Kind)
	}
	if records[1].Text != "the weather is nice today" || !records[1].Final {
		t.Fatalf("unexpected transcript record: %+v", records[1])
	}
	if records[1].Confidence != 0.87 {
		t.Fatalf("unexpected confidence: %v", records[1].Confidence)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{
		Path:          filepath.Join(tmp, "transcripts.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(context.Background(), "old-session", "node-1", "hi", "bye"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.AppendRecord(context.Background(), Record{SessionID: "old-session", Kind: KindTranscript, Text: "stale"}); err != nil {
		t.Fatalf("append record: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(context.Background(), "new-session", "node-1", "hi", "bye"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := st.ListSessionRecords(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
