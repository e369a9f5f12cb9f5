package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEphemeralStoresNothing(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "ephemeral"})
	if s.Enabled() {
		t.Fatal("ephemeral store must not open a database")
	}
	ctx := context.Background()
	if err := s.Append(ctx, Entry{SessionID: "s", UserID: "u", Kind: KindWord, Original: "HI"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ListByUser(ctx, "u", 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected nothing stored, got %v (%v)", entries, err)
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		err := s.Append(ctx, Entry{
			SessionID:    "s1",
			UserID:       "alice",
			Kind:         KindWord,
			Original:     fmt.Sprintf("W%02d", i),
			FromLanguage: "ase",
			ToLanguage:   "en",
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := s.Append(ctx, Entry{SessionID: "s2", UserID: "bob", Kind: KindWord, Original: "X"}); err != nil {
		t.Fatalf("append bob: %v", err)
	}

	entries, err := s.ListByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != DefaultListLimit {
		t.Fatalf("expected %d entries, got %d", DefaultListLimit, len(entries))
	}
	if entries[0].Original != "W59" || entries[49].Original != "W10" {
		t.Fatalf("unexpected order: first %s last %s", entries[0].Original, entries[49].Original)
	}
	if entries[0].FromLanguage != "ase" || entries[0].ToLanguage != "en" || entries[0].Translated != "" {
		t.Fatalf("unexpected languages %+v", entries[0])
	}
	if !entries[0].CreatedAt.Equal(base.Add(59 * time.Second)) {
		t.Fatalf("unexpected timestamp %v", entries[0].CreatedAt)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginSession(ctx, "old", "u", "ase", "en"); err != nil {
		t.Fatalf("begin old: %v", err)
	}
	if err := s.Append(ctx, Entry{SessionID: "old", UserID: "u", Kind: KindWord, Original: "OLD"}); err != nil {
		t.Fatalf("append old: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := s.BeginSession(ctx, id, "u", "ase", "en"); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := s.Append(ctx, Entry{SessionID: "new", UserID: "u", Kind: KindWord, Original: "NEW"}); err != nil {
		t.Fatalf("append new: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.ListByUser(ctx, "u", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Original != "NEW" {
		t.Fatalf("expected only the newest session to survive, got %+v", entries)
	}
}

func TestSessionModeClearsOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := config.HistoryConfig{Path: path, RetentionMode: "session"}
	ctx := context.Background()

	first, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Append(ctx, Entry{SessionID: "s", UserID: "u", Kind: KindWord, Original: "HI"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = first.Close()

	second := openStore(t, cfg)
	entries, err := second.ListByUser(ctx, "u", 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty history after reopen, got %v (%v)", entries, err)
	}
}

func TestRecorderWritesWordsAndTranscript(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "persistent"})
	r := NewRecorder(s, 8, newLogger())
	now := time.Now().UTC()

	base := protocol.Event{SessionID: "s1", UserID: "u1", SourceLanguage: "ase", TargetLanguage: "en", Timestamp: now}
	started := base
	started.Type = protocol.EventSessionStarted
	word := base
	word.Type = protocol.EventWordFinalized
	word.Word = "HI"
	ignored := base
	ignored.Type = protocol.EventSymbolAccepted
	ignored.Symbol = "Q"
	ended := base
	ended.Type = protocol.EventSessionEnded
	ended.Transcript = []string{"HI", "YOU"}
	ended.Timestamp = now.Add(time.Second)

	for _, evt := range []protocol.Event{started, word, ignored, ended} {
		r.Emit(evt)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r.Emit(word) // after close: dropped, must not panic

	entries, err := s.ListSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Kind != KindWord || entries[0].Original != "HI" {
		t.Fatalf("unexpected word entry %+v", entries[0])
	}
	if entries[1].Kind != KindTranscript || entries[1].Original != "HI YOU" {
		t.Fatalf("unexpected transcript entry %+v", entries[1])
	}
}
