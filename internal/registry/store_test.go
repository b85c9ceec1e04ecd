package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/faults"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cacheSize int) *Store {
	t.Helper()
	cfg := config.RegistryConfig{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "voices.db"),
		CacheSize: cacheSize,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 8)
	s.clock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	v, err := s.Insert(ctx, Voice{Name: "Alice", VoiceID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Path: "/data/a.wav"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if v.ID <= 0 {
		t.Fatalf("expected assigned id, got %d", v.ID)
	}

	first, err := s.GetByID(ctx, "1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	second, err := s.GetByID(ctx, "1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical records, got %+v and %+v", first, second)
	}
	if first.Name != "Alice" || !first.CreatedAt.Equal(v.CreatedAt) {
		t.Fatalf("unexpected record %+v", first)
	}

	byVoice, err := s.GetByVoiceID(ctx, v.VoiceID)
	if err != nil {
		t.Fatalf("get by voice id: %v", err)
	}
	if byVoice.ID != v.ID {
		t.Fatalf("expected id %d, got %d", v.ID, byVoice.ID)
	}
}

func TestGetByIDErrors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	for _, id := range []string{"", "abc", "-4", "0", "65f1c0ffee"} {
		if _, err := s.GetByID(ctx, id); !faults.IsKind(err, faults.KindInvalidArgument) {
			t.Fatalf("id %q: expected invalid argument, got %v", id, err)
		}
	}
	if _, err := s.GetByID(ctx, "999"); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetByVoiceID(ctx, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 8)

	v := Voice{Name: "one", VoiceID: "cccccccccccccccccccccccccccccccc", Path: "/data/c.wav"}
	if _, err := s.Insert(ctx, v); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v.Name = "two"
	if _, err := s.Insert(ctx, v); err == nil {
		t.Fatal("expected duplicate voice_id to fail")
	}
	got, err := s.GetByVoiceID(ctx, v.VoiceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "one" {
		t.Fatalf("record was overwritten: %+v", got)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 8)

	voices, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if voices == nil || len(voices) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", voices)
	}

	ids := []string{"dddddddddddddddddddddddddddddddd", "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"}
	for _, id := range ids {
		if _, err := s.Insert(ctx, Voice{Name: id[:4], VoiceID: id, Path: "/data/" + id + ".wav"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	voices, err = s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(voices))
	}

	if err := s.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetByVoiceID(ctx, ids[0]); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("expected deleted voice to be gone from cache and db, got %v", err)
	}
	if err := s.Delete(ctx, ids[0]); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	cfg := config.RegistryConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "voices.db")}
	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Insert(ctx, Voice{Name: "persist", VoiceID: "ffffffffffffffffffffffffffffffff", Path: "/data/f.wav"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.Close()

	s, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetByVoiceID(ctx, "ffffffffffffffffffffffffffffffff"); err != nil {
		t.Fatalf("expected record after reopen: %v", err)
	}
}

func TestVoiceJSONShape(t *testing.T) {
	v := Voice{ID: 7, Name: "Alice", VoiceID: "abc", Path: "/d/abc.wav", CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["_id"] != "7" {
		t.Fatalf("expected stringified _id, got %v", raw["_id"])
	}
	if raw["created_at"] != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected created_at %v", raw["created_at"])
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{postgres: true}
	got := s.rebind("SELECT * FROM voices WHERE id = ? AND voice_id = ?")
	if got != "SELECT * FROM voices WHERE id = $1 AND voice_id = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("LOQA_VOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOQA_VOICE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, config.RegistryConfig{Driver: "postgres", DSN: dsn}, newLogger())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer s.Close()

	voiceID := "9999999999999999999999999999999" + "9"
	_ = s.Delete(ctx, voiceID)
	v, err := s.Insert(ctx, Voice{Name: "pg", VoiceID: voiceID, Path: "/data/pg.wav"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Cleanup(func() { _ = s.Delete(context.Background(), voiceID) })
	got, err := s.GetByVoiceID(ctx, voiceID)
	if err != nil || got.ID != v.ID {
		t.Fatalf("get: %+v %v", got, err)
	}
}
