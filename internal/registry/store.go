// Package registry persists voice records. Records are immutable once
// inserted; the only removal path is rolling back a registration whose
// sample could not be committed.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/faults"
	_ "modernc.org/sqlite"
)

// Voice is a registered reference sample.
type Voice struct {
	ID        int64     `json:"_id,string"`
	Name      string    `json:"name"`
	VoiceID   string    `json:"voice_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQL-backed voice registry.
type Store struct {
	db       *sql.DB
	driver   string
	log      *slog.Logger
	cache    *lru.Cache[string, Voice]
	clock    func() time.Time
	postgres bool
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg config.RegistryConfig, log *slog.Logger) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg.DSN)
	case "postgres":
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}

	s := &Store{
		db:       db,
		driver:   cfg.Driver,
		log:      log.With(slog.String("component", "registry")),
		clock:    time.Now,
		postgres: cfg.Driver == "postgres",
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, Voice](cfg.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create voice cache: %w", err)
		}
		s.cache = cache
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create registry dir: %w", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps WAL mode free of SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS voices (
    ` + idColumn + `,
    voice_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_voices_created ON voices(created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Driver() string {
	return s.driver
}

// Insert stores v and returns it with its assigned internal id. An existing
// voice_id is never overwritten.
func (s *Store) Insert(ctx context.Context, v Voice) (Voice, error) {
	const op = "registry.insert"
	if v.VoiceID == "" || v.Path == "" {
		return Voice{}, faults.New(faults.KindInvalidArgument, op, "voice_id and path are required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.clock()
	}
	v.CreatedAt = v.CreatedAt.UTC().Truncate(time.Microsecond)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO voices(voice_id, name, path, created_at) VALUES(?, ?, ?, ?) RETURNING id`),
		v.VoiceID, v.Name, v.Path, v.CreatedAt.Format(time.RFC3339Nano),
	).Scan(&v.ID)
	if err != nil {
		return Voice{}, faults.Wrap(faults.KindProcessing, op, "failed to save voice", err)
	}
	s.remember(v)
	return v, nil
}

// List returns every voice. Order is not part of the contract.
func (s *Store) List(ctx context.Context) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, voice_id, name, path, created_at FROM voices ORDER BY id ASC`)
	if err != nil {
		return nil, faults.Wrap(faults.KindProcessing, "registry.list", "failed to list voices", err)
	}
	defer rows.Close()

	voices := make([]Voice, 0)
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindProcessing, "registry.list", "failed to list voices", err)
		}
		voices = append(voices, v)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindProcessing, "registry.list", "failed to list voices", err)
	}
	return voices, nil
}

// GetByID looks a voice up by its internal id as supplied by a client.
func (s *Store) GetByID(ctx context.Context, id string) (Voice, error) {
	const op = "registry.get_by_id"
	parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || parsed <= 0 {
		return Voice{}, faults.New(faults.KindInvalidArgument, op, "invalid voice id")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, voice_id, name, path, created_at FROM voices WHERE id = ?`), parsed)
	v, err := scanVoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Voice{}, faults.New(faults.KindNotFound, op, "voice not found")
	}
	if err != nil {
		return Voice{}, faults.Wrap(faults.KindProcessing, op, "failed to load voice", err)
	}
	return v, nil
}

// GetByVoiceID resolves the public voice identifier used by synthesis.
func (s *Store) GetByVoiceID(ctx context.Context, voiceID string) (Voice, error) {
	const op = "registry.get_by_voice_id"
	if s.cache != nil {
		if v, ok := s.cache.Get(voiceID); ok {
			return v, nil
		}
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, voice_id, name, path, created_at FROM voices WHERE voice_id = ?`), voiceID)
	v, err := scanVoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Voice{}, faults.New(faults.KindNotFound, op, "voice not found")
	}
	if err != nil {
		return Voice{}, faults.Wrap(faults.KindProcessing, op, "failed to load voice", err)
	}
	s.remember(v)
	return v, nil
}

// Delete removes a voice record. It exists to roll back a registration whose
// sample never reached its canonical path.
func (s *Store) Delete(ctx context.Context, voiceID string) error {
	if s.cache != nil {
		s.cache.Remove(voiceID)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM voices WHERE voice_id = ?`), voiceID)
	if err != nil {
		return faults.Wrap(faults.KindProcessing, "registry.delete", "failed to delete voice", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return faults.New(faults.KindNotFound, "registry.delete", "voice not found")
	}
	return nil
}

func (s *Store) remember(v Voice) {
	if s.cache != nil {
		s.cache.Add(v.VoiceID, v)
	}
}

// rebind rewrites ? placeholders into the $n form lib/pq expects.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVoice(row scanner) (Voice, error) {
	var (
		v       Voice
		created string
	)
	if err := row.Scan(&v.ID, &v.VoiceID, &v.Name, &v.Path, &created); err != nil {
		return Voice{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Voice{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	v.CreatedAt = ts.UTC()
	return v, nil
}
