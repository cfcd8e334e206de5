// Package captionstore persists captions in SQLite so they survive restarts
// and can be replayed into an annotation.Store at startup.
package captionstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/config"
)

// Caption is one persisted annotation.
type Caption struct {
	ID        int64
	SourceID  uint64
	Text      string
	Start     float64
	End       float64
	CreatedAt time.Time
}

// Annotation converts c back to its in-memory form.
func (c Caption) Annotation() annotation.Annotation {
	return annotation.Annotation{Text: c.Text, Range: annotation.TimeRange{Start: c.Start, End: c.End}}
}

// Store wraps the SQLite caption table. In ephemeral mode it keeps nothing.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the caption store according to config.
func Open(ctx context.Context, cfg config.CaptionsConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "captionstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id INTEGER NOT NULL,
    text TEXT NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captions_source ON captions(source_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Persistent reports whether captions are written to disk.
func (s *Store) Persistent() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add writes captions for sourceID in order, in one transaction.
func (s *Store) Add(ctx context.Context, sourceID uint64, anns ...annotation.Annotation) (err error) {
	if s.db == nil || len(anns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	created := s.clock().UTC().Format(time.RFC3339Nano)
	for _, a := range anns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO captions(source_id, text, start_s, end_s, created_at) VALUES(?, ?, ?, ?, ?)`,
			int64(sourceID), a.Text, a.Range.Start, a.Range.End, created)
		if err != nil {
			return fmt.Errorf("insert caption: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the captions for sourceID in insertion order.
func (s *Store) List(ctx context.Context, sourceID uint64) ([]Caption, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, text, start_s, end_s, created_at
		 FROM captions WHERE source_id = ? ORDER BY id ASC`, int64(sourceID))
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

// LoadInto replays every caption into dst in insertion order and returns the
// number loaded.
func (s *Store) LoadInto(ctx context.Context, dst *annotation.Store) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, text, start_s, end_s, created_at FROM captions ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	captions, err := scan(rows)
	if err != nil {
		return 0, err
	}
	for _, c := range captions {
		dst.AddAnnotation(c.SourceID, c.Annotation())
	}
	if len(captions) > 0 {
		s.log.Info("captions loaded", slog.Int("count", len(captions)))
	}
	return len(captions), nil
}

// DeleteSource removes every caption for sourceID.
func (s *Store) DeleteSource(ctx context.Context, sourceID uint64) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM captions WHERE source_id = ?`, int64(sourceID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scan(rows *sql.Rows) ([]Caption, error) {
	defer rows.Close()
	var out []Caption
	for rows.Next() {
		var c Caption
		var source int64
		var created string
		if err := rows.Scan(&c.ID, &source, &c.Text, &c.Start, &c.End, &created); err != nil {
			return nil, err
		}
		c.SourceID = uint64(source)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			c.CreatedAt = ts
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
