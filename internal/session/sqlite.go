package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps each record as a JSON document next to an index of
// session ownership, so Referencing does not scan every user.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q querier, user string) (*Record, string, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM user_records WHERE user_id = ?`, user).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return NewRecord(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load record %s: %w", user, err)
	}
	rec := NewRecord()
	if err := json.Unmarshal([]byte(doc), rec); err != nil {
		return nil, "", fmt.Errorf("decode record %s: %w", user, err)
	}
	return rec, doc, nil
}

func (s *SQLiteStore) Get(ctx context.Context, user string) (*Record, error) {
	if user == "" {
		return nil, ErrNoUser
	}
	rec, _, err := loadRecord(ctx, s.db, user)
	return rec, err
}

func (s *SQLiteStore) Update(ctx context.Context, user string, fn func(*Record) error) error {
	return s.UpdateMany(ctx, []string{user}, func(recs map[string]*Record) error {
		return fn(recs[user])
	})
}

func (s *SQLiteStore) UpdateMany(ctx context.Context, users []string, fn func(map[string]*Record) error) error {
	users, err := uniqueUsers(users)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	recs := make(map[string]*Record, len(users))
	before := make(map[string]string, len(users))
	for _, u := range users {
		rec, doc, err := loadRecord(ctx, tx, u)
		if err != nil {
			return err
		}
		recs[u] = rec
		before[u] = doc
	}
	if err := fn(recs); err != nil {
		return err
	}
	for _, u := range users {
		rec := recs[u]
		rec.normalize()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", u, err)
		}
		if string(data) == before[u] {
			continue
		}
		if err := saveRecord(ctx, tx, u, string(data), rec.Sessions); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func saveRecord(ctx context.Context, tx *sql.Tx, user, doc string, sessions []string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_records (user_id, doc, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		user, doc,
	); err != nil {
		return fmt.Errorf("save record %s: %w", user, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_owners WHERE user_id = ?`, user); err != nil {
		return fmt.Errorf("reindex %s: %w", user, err)
	}
	for _, id := range sessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_owners (session_id, user_id) VALUES (?, ?)`, id, user,
		); err != nil {
			return fmt.Errorf("index session %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Referencing(ctx context.Context, id string) ([]string, error) {
	return s.column(ctx, `SELECT user_id FROM session_owners WHERE session_id = ? ORDER BY user_id`, id)
}

func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT user_id FROM user_records ORDER BY user_id`)
}

func (s *SQLiteStore) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
