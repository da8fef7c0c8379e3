package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/remotetail/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracked_files (
	agent      TEXT   NOT NULL,
	path       TEXT   NOT NULL,
	size       BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (agent, path)
)`

// SQLStore keeps state in a tracked_files table, one row per path, scoped by
// agent name.
type SQLStore struct {
	db       *sql.DB
	agent    string
	location string

	// bind returns the placeholder for the n-th (1-based) argument.
	bind func(n int) string
}

// OpenPostgres connects to PostgreSQL with lib/pq and creates the table if
// needed.
func OpenPostgres(databaseURL, agent string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{
		db:       db,
		agent:    agent,
		location: redactDSN(databaseURL),
		bind:     func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path, agent string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLStore{
		db:       db,
		agent:    agent,
		location: path,
		bind:     func(int) string { return "?" },
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tracked_files table: %w", err)
	}
	return nil
}

// Location returns the database location with any password removed.
func (s *SQLStore) Location() string { return s.location }

// Load reads every row for this agent.
func (s *SQLStore) Load(ctx context.Context) (Files, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size FROM tracked_files WHERE agent = `+s.bind(1), s.agent)
	if err != nil {
		return nil, fmt.Errorf("query tracked files: %w", err)
	}
	defer rows.Close()

	files := Files{}
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			return nil, fmt.Errorf("scan tracked file: %w", err)
		}
		files[path] = size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked files: %w", err)
	}
	if err := files.validate(); err != nil {
		return nil, err
	}
	return files, nil
}

// Save replaces this agent's rows in a single transaction.
func (s *SQLStore) Save(ctx context.Context, files Files) error {
	if err := files.validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tracked_files WHERE agent = `+s.bind(1), s.agent); err != nil {
		return fmt.Errorf("clear tracked files: %w", err)
	}

	if len(files) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO tracked_files (agent, path, size, updated_at) VALUES (%s, %s, %s, %s)`,
			s.bind(1), s.bind(2), s.bind(3), s.bind(4)))
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, path := range files.Paths() {
			if _, err := stmt.ExecContext(ctx, s.agent, path, files[path], now); err != nil {
				return fmt.Errorf("insert %s: %w", path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tracked files: %w", err)
	}
	logging.Debug("state saved",
		zap.String("location", s.location),
		zap.Int("files", len(files)))
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// redactDSN hides the password in a postgres URL or key=value DSN.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		if at := strings.LastIndex(dsn, "@"); at > i {
			creds := dsn[i+3 : at]
			if colon := strings.Index(creds, ":"); colon >= 0 {
				return dsn[:i+3] + creds[:colon] + ":***" + dsn[at:]
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
