// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package buildlog records the history of build attempts in a SQLite database.
package buildlog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the conventional name of the database inside a cache directory.
const FileName = "builds.db"

// Status is the outcome of a build attempt.
type Status string

// Build statuses.
const (
	Active  Status = "active"
	Success Status = "success"
	Fail    Status = "fail"
)

// Attempt is a single build attempt.
type Attempt struct {
	ID            uuid.UUID
	SourceHash    string
	BuildKey      string
	Configuration []string
	StartedAt     time.Time
	// EndedAt is the zero time while the attempt is active.
	EndedAt time.Time
	Status  Status
	// Stage is the name of the failing stage for failed attempts.
	Stage string
	// ExitCode is the failing stage's exit code
	// or -1 if the stage did not run to completion.
	ExitCode    int
	InstallPath string
	LogPath     string
}

// Duration returns the length of a finished attempt
// or zero if the attempt is still active.
func (a *Attempt) Duration() time.Duration {
	if a.EndedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// DB is a handle to a build history database.
// It is safe to use from multiple goroutines.
type DB struct {
	pool *sqlitemigration.Pool
}

// Open returns a handle to the database at path,
// creating and migrating it on first use.
func Open(path string) *DB {
	return &DB{
		pool: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating build history...")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Build history migration: %v", err)
			},
		}),
	}
}

// Close releases any resources associated with the database.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Start records the beginning of a build attempt.
// If a.ID is the zero UUID, Start assigns a new random ID.
// If a.StartedAt is the zero time, Start uses the current time.
// Start sets a.Status to [Active].
func (db *DB) Start(ctx context.Context, a *Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}
	a.Status = Active
	configuration, err := marshalJSONString(a.Configuration)
	if err != nil {
		return fmt.Errorf("record build %v: %v", a.ID, err)
	}

	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("record build %v: %v", a.ID, err)
	}
	defer db.pool.Put(conn)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/insert.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":            a.ID.String(),
			":source_hash":   a.SourceHash,
			":build_key":     a.BuildKey,
			":configuration": configuration,
			":started_at":    a.StartedAt.UnixMilli(),
			":log_path":      nullString(a.LogPath),
		},
	})
	if err != nil {
		return fmt.Errorf("record build %v: %v", a.ID, err)
	}
	return nil
}

// Finish records the end of a build attempt previously passed to [DB.Start].
// a.Status must be [Success] or [Fail].
// If a.EndedAt is the zero time, Finish uses the current time.
func (db *DB) Finish(ctx context.Context, a *Attempt) error {
	if a.Status != Success && a.Status != Fail {
		return fmt.Errorf("finish build %v: invalid status %q", a.ID, a.Status)
	}
	if a.EndedAt.IsZero() {
		a.EndedAt = time.Now()
	}
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("finish build %v: %v", a.ID, err)
	}
	defer db.pool.Put(conn)

	var exitCode any
	if a.Status == Fail {
		exitCode = a.ExitCode
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/finish.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":           a.ID.String(),
			":ended_at":     a.EndedAt.UnixMilli(),
			":status":       string(a.Status),
			":stage":        nullString(a.Stage),
			":exit_code":    exitCode,
			":install_path": nullString(a.InstallPath),
		},
	})
	if err != nil {
		return fmt.Errorf("finish build %v: %v", a.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("finish build %v: %w", a.ID, fs.ErrNotExist)
	}
	return nil
}

// Find returns the attempt with the given ID.
// If no such attempt exists, Find returns an error wrapping [fs.ErrNotExist].
func (db *DB) Find(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("find build %v: %v", id, err)
	}
	defer db.pool.Put(conn)

	var result *Attempt
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/find.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id": id.String(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			result, err = scanAttempt(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find build %v: %v", id, err)
	}
	if result == nil {
		return nil, fmt.Errorf("find build %v: %w", id, fs.ErrNotExist)
	}
	return result, nil
}

// Recent returns at most limit attempts, most recently started first.
func (db *DB) Recent(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent builds: %v", err)
	}
	defer db.pool.Put(conn)

	result := make([]*Attempt, 0, limit)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/recent.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":n": limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			a, err := scanAttempt(stmt)
			if err != nil {
				return err
			}
			result = append(result, a)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent builds: %v", err)
	}
	return result, nil
}

// DeleteBefore deletes finished attempts that ended before cutoff
// and returns the number of attempts deleted.
func (db *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete old builds: %v", err)
	}
	defer db.pool.Put(conn)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/delete_old.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cutoff": cutoff.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old builds: %v", err)
	}
	return conn.Changes(), nil
}

func scanAttempt(stmt *sqlite.Stmt) (*Attempt, error) {
	id, err := uuid.Parse(stmt.GetText("id"))
	if err != nil {
		return nil, fmt.Errorf("id: %v", err)
	}
	a := &Attempt{
		ID:          id,
		SourceHash:  stmt.GetText("source_hash"),
		BuildKey:    stmt.GetText("build_key"),
		StartedAt:   time.UnixMilli(stmt.GetInt64("started_at")),
		Status:      Status(stmt.GetText("status")),
		Stage:       stmt.GetText("stage"),
		InstallPath: stmt.GetText("install_path"),
		LogPath:     stmt.GetText("log_path"),
	}
	if stmt.ColumnType(stmt.ColumnIndex("ended_at")) != sqlite.TypeNull {
		a.EndedAt = time.UnixMilli(stmt.GetInt64("ended_at"))
	}
	if stmt.ColumnType(stmt.ColumnIndex("exit_code")) != sqlite.TypeNull {
		a.ExitCode = int(stmt.GetInt64("exit_code"))
	}
	if s := stmt.GetText("configuration"); s != "" {
		if err := jsonv2.Unmarshal([]byte(s), &a.Configuration); err != nil {
			return nil, fmt.Errorf("configuration: %v", err)
		}
	}
	return a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSONString(v any) (string, error) {
	data, err := jsonv2.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/build/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
