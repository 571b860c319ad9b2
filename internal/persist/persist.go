// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist records the documents generated by "mandarin run"
// in a SQLite database.
package persist

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

var (
	createTableSql = []string{
		// The runs table holds one row per generated document.
		//
		// Field: run_id
		//
		//   Increases with every insert; the newest run has the
		//   highest run_id.
		//
		// Field: generated_at
		//
		//   Unix time in nanoseconds at which the document was
		//   generated.
		//
		// Field: config_path
		//
		//   The configuration file the document was compiled
		//   from.
		//
		// Field: rule_count
		//
		//   Number of filter entries in the document.
		//
		// Field: digest
		//
		//   Hex encoded SHA-256 of the document text, as returned
		//   by Digest.
		`
CREATE TABLE IF NOT EXISTS runs (
run_id INTEGER PRIMARY KEY AUTOINCREMENT,
generated_at INTEGER NOT NULL,
config_path TEXT NOT NULL,
rule_count INTEGER NOT NULL,
digest TEXT NOT NULL
);`,
	}
)

// Run describes one generated document.
type Run struct {
	ID          int64
	GeneratedAt time.Time
	ConfigPath  string
	Rules       int
	Digest      string
}

type DB struct {
	db  *sql.DB
	log *zap.Logger
}

type Tx struct {
	tx *sql.Tx
}

// Digest returns the value stored in Run.Digest for a document.
func Digest(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the history database at path.  A
// nil logger discards log output.
func Open(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Another mandarin process may hold the write lock briefly;
	// wait for it rather than failing.
	var busyTimeout = int(5*time.Second) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Debug("opening database", zap.String("dsn", dsn))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: logger}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	for _, sql := range createTableSql {
		logger.Debug("SQL Exec", zap.String("sql", sql))
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// InsertRun stores r and returns its ID.  r.ID is ignored.
func (tx *Tx) InsertRun(ctx context.Context, r Run) (int64, error) {
	const sql = `
INSERT INTO runs (generated_at, config_path, rule_count, digest)
VALUES ($1, $2, $3, $4)
`
	res, err := tx.tx.ExecContext(ctx, sql,
		r.GeneratedAt.UnixNano(), r.ConfigPath, r.Rules, r.Digest)
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed")
	}
	return id, nil
}

// ListRuns calls handler for at most limit runs, newest first.  A
// limit of zero or less lists every run.
func (tx *Tx) ListRuns(ctx context.Context, limit int, handler func(Run) error) error {
	const sql = `
SELECT run_id, generated_at, config_path, rule_count, digest
FROM runs
ORDER BY run_id DESC
LIMIT $1
`
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := tx.tx.QueryContext(ctx, sql, limit)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListRuns")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return errors.Wrap(err, "db scan failed in ListRuns")
		}
		if err := handler(r); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "db iteration failed in ListRuns")
}

// LatestRun returns the newest run, or nil if none was recorded.
func (tx *Tx) LatestRun(ctx context.Context) (*Run, error) {
	var latest *Run
	err := tx.ListRuns(ctx, 1, func(r Run) error {
		latest = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var generatedAt int64
	if err := row.Scan(&r.ID, &generatedAt, &r.ConfigPath, &r.Rules, &r.Digest); err != nil {
		return Run{}, err
	}
	r.GeneratedAt = time.Unix(0, generatedAt)
	return r, nil
}
