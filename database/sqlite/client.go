// SPDX-License-Identifier: ice License 1.0

// Package sqlite is the embedded-SQL store backend: sqlx over
// mattn/go-sqlite3, WAL journaling for crash consistency, and the schema
// embedded as DDL.
package sqlite

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed DDL.sql
var ddl string

type dbClient struct {
	*sqlx.DB

	stmtCacheMx sync.RWMutex
	stmtCache   map[string]*sqlx.Stmt
}

func openDatabase(target string) (*dbClient, error) {
	db, err := sqlx.Connect("sqlite3", target+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at `%v`", target)
	}
	// The sqlite driver serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent puts.
	db.SetMaxOpenConns(1)

	client := &dbClient{DB: db, stmtCache: make(map[string]*sqlx.Stmt)}
	for _, statement := range strings.Split(ddl, "--------") {
		if _, err = client.Exec(statement); err != nil {
			return nil, errors.Wrapf(err, "failed to run DDL statement: `%v`", statement)
		}
	}

	return client, nil
}

func (db *dbClient) prepare(ctx context.Context, sql string) (*sqlx.Stmt, error) {
	hash := hashSQL(sql)

	db.stmtCacheMx.RLock()
	stmt, found := db.stmtCache[hash]
	db.stmtCacheMx.RUnlock()
	if found {
		return stmt, nil
	}

	db.stmtCacheMx.Lock()
	defer db.stmtCacheMx.Unlock()
	if stmt, found = db.stmtCache[hash]; found {
		return stmt, nil
	}

	stmt, err := db.PreparexContext(ctx, sql)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare sql: `%v`", sql)
	}
	db.stmtCache[hash] = stmt

	return stmt, nil
}

func hashSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))

	return string(sum[:])
}
