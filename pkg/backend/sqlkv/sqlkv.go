// Package sqlkv stores a catalog as key/value rows of one SQL table.
// MySQL and SQLite are supported.
package sqlkv

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultTable is used when a locator names no table.
const DefaultTable = "metabase"

// Dialect selects the SQL driver and the DDL for the key/value table.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite3"
)

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	db    *sql.DB
	table string
}

// Open connects with the given driver DSN, and creates the table unless readOnly.
func Open(ctx context.Context, dialect Dialect, dsn string, table string, readOnly bool) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if dialect == SQLite {
		// one connection, so ":memory:" databases are not split per connection
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, table: table}
	if !readOnly {
		if _, err := db.ExecContext(ctx, s.createTable(dialect)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) createTable(dialect Dialect) string {
	if dialect == MySQL {
		return "CREATE TABLE IF NOT EXISTS " + s.table + " (k VARCHAR(255) NOT NULL PRIMARY KEY, v LONGBLOB NOT NULL)"
	}
	return "CREATE TABLE IF NOT EXISTS " + s.table + " (k TEXT NOT NULL PRIMARY KEY, v BLOB NOT NULL)"
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT v FROM "+s.table+" WHERE k = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, "REPLACE INTO "+s.table+" (k, v) VALUES (?, ?)", key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+" WHERE k = ?", key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT k FROM "+s.table+" WHERE SUBSTR(k, 1, ?) = ?", len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
