// SPDX-License-Identifier: MIT

// Package kv is the durable key/value tier backing the cache and the
// group key store. It is a single sqlite table; callers namespace
// their keys by category prefix.
package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type (
	Store struct {
		db *sqlx.DB
	}
	Pair struct {
		Key   string `db:"key"`
		Value []byte `db:"value"`
	}
)

var (
	//go:embed DDL.sql
	ddl string

	ErrNotFound = errors.New("key not found")
)

func MustOpen(target string) *Store {
	store, err := Open(target)
	if err != nil {
		panic(err)
	}

	return store
}

func Open(target string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at `%v`", target)
	}
	for _, statement := range strings.Split(ddl, "--------") {
		if _, err = db.Exec(statement); err != nil {
			return nil, errors.Wrapf(err, "failed to run DDL statement: `%v`", statement)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close kv store")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return value, errors.Wrapf(err, "failed to get key `%v`", key)
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO kv(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)

	return errors.Wrapf(err, "failed to set key `%v`", key)
}

// MultiGet returns the pairs that exist; missing keys are simply
// absent from the result, not errors.
func (s *Store) MultiGet(ctx context.Context, keys []string) ([]Pair, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT key, value FROM kv WHERE key IN (?)", keys)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build multiGet query for %v keys", len(keys))
	}
	var pairs []Pair
	if err = s.db.SelectContext(ctx, &pairs, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrapf(err, "failed to multiGet %v keys", len(keys))
	}

	return pairs, nil
}

// MultiSet writes all pairs in one transaction so a crash mid-batch
// never leaves a torn flush.
func (s *Store) MultiSet(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin multiSet transaction")
	}
	stmt, err := tx.PreparexContext(ctx, "INSERT INTO kv(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value")
	if err != nil {
		tx.Rollback()

		return errors.Wrap(err, "failed to prepare multiSet statement")
	}
	for idx := range pairs {
		if _, err = stmt.ExecContext(ctx, pairs[idx].Key, pairs[idx].Value); err != nil {
			tx.Rollback()

			return errors.Wrapf(err, "failed to multiSet key `%v`", pairs[idx].Key)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit multiSet transaction")
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)

	return errors.Wrapf(err, "failed to remove key `%v`", key)
}

func (s *Store) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM kv WHERE key IN (?)", keys)
	if err != nil {
		return errors.Wrapf(err, "failed to build multiRemove query for %v keys", len(keys))
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)

	return errors.Wrapf(err, "failed to multiRemove %v keys", len(keys))
}

// ListKeys scans every key under the given prefix. Prefixes are
// category names and contain no LIKE metacharacters.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, "SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key", prefix)

	return keys, errors.Wrapf(err, "failed to list keys with prefix `%v`", prefix)
}
