// Package store provides the encrypted vault: an embedded SQLite database
// holding one table per logical partition, every value encrypted at rest.
//
// Architecture:
//   - Database file: <data dir>/vault.db
//   - WAL mode: concurrent readers during writes
//   - Schema: one table per Partition, keyed by the partition identity column
//   - Envelope columns: ciphertext, iv, salt, timestamp
//
// Values are encoded with internal/codec and sealed with AES-256-GCM using
// the key held by the key manager. The partition name and entry key are
// bound to each ciphertext as additional authenticated data.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/govportal/fieldsync/internal/codec"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is the encrypted vault.
type Store struct {
	conn   *sql.DB
	path   string
	sealer *sealer
}

// Entry is one key/value pair for BatchSet.
type Entry struct {
	Key   string
	Value any
}

// Item is one decrypted entry returned by GetAllItems.
type Item struct {
	Key       string
	Timestamp time.Time

	plaintext []byte
}

// Decode decodes the item value into dst.
func (it Item) Decode(dst any) error {
	return codec.Unmarshal(it.plaintext, dst)
}

// Open opens the vault database at path and encrypts with key. The schema
// is created if missing.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, key []byte) (*Store, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:   conn,
		path:   path,
		sealer: s,
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates one table per partition. It is idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	for _, p := range Partitions() {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			iv BLOB NOT NULL,
			salt BLOB NOT NULL,
			timestamp INTEGER NOT NULL
		)`, quoteIdent(p.Name()), quoteIdent(p.IDField()))

		if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to initialize schema for %s: %w", p, err)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, ex execer, p Partition, key string, value any) error {
	if !p.Valid() {
		return fmt.Errorf("invalid partition %d", int(p))
	}
	if key == "" {
		return fmt.Errorf("empty key for %s", p)
	}

	plaintext, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", p, key, err)
	}
	env, err := s.sealer.seal(p, key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s/%s: %w", p, key, err)
	}

	id := quoteIdent(p.IDField())
	query := fmt.Sprintf(`
	INSERT INTO %s (%s, ciphertext, iv, salt, timestamp)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(%s) DO UPDATE SET
		ciphertext = excluded.ciphertext,
		iv = excluded.iv,
		salt = excluded.salt,
		timestamp = excluded.timestamp
	`, quoteIdent(p.Name()), id, id)

	if _, err := ex.ExecContext(ctx, query, key, env.Ciphertext, env.IV, env.Salt, env.Timestamp); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", p, key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, ex execer, p Partition, key string) error {
	if !p.Valid() {
		return fmt.Errorf("invalid partition %d", int(p))
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(p.Name()), quoteIdent(p.IDField()))
	if _, err := ex.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", p, key, err)
	}
	return nil
}

// SetItem encrypts value and stores it under key, replacing any existing
// entry.
func (s *Store) SetItem(ctx context.Context, p Partition, key string, value any) error {
	return s.put(ctx, s.conn, p, key, value)
}

// GetItem decrypts the entry stored under key into dst. It returns
// ErrNotFound when no entry exists and a *DecryptionError when the entry
// exists but cannot be authenticated.
func (s *Store) GetItem(ctx context.Context, p Partition, key string, dst any) error {
	if !p.Valid() {
		return fmt.Errorf("invalid partition %d", int(p))
	}

	query := fmt.Sprintf(`SELECT ciphertext, iv, salt, timestamp FROM %s WHERE %s = ?`,
		quoteIdent(p.Name()), quoteIdent(p.IDField()))

	var env Envelope
	err := s.conn.QueryRowContext(ctx, query, key).Scan(&env.Ciphertext, &env.IV, &env.Salt, &env.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", p, key, err)
	}

	plaintext, err := s.sealer.open(p, key, env)
	if err != nil {
		return &DecryptionError{Partition: p, Key: key, Err: err}
	}
	if err := codec.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", p, key, err)
	}
	return nil
}

// GetAllItems decrypts every entry of the partition, ordered by key. A
// single unreadable entry fails the whole call.
func (s *Store) GetAllItems(ctx context.Context, p Partition) ([]Item, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid partition %d", int(p))
	}

	id := quoteIdent(p.IDField())
	query := fmt.Sprintf(`SELECT %s, ciphertext, iv, salt, timestamp FROM %s ORDER BY %s`,
		id, quoteIdent(p.Name()), id)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", p, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			key string
			env Envelope
		)
		if err := rows.Scan(&key, &env.Ciphertext, &env.IV, &env.Salt, &env.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", p, err)
		}

		plaintext, err := s.sealer.open(p, key, env)
		if err != nil {
			return nil, &DecryptionError{Partition: p, Key: key, Err: err}
		}
		items = append(items, Item{
			Key:       key,
			Timestamp: time.UnixMilli(env.Timestamp),
			plaintext: plaintext,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", p, err)
	}
	return items, nil
}

// RemoveItem deletes the entry stored under key. Removing a missing entry
// is not an error.
func (s *Store) RemoveItem(ctx context.Context, p Partition, key string) error {
	return s.del(ctx, s.conn, p, key)
}

// ClearStore deletes every entry of the partition.
func (s *Store) ClearStore(ctx context.Context, p Partition) error {
	if !p.Valid() {
		return fmt.Errorf("invalid partition %d", int(p))
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(p.Name()))); err != nil {
		return fmt.Errorf("failed to clear %s: %w", p, err)
	}
	return nil
}

// BatchSet writes all entries in one transaction. Either every entry is
// stored or none is.
func (s *Store) BatchSet(ctx context.Context, p Partition, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := s.put(ctx, tx, p, e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveMany deletes every key from the partition in one transaction.
func (s *Store) RemoveMany(ctx context.Context, p Partition, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if err := s.del(ctx, tx, p, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// MoveItem writes value under key in partition to and deletes key from
// partition from, in one transaction.
func (s *Store) MoveItem(ctx context.Context, from, to Partition, key string, value any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.put(ctx, tx, to, key, value); err != nil {
			return err
		}
		return s.del(ctx, tx, from, key)
	})
}

// Count returns the number of entries in the partition.
func (s *Store) Count(ctx context.Context, p Partition) (int, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("invalid partition %d", int(p))
	}
	var count int
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(p.Name()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p, err)
	}
	return count, nil
}

// Keys returns the keys of the partition in sorted order without
// decrypting any values.
func (s *Store) Keys(ctx context.Context, p Partition) ([]string, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid partition %d", int(p))
	}
	id := quoteIdent(p.IDField())
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, id, quoteIdent(p.Name()), id))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", p, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
