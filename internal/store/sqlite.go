// Package store persists device trust state, synced contacts and sensor
// readings in a local SQLite database. All writes are serialized by the
// store itself; callers never need additional locking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// trustCacheSize bounds the in-process cache of trusted flags. Pairing
// decisions read trust on every daemon callback, so lookups for recently
// seen devices should not hit the database.
const trustCacheSize = 256

// Store is a SQLite-backed trust and contact store.
type Store struct {
	db    *sql.DB
	trust *lru.Cache[string, bool]
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	cache, err := lru.New[string, bool](trustCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, trust: cache}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_utc TEXT NOT NULL,
			sensor TEXT NOT NULL,
			data_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bt_devices (
			address TEXT PRIMARY KEY,
			name TEXT,
			trusted INTEGER NOT NULL DEFAULT 0,
			first_seen_utc TEXT NOT NULL,
			last_seen_utc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_address TEXT NOT NULL,
			name TEXT,
			number TEXT,
			raw_vcard TEXT,
			UNIQUE(device_address, name, number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_device ON contacts(device_address)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsTrusted reports whether the device at address has the trusted flag
// set. Unknown devices are untrusted.
func (s *Store) IsTrusted(ctx context.Context, address string) (bool, error) {
	if trusted, ok := s.trust.Get(address); ok {
		return trusted, nil
	}
	var trusted bool
	err := s.db.QueryRowContext(ctx, "SELECT trusted FROM bt_devices WHERE address = ?", address).Scan(&trusted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query trust for %s: %w", address, err)
	}
	s.trust.Add(address, trusted)
	return trusted, nil
}

// SetTrusted updates the trusted flag for an already known device. The
// cache follows the database, so an address the UPDATE never matched
// must not be cached as trusted.
func (s *Store) SetTrusted(ctx context.Context, address string, trusted bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE bt_devices SET trusted = ? WHERE address = ?", trusted, address)
	if err != nil {
		return fmt.Errorf("set trusted for %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set trusted for %s: %w", address, err)
	}
	if n == 0 {
		return fmt.Errorf("set trusted: unknown device %s", address)
	}
	s.trust.Add(address, trusted)
	return nil
}

// UpsertDevice creates or updates a device record. An empty name never
// overwrites a stored one; first_seen is kept from the first insert.
func (s *Store) UpsertDevice(ctx context.Context, address, name string, trusted bool, seen time.Time) error {
	ts := seen.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bt_devices(address, name, trusted, first_seen_utc, last_seen_utc)
		VALUES(?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), bt_devices.name),
			trusted = excluded.trusted,
			last_seen_utc = excluded.last_seen_utc`,
		address, name, trusted, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", address, err)
	}
	s.trust.Add(address, trusted)
	return nil
}

// ReplaceContacts swaps the full contact set for a device in one
// transaction: all prior contacts are deleted, then the new set is
// inserted with identical (name, number) pairs collapsed to one row.
func (s *Store) ReplaceContacts(ctx context.Context, address string, contacts []Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace contacts: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM contacts WHERE device_address = ?", address); err != nil {
		return fmt.Errorf("delete contacts for %s: %w", address, err)
	}
	for _, c := range contacts {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO contacts(device_address, name, number, raw_vcard) VALUES(?, ?, ?, ?)",
			address, c.Name, c.Number, c.Raw)
		if err != nil {
			return fmt.Errorf("insert contact for %s: %w", address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace contacts: %w", err)
	}
	return nil
}

// ListDevices returns all known devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT address, COALESCE(name, ''), trusted, first_seen_utc, last_seen_utc FROM bt_devices ORDER BY last_seen_utc DESC")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last string
		if err := rows.Scan(&d.Address, &d.Name, &d.Trusted, &first, &last); err != nil {
			return nil, err
		}
		d.FirstSeen, _ = time.Parse(time.RFC3339, first)
		d.LastSeen, _ = time.Parse(time.RFC3339, last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListContacts returns the stored contacts for a device address.
func (s *Store) ListContacts(ctx context.Context, address string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT COALESCE(name, ''), COALESCE(number, ''), COALESCE(raw_vcard, '') FROM contacts WHERE device_address = ? ORDER BY name, number",
		address)
	if err != nil {
		return nil, fmt.Errorf("list contacts for %s: %w", address, err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Name, &c.Number, &c.Raw); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertSensorReading persists one sensor sample with its JSON payload.
func (s *Store) InsertSensorReading(ctx context.Context, sensor string, ts time.Time, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s reading: %w", sensor, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sensor_readings(ts_utc, sensor, data_json) VALUES(?, ?, ?)",
		ts.UTC().Format(time.RFC3339), sensor, string(payload))
	if err != nil {
		return fmt.Errorf("insert %s reading: %w", sensor, err)
	}
	return nil
}
