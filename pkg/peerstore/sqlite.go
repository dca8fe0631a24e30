package peerstore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabase, err)
	}

	// Enable WAL mode for better concurrency
	if _, err := database.ExecContext(context.Background(), "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabase, err)
	}

	store := &SQLiteStore{db: database}
	if err := store.Initialize(); err != nil {
		_ = database.Close()
		return nil, err
	}

	return store, nil
}

// Initialize creates the database schema.
func (s *SQLiteStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(context.Background(), Schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabase, err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, record Record) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var load sql.NullFloat64
	if record.Load != nil {
		load = sql.NullFloat64{Float64: *record.Load, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers (node_id, ip, port, load, registered_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ip, port) DO UPDATE SET
		 node_id = excluded.node_id,
		 load = COALESCE(excluded.load, peers.load),
		 last_seen = excluded.last_seen`,
		record.NodeID, record.IP, record.Port, load, record.RegisteredAt.UnixMilli(), record.LastSeen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, ip, port, load, registered_at, last_seen FROM peers ORDER BY ip, port`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			record               Record
			load                 sql.NullFloat64
			registered, lastSeen int64
		)
		if err := rows.Scan(&record.NodeID, &record.IP, &record.Port, &load, &registered, &lastSeen); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if load.Valid {
			value := load.Float64
			record.Load = &value
		}
		record.RegisteredAt = time.UnixMilli(registered)
		record.LastSeen = time.UnixMilli(lastSeen)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	sortRecords(records)
	return records, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	host, port, err := splitKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE ip = ? AND port = ?`, host, port)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if affected == 0 {
		return ErrPeerNotFound
	}
	return nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT ip, port FROM peers WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	var pruned []string
	for rows.Next() {
		var (
			host string
			port int
		)
		if err := rows.Scan(&host, &port); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		pruned = append(pruned, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE last_seen < ?`, cutoff.UnixMilli()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return pruned, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func splitKey(key string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return host, port, nil
}
