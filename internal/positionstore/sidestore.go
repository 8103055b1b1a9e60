package positionstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fundingkeeper/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// SideStore implements core.SideStore over sqlite: order history, exit
// cooldowns and the persistent imbalance tracker, in WAL mode. Every row is
// marshalled and round-trip validated; order rows are also written with a
// checksum inside a transaction and verified on read, mirroring the
// teacher's primary blob store. Cooldown and imbalance rows carry no
// checksum.
type SideStore struct {
	db *sql.DB
}

// NewSideStore opens (and migrates) the sqlite side store at dbPath.
func NewSideStore(dbPath string) (*SideStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open side store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping side store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SideStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SideStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			data TEXT NOT NULL,
			checksum BLOB NOT NULL,
			placed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, placed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			symbol TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS imbalances (
			symbol TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate side store: %w", err)
		}
	}
	return nil
}

func marshalChecked(v interface{}) (data []byte, checksum [32]byte, err error) {
	data, err = json.Marshal(v)
	if err != nil {
		return nil, checksum, fmt.Errorf("marshal: %w", err)
	}
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, checksum, fmt.Errorf("validate: %w", err)
	}
	return data, sha256.Sum256(data), nil
}

func (s *SideStore) RecordOrder(ctx context.Context, o *core.Order) error {
	data, checksum, err := marshalChecked(o)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders (order_id, symbol, data, checksum, placed_at) VALUES (?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, string(data), checksum[:], o.PlacedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return tx.Commit()
}

func (s *SideStore) RecentOrders(ctx context.Context, symbol string, limit int) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM orders WHERE symbol = ? ORDER BY placed_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		if err := verifyChecksum([]byte(data), checksum); err != nil {
			return nil, err
		}
		var o core.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func verifyChecksum(data, stored []byte) error {
	computed := sha256.Sum256(data)
	if len(stored) != len(computed) {
		return fmt.Errorf("checksum length mismatch: data corruption detected")
	}
	for i := range computed {
		if stored[i] != computed[i] {
			return fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}
	return nil
}

func (s *SideStore) SaveCooldown(ctx context.Context, c core.CooldownEntry) error {
	data, checksum, err := marshalChecked(c)
	if err != nil {
		return err
	}
	_ = checksum
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cooldowns (symbol, data, updated_at) VALUES (?, ?, ?)`,
		c.Symbol, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save cooldown: %w", err)
	}
	return nil
}

func (s *SideStore) GetCooldown(ctx context.Context, symbol string) (core.CooldownEntry, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cooldowns WHERE symbol = ?`, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return core.CooldownEntry{}, false, nil
	}
	if err != nil {
		return core.CooldownEntry{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	var c core.CooldownEntry
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return core.CooldownEntry{}, false, fmt.Errorf("unmarshal cooldown: %w", err)
	}
	return c, true, nil
}

func (s *SideStore) ClearCooldown(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

func (s *SideStore) SaveImbalance(ctx context.Context, t core.ImbalanceTracker) error {
	data, _, err := marshalChecked(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO imbalances (symbol, data, updated_at) VALUES (?, ?, ?)`,
		t.Symbol, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save imbalance: %w", err)
	}
	return nil
}

func (s *SideStore) GetImbalance(ctx context.Context, symbol string) (core.ImbalanceTracker, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM imbalances WHERE symbol = ?`, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return core.ImbalanceTracker{}, false, nil
	}
	if err != nil {
		return core.ImbalanceTracker{}, false, fmt.Errorf("get imbalance: %w", err)
	}
	var t core.ImbalanceTracker
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return core.ImbalanceTracker{}, false, fmt.Errorf("unmarshal imbalance: %w", err)
	}
	return t, true, nil
}

func (s *SideStore) ClearImbalance(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM imbalances WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("clear imbalance: %w", err)
	}
	return nil
}

func (s *SideStore) Close() error {
	return s.db.Close()
}

var _ core.SideStore = (*SideStore)(nil)
