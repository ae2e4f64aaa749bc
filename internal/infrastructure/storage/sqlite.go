package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/copytrade/internal/domain"
)

// SQLiteStore is the trade journal: an append-only record of confirmed fills
// and telemetry events. Positions live in the ledger files, not here.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.JournalRepository = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			broker TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_id TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			cost REAL NOT NULL,
			fees REAL NOT NULL DEFAULT 0,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_account ON fills(account_key, created_at);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			account_key TEXT,
			symbol TEXT,
			detail TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveFill(ctx context.Context, f *domain.Fill) error {
	query := `INSERT INTO fills (id, account_key, broker, symbol, side, order_id, quantity, price, cost, fees, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.AccountKey, f.Broker, f.Symbol, string(f.Side), f.OrderID,
		f.Quantity, f.Price, f.Cost, f.Fees, f.Reason, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save fill %s: %w", f.OrderID, err)
	}
	return nil
}

// ListFills returns the newest fills first. An empty accountKey lists every account.
func (s *SQLiteStore) ListFills(ctx context.Context, accountKey string, limit int) ([]*domain.Fill, error) {
	query := `SELECT id, account_key, broker, symbol, side, order_id, quantity, price, cost, fees, reason, created_at
			  FROM fills WHERE (? = '' OR account_key = ?) ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, accountKey, accountKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*domain.Fill
	for rows.Next() {
		var (
			f      domain.Fill
			side   string
			reason sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.AccountKey, &f.Broker, &f.Symbol, &side, &f.OrderID,
			&f.Quantity, &f.Price, &f.Cost, &f.Fees, &reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.Reason = reason.String
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *domain.Event) error {
	query := `INSERT INTO events (id, kind, account_key, symbol, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, ev.ID, ev.Kind, ev.AccountKey, ev.Symbol, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents returns the newest events first. An empty kind lists every kind.
func (s *SQLiteStore) ListEvents(ctx context.Context, kind string, limit int) ([]*domain.Event, error) {
	query := `SELECT id, kind, account_key, symbol, detail, created_at
			  FROM events WHERE (? = '' OR kind = ?) ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			ev                     domain.Event
			account, symbol, detail sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &account, &symbol, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.AccountKey, ev.Symbol, ev.Detail = account.String, symbol.String, detail.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}
