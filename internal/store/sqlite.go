package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"sessiond/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ SignalStore = (*SQLiteStore)(nil)

// SQLiteStore persists the session journal: end-of-day per-symbol metric
// rows and strategy signals. Bars themselves are never journaled.
type SQLiteStore struct {
	db *sql.DB
}

// SessionRecord is one end-of-day journal row for a symbol.
type SessionRecord struct {
	SessionDate string
	Symbol      string
	Volume      int64
	High        float64
	Low         float64
	BaseBars    int
	Quality     float64 // base-interval quality
}

const schema = `
CREATE TABLE IF NOT EXISTS session_journal (
	session_date TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	volume       INTEGER NOT NULL,
	high         REAL NOT NULL,
	low          REAL NOT NULL,
	base_bars    INTEGER NOT NULL,
	quality      REAL NOT NULL,
	PRIMARY KEY (session_date, symbol)
);
CREATE TABLE IF NOT EXISTS signals (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	type        TEXT NOT NULL,
	strength    REAL NOT NULL,
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_strategy ON signals(strategy_id, created_at);
`

// NewSQLiteStore opens (or creates) the journal database at dbPath and
// runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSessionRecord upserts one journal row.
func (s *SQLiteStore) SaveSessionRecord(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_journal
		(session_date, symbol, volume, high, low, base_bars, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionDate, rec.Symbol, rec.Volume, rec.High, rec.Low, rec.BaseBars, rec.Quality)
	return err
}

// ListSessionRecords returns all journal rows for a session date.
func (s *SQLiteStore) ListSessionRecords(ctx context.Context, sessionDate string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_date, symbol, volume, high, low, base_bars, quality
		FROM session_journal WHERE session_date = ? ORDER BY symbol`, sessionDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionDate, &rec.Symbol, &rec.Volume,
			&rec.High, &rec.Low, &rec.BaseBars, &rec.Quality); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSignal inserts a new signal.
func (s *SQLiteStore) SaveSignal(ctx context.Context, signal *domain.Signal) error {
	meta, err := json.Marshal(signal.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (strategy_id, symbol, type, strength, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		signal.StrategyID, signal.Symbol, string(signal.Type), signal.Strength, string(meta), signal.CreatedAt)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		signal.ID = id
	}
	return nil
}

// ListSignals returns the most recent signals for a strategy, up to limit.
func (s *SQLiteStore) ListSignals(ctx context.Context, strategyID string, limit int) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, type, strength, metadata, created_at
		FROM signals WHERE strategy_id = ? ORDER BY created_at DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var typ, meta string
		var createdAt time.Time
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &typ, &sig.Strength, &meta, &createdAt); err != nil {
			return nil, err
		}
		sig.Type = domain.SignalType(typ)
		sig.CreatedAt = createdAt
		if meta != "" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &sig.Metadata)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
