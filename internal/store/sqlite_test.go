package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
)

func sqliteFixture(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionJournalUpsert(t *testing.T) {
	db := sqliteFixture(t)
	ctx := context.Background()

	rec := SessionRecord{
		SessionDate: "2025-06-02", Symbol: "AAPL",
		Volume: 1000, High: 104.5, Low: 99.5, BaseBars: 390, Quality: 100,
	}
	require.NoError(t, db.SaveSessionRecord(ctx, rec))
	require.NoError(t, db.SaveSessionRecord(ctx, SessionRecord{
		SessionDate: "2025-06-02", Symbol: "MSFT",
		Volume: 2000, High: 410, Low: 400, BaseBars: 388, Quality: 99.5,
	}))

	// Re-saving the same (date, symbol) replaces the row.
	rec.Quality = 98.7
	require.NoError(t, db.SaveSessionRecord(ctx, rec))

	recs, err := db.ListSessionRecords(ctx, "2025-06-02")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AAPL", recs[0].Symbol, "rows ordered by symbol")
	assert.Equal(t, 98.7, recs[0].Quality)
	assert.Equal(t, int64(2000), recs[1].Volume)
}

func TestSessionJournalDateIsolation(t *testing.T) {
	db := sqliteFixture(t)
	ctx := context.Background()

	require.NoError(t, db.SaveSessionRecord(ctx, SessionRecord{SessionDate: "2025-06-02", Symbol: "AAPL", Volume: 1}))
	require.NoError(t, db.SaveSessionRecord(ctx, SessionRecord{SessionDate: "2025-06-03", Symbol: "AAPL", Volume: 2}))

	recs, err := db.ListSessionRecords(ctx, "2025-06-03")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Volume)

	recs, err = db.ListSessionRecords(ctx, "2025-06-04")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSaveSignalAssignsID(t *testing.T) {
	db := sqliteFixture(t)
	ctx := context.Background()

	sig := &domain.Signal{
		StrategyID: "sma-cross-9-21-5m",
		Symbol:     "AAPL",
		Type:       domain.SignalTypeBuy,
		Strength:   0.8,
		Metadata:   map[string]string{"short": "101.2345", "long": "100.9876", "interval": "5m"},
		CreatedAt:  time.Date(2025, time.June, 2, 10, 15, 0, 0, time.UTC),
	}
	require.NoError(t, db.SaveSignal(ctx, sig))
	assert.Greater(t, sig.ID, int64(0), "insert backfills the row id")

	second := &domain.Signal{
		StrategyID: "sma-cross-9-21-5m", Symbol: "AAPL",
		Type: domain.SignalTypeSell, Strength: 0.5,
		CreatedAt: sig.CreatedAt.Add(time.Hour),
	}
	require.NoError(t, db.SaveSignal(ctx, second))
	assert.Greater(t, second.ID, sig.ID)
}

func TestListSignals(t *testing.T) {
	db := sqliteFixture(t)
	ctx := context.Background()
	base := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.SaveSignal(ctx, &domain.Signal{
			StrategyID: "sma-cross-9-21-5m",
			Symbol:     "AAPL",
			Type:       domain.SignalTypeBuy,
			Strength:   float64(i) / 10,
			Metadata:   map[string]string{"interval": "5m"},
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, db.SaveSignal(ctx, &domain.Signal{
		StrategyID: "other-strategy", Symbol: "AAPL",
		Type: domain.SignalTypeHold, CreatedAt: base,
	}))

	sigs, err := db.ListSignals(ctx, "sma-cross-9-21-5m", 2)
	require.NoError(t, err)
	require.Len(t, sigs, 2, "limit applies")
	// Newest first.
	assert.Equal(t, 0.2, sigs[0].Strength)
	assert.Equal(t, 0.1, sigs[1].Strength)
	assert.Equal(t, "5m", sigs[0].Metadata["interval"], "metadata survives the roundtrip")

	none, err := db.ListSignals(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
