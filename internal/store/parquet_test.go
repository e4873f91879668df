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

func parquetFixture(t *testing.T) (*ParquetStore, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return NewParquetStore(t.TempDir(), loc), loc
}

func sampleBars(loc *time.Location, day, n int) []domain.Bar {
	open := time.Date(2025, time.June, day, 9, 30, 0, 0, loc)
	bars := make([]domain.Bar, n)
	for i := range bars {
		price := 100 + float64(i)
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: open.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 0.5, Low: price - 0.5, Close: price + 0.25,
			Volume: int64(10 + i),
		}
	}
	return bars
}

func TestBarsRoundtripIntraday(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	bars := sampleBars(loc, 2, 10)

	wrote, files, err := ps.WriteBars(ctx, bars, "1m", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 10, wrote)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(ps.DataDir, "bars", "1m", "AAPL", "2025", "06", "02.parquet"), files[0])

	got, err := ps.ReadBars(ctx, "1m", "AAPL", bars[0].Timestamp, bars[9].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, bars[0].Open, got[0].Open)
	assert.Equal(t, bars[9].Volume, got[9].Volume)
	// Timestamps come back in the exchange timezone.
	assert.Equal(t, loc.String(), got[0].Timestamp.Location().String())
	assert.True(t, got[0].Timestamp.Equal(bars[0].Timestamp))
}

func TestBarsDailyYearFile(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	days := []domain.Bar{
		{Symbol: "AAPL", Timestamp: time.Date(2025, time.June, 2, 0, 0, 0, 0, loc), Open: 100, High: 104, Low: 99, Close: 103, Volume: 3900},
		{Symbol: "AAPL", Timestamp: time.Date(2025, time.June, 3, 0, 0, 0, 0, loc), Open: 103, High: 106, Low: 102, Close: 105, Volume: 4100},
	}

	_, files, err := ps.WriteBars(ctx, days, "1d", "AAPL")
	require.NoError(t, err)
	require.Len(t, files, 1, "daily bars share one year file")
	assert.Equal(t, filepath.Join(ps.DataDir, "bars", "1d", "AAPL", "2025.parquet"), files[0])

	got, err := ps.ReadBars(ctx, "1d", "AAPL", days[0].Timestamp, days[1].Timestamp)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestBarsReadWindowFilters(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	bars := sampleBars(loc, 2, 10)
	_, _, err := ps.WriteBars(ctx, bars, "1m", "AAPL")
	require.NoError(t, err)

	got, err := ps.ReadBars(ctx, "1m", "AAPL", bars[2].Timestamp, bars[4].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(bars[2].Timestamp))
}

func TestBarsMergeDeduplicates(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	bars := sampleBars(loc, 2, 5)
	_, _, err := ps.WriteBars(ctx, bars, "1m", "AAPL")
	require.NoError(t, err)

	// Rewrite bar 2 with a corrected close and append bar 5.
	patch := []domain.Bar{
		{Symbol: "AAPL", Timestamp: bars[2].Timestamp, Open: 102, High: 102.5, Low: 101.5, Close: 999, Volume: 12},
		{Symbol: "AAPL", Timestamp: bars[4].Timestamp.Add(time.Minute), Open: 105, High: 105.5, Low: 104.5, Close: 105.25, Volume: 15},
	}
	_, _, err = ps.WriteBars(ctx, patch, "1m", "AAPL")
	require.NoError(t, err)

	got, err := ps.ReadBars(ctx, "1m", "AAPL", bars[0].Timestamp, bars[4].Timestamp.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 6, "duplicate timestamp replaced, not appended")
	assert.Equal(t, 999.0, got[2].Close, "incoming record wins the merge")
}

func TestBarsSpanMultipleDays(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	monday := sampleBars(loc, 2, 3)
	tuesday := sampleBars(loc, 3, 3)

	_, files, err := ps.WriteBars(ctx, append(monday, tuesday...), "1m", "AAPL")
	require.NoError(t, err)
	assert.Len(t, files, 2, "one file per trading date")

	got, err := ps.ReadBars(ctx, "1m", "AAPL", monday[0].Timestamp, tuesday[2].Timestamp)
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestHasBars(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)

	assert.False(t, ps.HasBars("1m", "AAPL", date))
	_, _, err := ps.WriteBars(ctx, sampleBars(loc, 2, 1), "1m", "AAPL")
	require.NoError(t, err)
	assert.True(t, ps.HasBars("1m", "AAPL", date))
	assert.False(t, ps.HasBars("1m", "AAPL", date.AddDate(0, 0, 1)))
	assert.False(t, ps.HasBars("5m", "AAPL", date))
	assert.False(t, ps.HasBars("bogus", "AAPL", date))
}

func TestReadBarsMissing(t *testing.T) {
	ps, loc := parquetFixture(t)
	start := time.Date(2025, time.June, 2, 9, 30, 0, 0, loc)

	got, err := ps.ReadBars(context.Background(), "1m", "MSFT", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got, "missing files read as no data")
}

func TestQuotesRoundtrip(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()
	open := time.Date(2025, time.June, 2, 9, 30, 0, 0, loc)
	quotes := []domain.Quote{
		{Symbol: "AAPL", Timestamp: open, BidPrice: 99.9, AskPrice: 100.1, BidSize: 2, AskSize: 3},
		{Symbol: "AAPL", Timestamp: open.Add(time.Second), BidPrice: 100, AskPrice: 100.2, BidSize: 1, AskSize: 1},
	}

	wrote, files, err := ps.WriteQuotes(ctx, quotes, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, wrote)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(ps.DataDir, "quotes", "AAPL", "2025", "06", "02.parquet"), files[0])

	got, err := ps.ReadQuotes(ctx, "AAPL", open, open.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 99.9, got[0].BidPrice)
	assert.Equal(t, int64(3), got[0].AskSize)
}

func TestSymbolPathUppercased(t *testing.T) {
	ps, loc := parquetFixture(t)
	ctx := context.Background()

	_, files, err := ps.WriteBars(ctx, sampleBars(loc, 2, 1), "1m", "aapl")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], filepath.Join("1m", "AAPL"))

	// Reads with either casing hit the same file.
	got, err := ps.ReadBars(ctx, "1m", "AAPL",
		time.Date(2025, time.June, 2, 0, 0, 0, 0, loc),
		time.Date(2025, time.June, 2, 23, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
