package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
	"sessiond/internal/market"
	"sessiond/internal/store"
)

// memStore is an in-memory BarStore/QuoteStore for feed tests.
type memStore struct {
	bars   map[string][]domain.Bar
	quotes map[string][]domain.Quote
}

var _ store.BarStore = (*memStore)(nil)
var _ store.QuoteStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{bars: make(map[string][]domain.Bar), quotes: make(map[string][]domain.Quote)}
}

func (m *memStore) ReadBars(_ context.Context, token, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m.bars[token+"|"+symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) WriteBars(_ context.Context, bars []domain.Bar, token, symbol string) (int, []string, error) {
	m.bars[token+"|"+symbol] = append(m.bars[token+"|"+symbol], bars...)
	return len(bars), nil, nil
}

func (m *memStore) HasBars(token, symbol string, date time.Time) bool {
	return len(m.bars[token+"|"+symbol]) > 0
}

func (m *memStore) ReadQuotes(_ context.Context, symbol string, start, end time.Time) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range m.quotes[symbol] {
		if !q.Timestamp.Before(start) && !q.Timestamp.After(end) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *memStore) WriteQuotes(_ context.Context, quotes []domain.Quote, symbol string) (int, []string, error) {
	m.quotes[symbol] = append(m.quotes[symbol], quotes...)
	return len(quotes), nil, nil
}

func feedFixture(t *testing.T) (*memStore, *market.Calendar, *time.Location, time.Time) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	cal := market.NewCalendar(loc, market.WithSimulatedClock(date.Add(9*time.Hour+30*time.Minute)))
	return newMemStore(), cal, loc, date
}

func minuteBars(symbol string, start time.Time, n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 10,
		}
	}
	return bars
}

func TestQueueOperations(t *testing.T) {
	open := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	q := &Queue{Symbol: "AAPL", Token: "1m", bars: minuteBars("AAPL", open, 5)}

	assert.Equal(t, 5, q.Len())

	b, ok := q.Peek()
	require.True(t, ok)
	assert.True(t, b.Timestamp.Equal(open))
	assert.Equal(t, 5, q.Len(), "peek must not consume")

	b, ok = q.Pop()
	require.True(t, ok)
	assert.True(t, b.Timestamp.Equal(open))
	assert.Equal(t, 4, q.Len())

	// PopThrough consumes everything at or before the cutoff, in order.
	got := q.PopThrough(open.Add(2 * time.Minute))
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(open.Add(time.Minute)))
	assert.True(t, got[1].Timestamp.Equal(open.Add(2*time.Minute)))
	assert.Equal(t, 2, q.Len())

	// Cutoff before the next bar consumes nothing.
	assert.Empty(t, q.PopThrough(open.Add(2*time.Minute)))

	got = q.PopThrough(open.Add(time.Hour))
	assert.Len(t, got, 2)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestPrimeDayPicksShortestStoredInterval(t *testing.T) {
	ms, cal, _, date := feedFixture(t)
	open := date.Add(9*time.Hour + 30*time.Minute)
	ms.bars["1m|AAPL"] = minuteBars("AAPL", open, 390)
	ms.bars["5m|AAPL"] = minuteBars("AAPL", open, 78)

	src := NewBacktestSource(ms, ms, cal, nil)
	q, err := src.PrimeDay(context.Background(), "AAPL", []string{"5m", "1m"}, date)
	require.NoError(t, err)
	assert.Equal(t, "1m", q.Token, "shortest stored candidate wins")
	assert.Equal(t, 390, q.Len())
}

func TestPrimeDayFallsBackToCoarser(t *testing.T) {
	ms, cal, _, date := feedFixture(t)
	open := date.Add(9*time.Hour + 30*time.Minute)
	ms.bars["5m|AAPL"] = minuteBars("AAPL", open, 78)

	src := NewBacktestSource(ms, ms, cal, nil)
	q, err := src.PrimeDay(context.Background(), "AAPL", []string{"1m", "5m"}, date)
	require.NoError(t, err)
	assert.Equal(t, "5m", q.Token)
}

func TestPrimeDayNoData(t *testing.T) {
	ms, cal, _, date := feedFixture(t)
	src := NewBacktestSource(ms, ms, cal, nil)

	_, err := src.PrimeDay(context.Background(), "AAPL", []string{"1m"}, date)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stored bars")
}

func TestPrimeQuotes(t *testing.T) {
	ms, cal, _, date := feedFixture(t)
	open := date.Add(9*time.Hour + 30*time.Minute)
	ms.quotes["AAPL"] = []domain.Quote{
		{Symbol: "AAPL", Timestamp: open, BidPrice: 99.9, AskPrice: 100.1},
		{Symbol: "AAPL", Timestamp: open.Add(time.Second), BidPrice: 100, AskPrice: 100.2},
	}

	src := NewBacktestSource(ms, ms, cal, nil)
	quotes := src.PrimeQuotes(context.Background(), "AAPL", date)
	assert.Len(t, quotes, 2)

	none := NewBacktestSource(ms, nil, cal, nil)
	assert.Nil(t, none.PrimeQuotes(context.Background(), "AAPL", date))
}
