package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"sessiond/internal/domain"
	"sessiond/internal/interval"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ QuoteStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and QuoteStore using Parquet files on
// disk. Layout:
//
//	<DataDir>/bars/<interval>/<SYMBOL>/<YYYY>/<MM>/<DD>.parquet  (sub-daily)
//	<DataDir>/bars/<interval>/<SYMBOL>/<YYYY>.parquet            (daily+)
//	<DataDir>/quotes/<SYMBOL>/<YYYY>/<MM>/<DD>.parquet
//
// The day/year grouping key is the exchange-timezone date.
type ParquetStore struct {
	DataDir string
	loc     *time.Location
}

// NewParquetStore creates a ParquetStore rooted at dataDir with the given
// exchange timezone. A nil location defaults to America/New_York.
func NewParquetStore(dataDir string, loc *time.Location) *ParquetStore {
	if loc == nil {
		loc, _ = time.LoadLocation("America/New_York")
	}
	return &ParquetStore{DataDir: dataDir, loc: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data. Timestamps are UTC Unix ms.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// QuoteRecord is the Parquet schema for quote data.
type QuoteRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	BidPrice  float64 `parquet:"bid_price"`
	AskPrice  float64 `parquet:"ask_price"`
	BidSize   int64   `parquet:"bid_size"`
	AskSize   int64   `parquet:"ask_size"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars grouped by exchange-timezone date (sub-daily) or
// year (daily+), merging with existing file contents.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar, token, symbol string) (int, []string, error) {
	if len(bars) == 0 {
		return 0, nil, nil
	}
	iv, err := interval.Parse(token)
	if err != nil {
		return 0, nil, err
	}

	groups := make(map[string][]BarRecord)
	for _, b := range bars {
		path := s.barPath(token, symbol, b.Timestamp, iv.IsIntraday())
		groups[path] = append(groups[path], BarRecord{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UTC().UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	var files []string
	wrote := 0
	for path, records := range groups {
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return wrote, files, fmt.Errorf("writing bars for %s/%s: %w", token, symbol, err)
		}
		files = append(files, path)
		wrote += len(records)
	}
	sort.Strings(files)
	return wrote, files, nil
}

// ReadBars reads bars for [start, end], returning timestamps in the
// exchange timezone.
func (s *ParquetStore) ReadBars(_ context.Context, token, symbol string, start, end time.Time) ([]domain.Bar, error) {
	iv, err := interval.Parse(token)
	if err != nil {
		return nil, err
	}

	var paths []string
	if iv.IsIntraday() {
		for d := s.tradingDate(start); !d.After(s.tradingDate(end)); d = d.AddDate(0, 0, 1) {
			paths = append(paths, s.barPath(token, symbol, d, true))
		}
	} else {
		for year := start.In(s.loc).Year(); year <= end.In(s.loc).Year(); year++ {
			paths = append(paths, s.barPath(token, symbol, time.Date(year, 1, 1, 0, 0, 0, 0, s.loc), false))
		}
	}

	var bars []domain.Bar
	for _, path := range paths {
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			// File doesn't exist for this date, skip.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(s.loc)
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, domain.Bar{
					Symbol:    r.Symbol,
					Timestamp: ts,
					Open:      r.Open,
					High:      r.High,
					Low:       r.Low,
					Close:     r.Close,
					Volume:    r.Volume,
				})
			}
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// HasBars reports whether a bar file exists for the interval, symbol, and
// exchange-timezone trading date.
func (s *ParquetStore) HasBars(token, symbol string, date time.Time) bool {
	iv, err := interval.Parse(token)
	if err != nil {
		return false
	}
	path := s.barPath(token, symbol, date, iv.IsIntraday())
	_, err = os.Stat(path)
	return err == nil
}

// ---------------------------------------------------------------------------
// QuoteStore implementation
// ---------------------------------------------------------------------------

// WriteQuotes writes quotes grouped by exchange-timezone date.
func (s *ParquetStore) WriteQuotes(_ context.Context, quotes []domain.Quote, symbol string) (int, []string, error) {
	if len(quotes) == 0 {
		return 0, nil, nil
	}

	groups := make(map[string][]QuoteRecord)
	for _, q := range quotes {
		path := s.quotePath(symbol, q.Timestamp)
		groups[path] = append(groups[path], QuoteRecord{
			Symbol:    q.Symbol,
			Timestamp: q.Timestamp.UTC().UnixMilli(),
			BidPrice:  q.BidPrice,
			AskPrice:  q.AskPrice,
			BidSize:   q.BidSize,
			AskSize:   q.AskSize,
		})
	}

	var files []string
	wrote := 0
	for path, records := range groups {
		existing, _ := readParquetFile[QuoteRecord](path)
		merged := mergeQuoteRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return wrote, files, fmt.Errorf("writing quotes for %s: %w", symbol, err)
		}
		files = append(files, path)
		wrote += len(records)
	}
	sort.Strings(files)
	return wrote, files, nil
}

// ReadQuotes reads quotes for [start, end] in the exchange timezone.
func (s *ParquetStore) ReadQuotes(_ context.Context, symbol string, start, end time.Time) ([]domain.Quote, error) {
	var quotes []domain.Quote
	for d := s.tradingDate(start); !d.After(s.tradingDate(end)); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[QuoteRecord](s.quotePath(symbol, d))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(s.loc)
			if !ts.Before(start) && !ts.After(end) {
				quotes = append(quotes, domain.Quote{
					Symbol:    r.Symbol,
					Timestamp: ts,
					BidPrice:  r.BidPrice,
					AskPrice:  r.AskPrice,
					BidSize:   r.BidSize,
					AskSize:   r.AskSize,
				})
			}
		}
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Timestamp.Before(quotes[j].Timestamp) })
	return quotes, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) tradingDate(t time.Time) time.Time {
	lt := t.In(s.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
}

// barPath returns the file path for one interval/symbol/date.
func (s *ParquetStore) barPath(token, symbol string, t time.Time, intraday bool) string {
	lt := t.In(s.loc)
	sym := strings.ToUpper(symbol)
	if intraday {
		return filepath.Join(s.DataDir, "bars", token, sym,
			fmt.Sprintf("%04d", lt.Year()),
			fmt.Sprintf("%02d", int(lt.Month())),
			fmt.Sprintf("%02d.parquet", lt.Day()))
	}
	return filepath.Join(s.DataDir, "bars", token, sym, fmt.Sprintf("%04d.parquet", lt.Year()))
}

// quotePath returns the file path for one symbol/date of quotes.
func (s *ParquetStore) quotePath(symbol string, t time.Time) string {
	lt := t.In(s.loc)
	return filepath.Join(s.DataDir, "quotes", strings.ToUpper(symbol),
		fmt.Sprintf("%04d", lt.Year()),
		fmt.Sprintf("%02d", int(lt.Month())),
		fmt.Sprintf("%02d.parquet", lt.Day()))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates by (symbol, timestamp), preferring new
// records, sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// mergeQuoteRecords deduplicates by (symbol, timestamp), preferring new
// records, sorted by timestamp.
func mergeQuoteRecords(existing, incoming []QuoteRecord) []QuoteRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]QuoteRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]QuoteRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
