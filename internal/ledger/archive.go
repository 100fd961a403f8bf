package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"meridian/internal/domain"
)

// Archiver writes recorded fills to Parquet files for audit, one file per
// symbol and month:
//
//	<DataDir>/fills/<SYMBOL>/<YYYY-MM>.parquet
type Archiver struct {
	DataDir string
}

// NewArchiver creates an Archiver rooted at the given data directory.
func NewArchiver(dataDir string) *Archiver {
	return &Archiver{DataDir: dataDir}
}

// FillRecord is the Parquet schema for archived executions.
type FillRecord struct {
	TradeID  string  `parquet:"trade_id"`
	OrderID  string  `parquet:"order_id"`
	Symbol   string  `parquet:"symbol"`
	Seq      int64   `parquet:"seq"`
	Quantity int64   `parquet:"quantity"`
	Price    float64 `parquet:"price"`
	FilledAt int64   `parquet:"filled_at,timestamp(millisecond)"` // Unix ms
}

// Archive appends the given trades for a symbol, merging with any existing
// records by trade ID so re-archiving is idempotent.
func (a *Archiver) Archive(symbol string, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	// Group by month.
	groups := make(map[string][]FillRecord)
	for _, t := range trades {
		month := t.FilledAt.UTC().Format("2006-01")
		groups[month] = append(groups[month], FillRecord{
			TradeID:  t.ID,
			OrderID:  t.OrderID,
			Symbol:   symbol,
			Seq:      int64(t.Seq),
			Quantity: t.Quantity,
			Price:    t.Price,
			FilledAt: t.FilledAt.UnixMilli(),
		})
	}

	for month, records := range groups {
		path := a.fillPath(symbol, month)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving fills for %s/%s: %w", symbol, month, err)
		}
	}
	return nil
}

// ReadFills returns the archived fills for a symbol within [start, end].
func (a *Archiver) ReadFills(symbol string, start, end time.Time) ([]FillRecord, error) {
	var out []FillRecord
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		path := a.fillPath(symbol, cur.Format("2006-01"))

		records, err := readParquetFile[FillRecord](path)
		if err != nil {
			// No file for this month.
			cur = cur.AddDate(0, 1, 0)
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.FilledAt)
			if !ts.Before(start) && !ts.After(end) {
				out = append(out, r)
			}
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return out, nil
}

func (a *Archiver) fillPath(symbol, month string) string {
	return filepath.Join(a.DataDir, "fills", symbol, month+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeFillRecords deduplicates records by trade ID, preferring new records
// over existing ones, sorted by ledger sequence.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.TradeID] = r
	}
	for _, r := range incoming {
		seen[r.TradeID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	return merged
}
