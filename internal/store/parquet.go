package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"brokersim/internal/domain"
)

// Compile-time interface checks.
var _ PriceStore = (*ParquetStore)(nil)

// DefaultLatestLookbackDays bounds how many calendar days LatestPoint walks
// back through intraday files before falling back to daily history.
const DefaultLatestLookbackDays = 10

// ParquetStore implements PriceStore using Parquet files on disk.
//
// Layout:
//
//	<DataDir>/<security_type>/daily/<SECURITY_ID>/<YYYY>.parquet
//	<DataDir>/<security_type>/<1min|5min>/<SECURITY_ID>/<YYYY-MM-DD>.parquet
type ParquetStore struct {
	DataDir string

	// Intraday is the granularity read for equity order evaluation.
	Intraday domain.Granularity

	// LookbackDays bounds the LatestPoint search through intraday files.
	LookbackDays int
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. An empty intraday granularity defaults to one-minute bars.
func NewParquetStore(dataDir string, intraday domain.Granularity) *ParquetStore {
	if intraday == "" {
		intraday = domain.Granularity1Min
	}
	return &ParquetStore{DataDir: dataDir, Intraday: intraday, LookbackDays: DefaultLatestLookbackDays}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// PriceRecord is the Parquet schema for OHLCV price points of any
// granularity. Security type and granularity are encoded in the path.
type PriceRecord struct {
	SecurityID string  `parquet:"security_id"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
}

func toRecord(p domain.PricePoint) PriceRecord {
	return PriceRecord{
		SecurityID: p.SecurityID,
		Timestamp:  p.Timestamp.UnixMilli(),
		Open:       p.Open,
		High:       p.High,
		Low:        p.Low,
		Close:      p.Close,
		Volume:     p.Volume,
	}
}

func fromRecord(r PriceRecord, securityType domain.SecurityType, g domain.Granularity) domain.PricePoint {
	return domain.PricePoint{
		SecurityID:   r.SecurityID,
		SecurityType: securityType,
		Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		Granularity:  g,
	}
}

// ---------------------------------------------------------------------------
// PriceStore implementation
// ---------------------------------------------------------------------------

// WritePricePoints writes points grouped by file, merging with what is
// already on disk. Points without a granularity are treated as daily.
func (s *ParquetStore) WritePricePoints(_ context.Context, points []domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	groups := make(map[string][]PriceRecord)
	for _, p := range points {
		if p.SecurityID == "" {
			return fmt.Errorf("price point at %s: empty security id", p.Timestamp.Format(time.RFC3339))
		}
		g := p.Granularity
		if g == "" {
			g = domain.GranularityDaily
		}
		path := s.pointPath(p.SecurityType, g, p.SecurityID, p.Timestamp)
		groups[path] = append(groups[path], toRecord(p))
	}

	for path, records := range groups {
		existing, _ := readParquetFile[PriceRecord](path)
		merged := mergePriceRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing price points to %s: %w", path, err)
		}
	}
	return nil
}

// PricePoints returns the evaluation series for a security within
// [since, until]. Equities read the configured intraday granularity and fall
// back to daily bars when no intraday data covers the window. Funds read
// their daily NAV history.
func (s *ParquetStore) PricePoints(_ context.Context, securityID string, securityType domain.SecurityType, since, until time.Time) ([]domain.PricePoint, error) {
	if until.Before(since) {
		return nil, nil
	}
	if securityType == domain.SecurityTypeEquity {
		points, err := s.readIntraday(securityID, securityType, s.Intraday, since, until)
		if err != nil {
			return nil, err
		}
		if len(points) > 0 {
			return points, nil
		}
	}
	return s.readDaily(securityID, securityType, since, until)
}

// LatestPoint returns the most recent point at or before asOf. Equities
// search intraday files back LookbackDays days before consulting daily
// history; funds consult daily history for the current and previous year.
func (s *ParquetStore) LatestPoint(_ context.Context, securityID string, securityType domain.SecurityType, asOf time.Time) (*domain.PricePoint, error) {
	if securityType == domain.SecurityTypeEquity {
		lookback := s.LookbackDays
		if lookback <= 0 {
			lookback = DefaultLatestLookbackDays
		}
		day := truncateDay(asOf)
		for i := 0; i <= lookback; i++ {
			d := day.AddDate(0, 0, -i)
			records, err := readPriceFile(s.pointPath(securityType, s.Intraday, securityID, d))
			if err != nil {
				return nil, err
			}
			if p := latestAtOrBefore(records, asOf); p != nil {
				pt := fromRecord(*p, securityType, s.Intraday)
				return &pt, nil
			}
		}
	}

	for year := asOf.Year(); year >= asOf.Year()-1; year-- {
		records, err := readPriceFile(s.dailyPath(securityType, securityID, year))
		if err != nil {
			return nil, err
		}
		if p := latestAtOrBefore(records, asOf); p != nil {
			pt := fromRecord(*p, securityType, domain.GranularityDaily)
			return &pt, nil
		}
	}
	return nil, nil
}

// ListSecurities lists all security IDs that have data at the given
// granularity.
func (s *ParquetStore) ListSecurities(_ context.Context, securityType domain.SecurityType, g domain.Granularity) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(securityType), string(g))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// RollupDaily aggregates one day of intraday equity bars into a daily bar
// per security: first open, max high, min low, last close and summed volume.
// One-minute bars are used when present, otherwise five-minute bars. It
// returns the number of securities rolled up.
func (s *ParquetStore) RollupDaily(ctx context.Context, day time.Time) (int, error) {
	day = truncateDay(day)
	ids := make(map[string]bool)
	for _, g := range []domain.Granularity{domain.Granularity1Min, domain.Granularity5Min} {
		list, err := s.ListSecurities(ctx, domain.SecurityTypeEquity, g)
		if err != nil {
			return 0, err
		}
		for _, id := range list {
			ids[id] = true
		}
	}

	var daily []domain.PricePoint
	for id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var records []PriceRecord
		for _, g := range []domain.Granularity{domain.Granularity1Min, domain.Granularity5Min} {
			r, err := readPriceFile(s.pointPath(domain.SecurityTypeEquity, g, id, day))
			if err != nil {
				return 0, fmt.Errorf("reading %s bars for %s: %w", g, id, err)
			}
			if len(r) > 0 {
				records = r
				break
			}
		}
		if len(records) == 0 {
			continue
		}
		daily = append(daily, aggregateDay(records, day))
	}

	if err := s.WritePricePoints(ctx, daily); err != nil {
		return 0, err
	}
	return len(daily), nil
}

// RetentionPolicy controls how much history Prune keeps.
type RetentionPolicy struct {
	GranularDays     int
	EquityDailyYears int
	FundDailyYears   int
}

// DefaultRetention keeps a week of intraday bars, two years of equity daily
// bars and three years of fund NAVs.
var DefaultRetention = RetentionPolicy{GranularDays: 7, EquityDailyYears: 2, FundDailyYears: 3}

// Prune deletes price history older than the retention policy allows,
// relative to now. It returns the number of files removed or rewritten.
func (s *ParquetStore) Prune(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	today := truncateDay(now)
	touched := 0

	if policy.GranularDays > 0 {
		cutoff := today.AddDate(0, 0, -policy.GranularDays)
		for _, g := range []domain.Granularity{domain.Granularity1Min, domain.Granularity5Min} {
			ids, err := s.ListSecurities(ctx, domain.SecurityTypeEquity, g)
			if err != nil {
				return touched, err
			}
			for _, id := range ids {
				n, err := s.pruneIntradayDir(filepath.Join(s.DataDir, string(domain.SecurityTypeEquity), string(g), id), cutoff)
				touched += n
				if err != nil {
					return touched, err
				}
			}
		}
	}

	for typ, years := range map[domain.SecurityType]int{
		domain.SecurityTypeEquity: policy.EquityDailyYears,
		domain.SecurityTypeFund:   policy.FundDailyYears,
	} {
		if years <= 0 {
			continue
		}
		cutoff := today.AddDate(-years, 0, 0)
		ids, err := s.ListSecurities(ctx, typ, domain.GranularityDaily)
		if err != nil {
			return touched, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return touched, err
			}
			n, err := s.pruneDailyDir(typ, id, cutoff)
			touched += n
			if err != nil {
				return touched, err
			}
		}
	}
	return touched, nil
}

func (s *ParquetStore) pruneIntradayDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".parquet")
		d, err := time.Parse("2006-01-02", name)
		if err != nil || !d.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *ParquetStore) pruneDailyDir(typ domain.SecurityType, id string, cutoff time.Time) (int, error) {
	dir := filepath.Join(s.DataDir, string(typ), string(domain.GranularityDaily), id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, e := range entries {
		year, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".parquet"))
		if err != nil || year > cutoff.Year() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		records, err := readParquetFile[PriceRecord](path)
		if err != nil {
			return touched, fmt.Errorf("reading %s: %w", path, err)
		}
		kept := records[:0]
		for _, r := range records {
			if r.Timestamp >= cutoff.UnixMilli() {
				kept = append(kept, r)
			}
		}
		switch {
		case len(kept) == len(records):
			continue
		case len(kept) == 0:
			err = os.Remove(path)
		default:
			err = writeParquetFile(path, kept)
		}
		if err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

// ---------------------------------------------------------------------------
// Readers
// ---------------------------------------------------------------------------

func (s *ParquetStore) readIntraday(securityID string, securityType domain.SecurityType, g domain.Granularity, since, until time.Time) ([]domain.PricePoint, error) {
	var points []domain.PricePoint
	for d := truncateDay(since); !d.After(until); d = d.AddDate(0, 0, 1) {
		records, err := readPriceFile(s.pointPath(securityType, g, securityID, d))
		if err != nil {
			return nil, err
		}
		points = appendInRange(points, records, securityType, g, since, until)
	}
	return points, nil
}

func (s *ParquetStore) readDaily(securityID string, securityType domain.SecurityType, since, until time.Time) ([]domain.PricePoint, error) {
	var points []domain.PricePoint
	for year := since.Year(); year <= until.Year(); year++ {
		records, err := readPriceFile(s.dailyPath(securityType, securityID, year))
		if err != nil {
			return nil, err
		}
		points = appendInRange(points, records, securityType, domain.GranularityDaily, since, until)
	}
	return points, nil
}

func appendInRange(dst []domain.PricePoint, records []PriceRecord, securityType domain.SecurityType, g domain.Granularity, since, until time.Time) []domain.PricePoint {
	lo, hi := since.UnixMilli(), until.UnixMilli()
	for _, r := range records {
		if r.Timestamp >= lo && r.Timestamp <= hi {
			dst = append(dst, fromRecord(r, securityType, g))
		}
	}
	return dst
}

func latestAtOrBefore(records []PriceRecord, asOf time.Time) *PriceRecord {
	limit := asOf.UnixMilli()
	var best *PriceRecord
	for i := range records {
		if records[i].Timestamp > limit {
			continue
		}
		if best == nil || records[i].Timestamp > best.Timestamp {
			best = &records[i]
		}
	}
	return best
}

func aggregateDay(records []PriceRecord, day time.Time) domain.PricePoint {
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
	p := domain.PricePoint{
		SecurityID:   records[0].SecurityID,
		SecurityType: domain.SecurityTypeEquity,
		Timestamp:    day,
		Open:         records[0].Open,
		High:         records[0].High,
		Low:          records[0].Low,
		Close:        records[len(records)-1].Close,
		Granularity:  domain.GranularityDaily,
	}
	for _, r := range records {
		if r.High > p.High {
			p.High = r.High
		}
		if r.Low < p.Low {
			p.Low = r.Low
		}
		p.Volume += r.Volume
	}
	return p
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// pointPath returns the file a point belongs to: a per-year file for daily
// data, a per-day file for intraday data.
func (s *ParquetStore) pointPath(securityType domain.SecurityType, g domain.Granularity, securityID string, t time.Time) string {
	if g == domain.GranularityDaily {
		return s.dailyPath(securityType, securityID, t.UTC().Year())
	}
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(s.DataDir, string(securityType), string(g), strings.ToUpper(securityID), date+".parquet")
}

func (s *ParquetStore) dailyPath(securityType domain.SecurityType, securityID string, year int) string {
	return filepath.Join(s.DataDir, string(securityType), string(domain.GranularityDaily), strings.ToUpper(securityID), strconv.Itoa(year)+".parquet")
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// readPriceFile reads a price file, treating a missing file as empty.
func readPriceFile(path string) ([]PriceRecord, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquetFile[PriceRecord](path)
}

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

// mergePriceRecords deduplicates records by (security, timestamp), preferring
// incoming records over existing ones.
func mergePriceRecords(existing, incoming []PriceRecord) []PriceRecord {
	type key struct {
		id string
		ts int64
	}
	seen := make(map[key]PriceRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.SecurityID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.SecurityID, r.Timestamp}] = r
	}

	merged := make([]PriceRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
