package util

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// CalendarSource is the subset of the Alpaca trading client used for the
// market calendar.
type CalendarSource interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaCalendar answers IsTradingDay from the Alpaca calendar API. Results
// are fetched a month at a time and cached. When the API cannot be reached
// the static fallback calendar decides.
type AlpacaCalendar struct {
	source   CalendarSource
	fallback *TradingCalendar
	limiter  *RateLimiter
	logger   *slog.Logger
	loc      *time.Location

	retryDelay time.Duration

	mu     sync.Mutex
	months map[string]map[string]bool // "2006-01" -> open days
}

// NewAlpacaClient creates an Alpaca trading client for the calendar.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// NewAlpacaCalendar creates an AlpacaCalendar. Days are evaluated in
// America/New_York.
func NewAlpacaCalendar(source CalendarSource, fallback *TradingCalendar, logger *slog.Logger) (*AlpacaCalendar, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlpacaCalendar{
		source:   source,
		fallback: fallback,
		limiter:  NewRateLimiter(120, 5),
		logger:   logger,
		loc:      et,

		retryDelay: 500 * time.Millisecond,
		months:     make(map[string]map[string]bool),
	}, nil
}

// IsTradingDay reports whether the market is scheduled to open on day.
func (c *AlpacaCalendar) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	d := day.In(c.loc)
	open, err := c.month(ctx, d)
	if err != nil {
		if c.fallback == nil {
			return false, err
		}
		c.logger.Warn("alpaca calendar unavailable, using static calendar", "date", d.Format(dateLayout), "error", err)
		return c.fallback.IsTradingDay(ctx, day)
	}
	return open[d.Format(dateLayout)], nil
}

func (c *AlpacaCalendar) month(ctx context.Context, d time.Time) (map[string]bool, error) {
	key := d.Format("2006-01")
	c.mu.Lock()
	open, ok := c.months[key]
	c.mu.Unlock()
	if ok {
		return open, nil
	}

	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 1, -1)
	var days []alpaca.CalendarDay
	err := Retry(ctx, 3, c.retryDelay, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}
		var err error
		days, err = c.source.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar %s: %w", key, err)
	}

	open = make(map[string]bool, len(days))
	for _, day := range days {
		open[day.Date] = true
	}
	c.mu.Lock()
	c.months[key] = open
	c.mu.Unlock()
	c.logger.Debug("alpaca calendar loaded", "month", key, "trading_days", len(open))
	return open, nil
}
