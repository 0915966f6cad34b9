package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	bad := errors.New("bad request")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(bad)
	})

	if !errors.Is(err, bad) {
		t.Fatalf("Retry returned %v, want %v", err, bad)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry returned %v, want context.Canceled", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Date(2024, 6, 17, 9, 30, 0, 0, time.UTC)
	rl.lastTime = now
	rl.now = func() time.Time { return now }

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst of 2 should allow two immediate calls")
	}
	if rl.Allow() {
		t.Fatal("third call should be limited")
	}

	now = now.Add(time.Second)
	if !rl.Allow() {
		t.Error("one token should refill after a second at 60/min")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait returned %v, want context.Canceled", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "order", "o1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"order":"o1"`) {
		t.Errorf("missing attribute in %s", out)
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("pass", "orders", 3)
	if !strings.Contains(buf.String(), "orders=3") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTradingCalendar(t *testing.T) {
	cal, err := NewTradingCalendar([]string{"2024-07-04"}, nil)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		day  string
		want bool
	}{
		{"2024-07-03", true},
		{"2024-07-04", false}, // holiday
		{"2024-07-06", false}, // Saturday
		{"2024-07-07", false}, // Sunday
		{"2024-07-08", true},
	}
	for _, tt := range tests {
		d, _ := time.Parse(dateLayout, tt.day)
		got, err := cal.IsTradingDay(ctx, d.Add(15*time.Hour))
		if err != nil {
			t.Fatalf("IsTradingDay(%s): %v", tt.day, err)
		}
		if got != tt.want {
			t.Errorf("IsTradingDay(%s) = %v, want %v", tt.day, got, tt.want)
		}
	}
}

func TestTradingCalendarBadHoliday(t *testing.T) {
	if _, err := NewTradingCalendar([]string{"07/04/2024"}, nil); err == nil {
		t.Fatal("expected error for malformed holiday")
	}
}

func TestTradingCalendarPrevNext(t *testing.T) {
	cal, _ := NewTradingCalendar([]string{"2024-07-04"}, nil)
	mon := time.Date(2024, 7, 8, 10, 0, 0, 0, time.UTC)
	fri := time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC)
	wed := time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC)

	if got := cal.PrevTradingDay(mon); !got.Equal(fri) {
		t.Errorf("PrevTradingDay(Mon) = %v, want %v", got, fri)
	}
	if got := cal.PrevTradingDay(fri); !got.Equal(wed) {
		t.Errorf("PrevTradingDay(Fri after holiday) = %v, want %v", got, wed)
	}
	if got := cal.NextTradingDay(wed); !got.Equal(fri) {
		t.Errorf("NextTradingDay(Wed before holiday) = %v, want %v", got, fri)
	}
	if got := cal.NextTradingDay(fri); !got.Equal(time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextTradingDay(Fri) = %v", got)
	}
}

type fakeCalendarSource struct {
	days  []alpaca.CalendarDay
	err   error
	calls int
}

func (f *fakeCalendarSource) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calls++
	return f.days, f.err
}

func TestAlpacaCalendarCachesMonth(t *testing.T) {
	src := &fakeCalendarSource{days: []alpaca.CalendarDay{{Date: "2024-07-03"}, {Date: "2024-07-05"}}}
	cal, err := NewAlpacaCalendar(src, nil, nil)
	if err != nil {
		t.Fatalf("NewAlpacaCalendar: %v", err)
	}
	ctx := context.Background()

	// 16:00 UTC is midday in New York.
	open, err := cal.IsTradingDay(ctx, time.Date(2024, 7, 3, 16, 0, 0, 0, time.UTC))
	if err != nil || !open {
		t.Fatalf("2024-07-03: open=%v err=%v", open, err)
	}
	open, err = cal.IsTradingDay(ctx, time.Date(2024, 7, 4, 16, 0, 0, 0, time.UTC))
	if err != nil || open {
		t.Fatalf("2024-07-04: open=%v err=%v", open, err)
	}
	if src.calls != 1 {
		t.Errorf("GetCalendar called %d times, want 1", src.calls)
	}
}

func TestAlpacaCalendarFallback(t *testing.T) {
	src := &fakeCalendarSource{err: errors.New("unauthorized")}
	static, _ := NewTradingCalendar(nil, nil)
	cal, _ := NewAlpacaCalendar(src, static, nil)
	cal.retryDelay = 0

	open, err := cal.IsTradingDay(context.Background(), time.Date(2024, 7, 4, 16, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsTradingDay: %v", err)
	}
	if !open {
		t.Error("static fallback without holidays should treat Thursday as open")
	}
	if src.calls != 3 {
		t.Errorf("GetCalendar called %d times, want 3", src.calls)
	}

	noFallback, _ := NewAlpacaCalendar(src, nil, nil)
	noFallback.retryDelay = 0
	if _, err := noFallback.IsTradingDay(context.Background(), time.Now()); err == nil {
		t.Error("expected error without fallback")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("16:30")
	if err != nil || h != 16 || m != 30 {
		t.Fatalf("ParseClock = %d, %d, %v", h, m, err)
	}
	if _, _, err := ParseClock("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
}

func TestNextRun(t *testing.T) {
	before := time.Date(2024, 6, 17, 10, 0, 0, 0, time.UTC)
	if got, want := NextRun(before, 16, 30), time.Date(2024, 6, 17, 16, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun before = %v, want %v", got, want)
	}
	at := time.Date(2024, 6, 17, 16, 30, 0, 0, time.UTC)
	if got, want := NextRun(at, 16, 30), time.Date(2024, 6, 18, 16, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun at = %v, want %v", got, want)
	}
}
