package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"trendlab/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, nil, func() error {
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

	err := Retry(context.Background(), maxAttempts, 0, nil, func() error {
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

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	attempts := 0

	err := Retry(context.Background(), 5, 0, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("Retry error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiterBurst(60, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait after cancel = %v, want context.Canceled", err)
	}
}

func TestSessionCalendar(t *testing.T) {
	daily, err := NewSessionCalendar(domain.TimeframeDaily)
	if err != nil {
		t.Fatalf("NewSessionCalendar(1d): %v", err)
	}
	if daily.Intraday() {
		t.Error("daily calendar reported intraday")
	}
	if daily.SessionsPerYear() != 252 {
		t.Errorf("daily SessionsPerYear = %v, want 252", daily.SessionsPerYear())
	}

	fiveMin, err := NewSessionCalendar(domain.Timeframe5Min)
	if err != nil {
		t.Fatalf("NewSessionCalendar(5m): %v", err)
	}
	if got := fiveMin.SessionsPerYear(); got != 252*78 {
		t.Errorf("5m SessionsPerYear = %v, want %v", got, 252*78)
	}
	if !fiveMin.Aligned(time.Date(2024, 3, 1, 14, 35, 0, 0, time.UTC)) {
		t.Error("14:35 should be aligned on the 5m grid")
	}
	if fiveMin.Aligned(time.Date(2024, 3, 1, 14, 36, 0, 0, time.UTC)) {
		t.Error("14:36 should not be aligned on the 5m grid")
	}

	if _, err := NewSessionCalendar("7d"); !errors.Is(err, ErrNoCalendar) {
		t.Errorf("NewSessionCalendar(7d) error = %v, want ErrNoCalendar", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "debug", "text")
	logger.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text logger output %q missing k=v", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
