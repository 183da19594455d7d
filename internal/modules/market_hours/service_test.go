package market_hours

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(zerolog.New(nil).Level(zerolog.Disabled))
}

func etTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func TestIsOpen_RegularSession(t *testing.T) {
	s := newService(t)

	testCases := []struct {
		name string
		at   string
		open bool
	}{
		{"midday Tuesday", "2026-03-10 12:00", true},
		{"at the open", "2026-03-10 09:30", true},
		{"before the open", "2026-03-10 09:29", false},
		{"at the close", "2026-03-10 16:00", false},
		{"just before close", "2026-03-10 15:59", true},
		{"Saturday", "2026-03-14 12:00", false},
		{"Sunday", "2026-03-15 12:00", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, s.IsOpen(etTime(t, tc.at)))
		})
	}
}

func TestIsOpen_Holidays(t *testing.T) {
	s := newService(t)

	testCases := []struct {
		name string
		at   string
	}{
		{"New Year's Day 2026", "2026-01-01 12:00"},
		{"MLK Day 2026", "2026-01-19 12:00"},
		{"Good Friday 2026", "2026-04-03 12:00"},
		{"Memorial Day 2026", "2026-05-25 12:00"},
		{"Juneteenth 2026", "2026-06-19 12:00"},
		{"Independence Day 2025 observed Friday", "2025-07-04 12:00"},
		{"Labor Day 2026", "2026-09-07 12:00"},
		{"Thanksgiving 2026", "2026-11-26 12:00"},
		{"Christmas 2026", "2026-12-25 12:00"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, s.IsOpen(etTime(t, tc.at)))
		})
	}
}

func TestIsOpen_EarlyClose(t *testing.T) {
	s := newService(t)

	// Day after Thanksgiving 2026 closes at 13:00 ET
	assert.True(t, s.IsOpen(etTime(t, "2026-11-27 12:30")))
	assert.False(t, s.IsOpen(etTime(t, "2026-11-27 13:30")))

	// Christmas Eve 2026 falls on a Thursday
	assert.True(t, s.IsOpen(etTime(t, "2026-12-24 10:00")))
	assert.False(t, s.IsOpen(etTime(t, "2026-12-24 14:00")))
}

func TestNextOpen_SkipsWeekend(t *testing.T) {
	s := newService(t)

	// Friday after the close rolls to Monday 09:30
	next := s.NextOpen(etTime(t, "2026-03-13 17:00"))
	assert.Equal(t, etTime(t, "2026-03-16 09:30"), next)
}

type fakeClock struct {
	clock *domain.MarketClock
	err   error
}

func (f *fakeClock) GetClock(_ context.Context) (*domain.MarketClock, error) {
	return f.clock, f.err
}

func TestGate_PrefersBrokerClock(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	calendar := NewService(log)

	gate := NewGate(&fakeClock{clock: &domain.MarketClock{IsOpen: true}}, calendar, false, log)
	assert.NoError(t, gate.Check(context.Background()))

	gate = NewGate(&fakeClock{clock: &domain.MarketClock{IsOpen: false}}, calendar, false, log)
	assert.ErrorIs(t, gate.Check(context.Background()), domain.ErrMarketClosed)
}

func TestGate_BypassSkipsCheck(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	gate := NewGate(&fakeClock{clock: &domain.MarketClock{IsOpen: false}}, NewService(log), true, log)
	assert.NoError(t, gate.Check(context.Background()))
}

func TestGate_FallsBackToCalendar(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	gate := NewGate(&fakeClock{err: assert.AnError}, NewService(log), false, log)

	// The calendar decides; either answer is fine, but no error other
	// than ErrMarketClosed may surface.
	err := gate.Check(context.Background())
	if err != nil {
		assert.ErrorIs(t, err, domain.ErrMarketClosed)
	}
}
