// Package market_hours implements the US equities trading calendar and
// the pre-trade market-hours gate. The broker's clock is the primary
// source; the local calendar answers when the broker is unreachable.
package market_hours

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

// Regular session hours, US/Eastern
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0

	// Early-close days end at 13:00 ET
	earlyCloseHour = 13
)

// Service answers whether the US equity market is open at a given time
type Service struct {
	loc          *time.Location
	holidayCache map[int][]time.Time
	log          zerolog.Logger
}

// NewService creates the market-hours service
func NewService(log zerolog.Logger) *Service {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fixed offset fallback; only hit on hosts without tzdata
		loc = time.FixedZone("ET", -5*3600)
	}
	return &Service{
		loc:          loc,
		holidayCache: make(map[int][]time.Time),
		log:          log.With().Str("service", "market_hours").Logger(),
	}
}

// IsOpen reports whether the regular session is trading at t
func (s *Service) IsOpen(t time.Time) bool {
	et := t.In(s.loc)

	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	if s.isHoliday(et) {
		return false
	}

	open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, s.loc)
	close := time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, s.loc)
	if s.isEarlyClose(et) {
		close = time.Date(et.Year(), et.Month(), et.Day(), earlyCloseHour, 0, 0, 0, s.loc)
	}

	return !et.Before(open) && et.Before(close)
}

// NextOpen returns the next regular-session open at or after t
func (s *Service) NextOpen(t time.Time) time.Time {
	et := t.In(s.loc)
	for i := 0; i < 10; i++ {
		day := et.AddDate(0, 0, i)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday || s.isHoliday(day) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, s.loc)
		if open.After(et) || open.Equal(et) {
			return open
		}
	}
	return time.Time{}
}

// isHoliday checks the full-day market holidays
func (s *Service) isHoliday(et time.Time) bool {
	dateStr := et.Format("2006-01-02")
	for _, h := range s.holidaysForYear(et.Year()) {
		if h.Format("2006-01-02") == dateStr {
			return true
		}
	}
	return false
}

// isEarlyClose checks the 13:00 ET half days: July 3 (when a weekday),
// the day after Thanksgiving, and Christmas Eve (when a weekday).
func (s *Service) isEarlyClose(et time.Time) bool {
	if et.Month() == time.July && et.Day() == 3 && isWeekday(et) {
		return true
	}
	if et.Month() == time.December && et.Day() == 24 && isWeekday(et) {
		return true
	}
	thanksgiving := nthWeekday(et.Year(), time.November, time.Thursday, 4, s.loc)
	dayAfter := thanksgiving.AddDate(0, 0, 1)
	return et.Month() == dayAfter.Month() && et.Day() == dayAfter.Day()
}

// holidaysForYear computes the NYSE full-day holidays for a year
func (s *Service) holidaysForYear(year int) []time.Time {
	if cached, ok := s.holidayCache[year]; ok {
		return cached
	}

	holidays := []time.Time{
		observed(time.Date(year, time.January, 1, 0, 0, 0, 0, s.loc)),    // New Year's Day
		nthWeekday(year, time.January, time.Monday, 3, s.loc),            // MLK Day
		nthWeekday(year, time.February, time.Monday, 3, s.loc),           // Washington's Birthday
		goodFriday(year, s.loc),                                          // Good Friday
		lastWeekday(year, time.May, time.Monday, s.loc),                  // Memorial Day
		observed(time.Date(year, time.June, 19, 0, 0, 0, 0, s.loc)),      // Juneteenth
		observed(time.Date(year, time.July, 4, 0, 0, 0, 0, s.loc)),       // Independence Day
		nthWeekday(year, time.September, time.Monday, 1, s.loc),          // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4, s.loc),         // Thanksgiving
		observed(time.Date(year, time.December, 25, 0, 0, 0, 0, s.loc)),  // Christmas
	}

	s.holidayCache[year] = holidays
	return holidays
}

// observed shifts a fixed-date holiday onto the nearest weekday:
// Saturday observes Friday, Sunday observes Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// nthWeekday finds the nth given weekday of a month
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(weekday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday finds the last given weekday of a month
func lastWeekday(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(weekday) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// goodFriday is two days before Western Easter (Meeus/Jones/Butcher)
func goodFriday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	return easter.AddDate(0, 0, -2)
}

func isWeekday(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

// ClockSource exposes the broker's calendar view; satisfied by the
// broker adapters.
type ClockSource interface {
	GetClock(ctx context.Context) (*domain.MarketClock, error)
}

// Gate is the pre-trade market-hours check. It asks the broker's clock
// first; on failure it falls back to the local calendar. The bypass
// flag disables the gate entirely (paper runs, tests).
type Gate struct {
	clock    ClockSource
	calendar *Service
	bypass   bool
	log      zerolog.Logger
}

// NewGate creates the market-hours gate
func NewGate(clock ClockSource, calendar *Service, bypass bool, log zerolog.Logger) *Gate {
	return &Gate{
		clock:    clock,
		calendar: calendar,
		bypass:   bypass,
		log:      log.With().Str("service", "market_hours_gate").Logger(),
	}
}

// Check returns ErrMarketClosed when trading is not possible now
func (g *Gate) Check(ctx context.Context) error {
	if g.bypass {
		return nil
	}

	if g.clock != nil {
		clock, err := g.clock.GetClock(ctx)
		if err == nil {
			if clock.IsOpen {
				return nil
			}
			g.log.Info().Time("next_open", clock.NextOpen).Msg("Market closed per broker clock")
			return domain.ErrMarketClosed
		}
		g.log.Warn().Err(err).Msg("Broker clock unavailable, falling back to local calendar")
	}

	if g.calendar.IsOpen(time.Now()) {
		return nil
	}
	return domain.ErrMarketClosed
}
