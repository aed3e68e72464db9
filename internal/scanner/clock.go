package scanner

import (
	"fmt"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
)

const (
	yearDuration = 365 * 24 * time.Hour

	openHour, openMinute   = 9, 30
	closeHour, closeMinute = 16, 0
	preMarketHour          = 4
	afterHoursEndHour      = 20
)

// Plan is what one scan targets, fixed at scan start
type Plan struct {
	Mode         contracts.ScanMode     `json:"mode"`
	Now          time.Time              `json:"now"`
	Expiry       time.Time              `json:"expiry"` // calendar day in the exchange timezone
	ExitAt       time.Time              `json:"exit_at"`
	T            float64                `json:"t_years"` // wall-clock gap to ExitAt in years
	DTE          int                    `json:"dte"`
	MarketStatus contracts.MarketStatus `json:"market_status"`
}

// Clock turns wall-clock time into a scan plan in the exchange timezone
type Clock struct {
	loc         *time.Location
	cutoffHour  int
	sameDayExit [2]int
	nextDayExit [2]int
}

// NewClock reads the cutoff and exit times from the scanner config
func NewClock(cfg config.ScannerConfig) (*Clock, error) {
	loc := contracts.MarketLocation()
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
		}
		loc = l
	}

	c := &Clock{loc: loc, cutoffHour: cfg.CutoffHour}
	var err error
	if c.sameDayExit[0], c.sameDayExit[1], err = config.ParseClock(cfg.SameDayExit); err != nil {
		return nil, err
	}
	if c.nextDayExit[0], c.nextDayExit[1], err = config.ParseClock(cfg.NextDayExit); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultClock is 14:00 cutoff, 15:45 same-day exit and 09:45 next-day exit in New York
func DefaultClock() *Clock {
	return &Clock{
		loc:         contracts.MarketLocation(),
		cutoffHour:  14,
		sameDayExit: [2]int{15, 45},
		nextDayExit: [2]int{9, 45},
	}
}

// Location is the exchange timezone
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Plan picks same-day before the cutoff on a trading day and next-day otherwise
func (c *Clock) Plan(now time.Time) Plan {
	local := now.In(c.loc)
	today := c.day(local)

	p := Plan{Now: now, MarketStatus: c.Status(now)}
	if isTradingDay(today) && local.Hour() < c.cutoffHour {
		p.Mode = contracts.ModeSameDay
		p.Expiry = today
		p.ExitAt = c.at(today, c.sameDayExit)
	} else {
		next := NextTradingDay(today)
		p.Mode = contracts.ModeNextDay
		p.Expiry = next
		p.ExitAt = c.at(next, c.nextDayExit)
	}

	p.T = YearsUntil(now, p.ExitAt)
	p.DTE = int(p.Expiry.Sub(today).Hours()/24 + 0.5)
	return p
}

// Status reports the exchange session at now; holidays are not modelled
func (c *Clock) Status(now time.Time) contracts.MarketStatus {
	local := now.In(c.loc)
	if !isTradingDay(local) {
		return contracts.MarketClosed
	}
	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= openHour*60+openMinute && minutes < closeHour*60+closeMinute:
		return contracts.MarketOpen
	case minutes >= preMarketHour*60 && minutes < openHour*60+openMinute:
		return contracts.MarketPreMarket
	case minutes >= closeHour*60+closeMinute && minutes < afterHoursEndHour*60:
		return contracts.MarketAfterHours
	default:
		return contracts.MarketClosed
	}
}

// ExpiryClose is the 16:00 exchange close on an expiry day
func (c *Clock) ExpiryClose(expiry time.Time) time.Time {
	return c.at(c.day(expiry.In(c.loc)), [2]int{closeHour, closeMinute})
}

func (c *Clock) day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

func (c *Clock) at(day time.Time, hm [2]int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hm[0], hm[1], 0, 0, c.loc)
}

// NextTradingDay returns the next weekday after day
func NextTradingDay(day time.Time) time.Time {
	next := day.AddDate(0, 0, 1)
	for !isTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func isTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// YearsUntil is the gap from now to t in years, floored at zero
func YearsUntil(now, t time.Time) float64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(yearDuration)
}
