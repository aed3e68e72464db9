package contracts

import (
	"sync"
	"time"
)

var (
	marketLocOnce sync.Once
	marketLoc     *time.Location
)

// MarketLocation returns America/New_York, or a fixed UTC-5 zone when tzdata is missing
func MarketLocation() *time.Location {
	marketLocOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("EST", -5*60*60)
		}
		marketLoc = loc
	})
	return marketLoc
}

// ParseExpiry reads a YYYY-MM-DD expiration date as midnight in the market's location
func ParseExpiry(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, MarketLocation())
}

// ExpiryDate truncates t to its calendar day in the market's location
func ExpiryDate(t time.Time) time.Time {
	t = t.In(MarketLocation())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, MarketLocation())
}
