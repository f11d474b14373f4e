// Package calendar answers whether a market trades at a given instant based
// on its asset class alone, for products that carry no schedule attribute.
// Equity follows NYSE hours, fx and metal trade Sunday 17:00 through Friday
// 17:00 New York time, everything else trades around the clock.
package calendar

import (
	"strings"
	"sync"
	"time"
)

// Trading hours as minutes of the New York day.
const (
	equityOpen       = 9*60 + 30
	equityClose      = 16 * 60
	equityEarlyClose = 13 * 60
	fxMetalOpenClose = 17 * 60
)

var newYork = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("calendar: " + err.Error())
	}
	return loc
})

type day struct {
	year  int
	month time.Month
	day   int
}

// NYSE full-day holidays. Needs a yearly refresh from
// https://www.nyse.com/markets/hours-calendars.
var equityHolidays = map[day]bool{
	{2023, time.January, 2}:   true,
	{2023, time.January, 16}:  true,
	{2023, time.February, 20}: true,
	{2023, time.April, 7}:     true,
	{2023, time.May, 29}:      true,
	{2023, time.June, 19}:     true,
	{2023, time.July, 4}:      true,
	{2023, time.September, 4}: true,
	{2023, time.November, 23}: true,
	{2023, time.December, 25}: true,
}

// NYSE early-close days, trading 09:30 to 13:00.
var equityEarlyCloseDays = map[day]bool{
	{2023, time.July, 3}:      true,
	{2023, time.November, 24}: true,
}

// CBOE fx holidays, also needing a yearly refresh.
var fxMetalHolidays = map[day]bool{
	{2023, time.January, 1}:   true,
	{2023, time.December, 25}: true,
}

func dayOf(t time.Time) day {
	y, m, d := t.Date()
	return day{y, m, d}
}

func minuteOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsMarketOpen reports whether the asset class trades at the given instant.
// Asset classes are matched case-insensitively; unknown classes trade 24/7.
func IsMarketOpen(assetClass string, t time.Time) bool {
	local := t.In(newYork())
	today, minute := dayOf(local), minuteOf(local)

	switch strings.ToLower(assetClass) {
	case "equity":
		if equityEarlyCloseDays[today] {
			return minute >= equityOpen && minute <= equityEarlyClose
		}
		if equityHolidays[today] {
			return false
		}
		weekday := local.Weekday()
		if weekday == time.Saturday || weekday == time.Sunday {
			return false
		}
		return minute >= equityOpen && minute <= equityClose

	case "fx", "metal":
		if fxMetalHolidays[today] {
			return false
		}
		switch local.Weekday() {
		case time.Friday:
			return minute <= fxMetalOpenClose
		case time.Saturday:
			return false
		case time.Sunday:
			return minute >= fxMetalOpenClose
		}
		return true
	}
	return true
}

// searchDays bounds the next-open/next-close scans. No weekend and holiday
// cluster comes close to it.
const searchDays = 14

// NextMarketOpen returns the start of the next session strictly after t's
// current session, so an open market reports the open after its next close.
// ok is false for asset classes that trade around the clock. The result is
// in t's location.
func NextMarketOpen(assetClass string, t time.Time) (time.Time, bool) {
	assetClass = strings.ToLower(assetClass)
	var openMinute int
	switch assetClass {
	case "equity":
		openMinute = equityOpen
	case "fx", "metal":
		openMinute = fxMetalOpenClose
	default:
		return time.Time{}, false
	}

	cur := t.In(newYork())
	if IsMarketOpen(assetClass, cur) {
		next, ok := NextMarketClose(assetClass, t)
		if !ok {
			return time.Time{}, false
		}
		cur = next.In(newYork())
	}

	cand := atMinute(cur, openMinute)
	if !cand.After(cur) {
		cand = cand.AddDate(0, 0, 1)
	}
	for day := 0; day < searchDays; day++ {
		if IsMarketOpen(assetClass, cand) {
			return cand.In(t.Location()), true
		}
		cand = cand.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// NextMarketClose returns the next instant the asset class stops trading
// strictly after t. ok is false for asset classes that trade around the
// clock. The result is in t's location.
func NextMarketClose(assetClass string, t time.Time) (time.Time, bool) {
	local := t.In(newYork())

	switch strings.ToLower(assetClass) {
	case "equity":
		cur := local
		for i := 0; i < searchDays; i++ {
			if weekday := cur.Weekday(); weekday != time.Saturday && weekday != time.Sunday &&
				!equityHolidays[dayOf(cur)] {
				closeMinute := equityClose
				if equityEarlyCloseDays[dayOf(cur)] {
					closeMinute = equityEarlyClose
				}
				if c := atMinute(cur, closeMinute); c.After(local) {
					return c.In(t.Location()), true
				}
			}
			cur = cur.AddDate(0, 0, 1)
		}

	case "fx", "metal":
		cur := local
		for i := 0; i < searchDays; i++ {
			if cur.Weekday() == time.Friday && !fxMetalHolidays[dayOf(cur)] {
				if c := atMinute(cur, fxMetalOpenClose); c.After(local) {
					return c.In(t.Location()), true
				}
			}
			cur = cur.AddDate(0, 0, 1)
		}
	}
	return time.Time{}, false
}

// atMinute rebuilds day with the wall clock set to the given New York minute.
func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		minute/60, minute%60, 0, 0, newYork())
}
