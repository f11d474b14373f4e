// Package schedule parses and evaluates Pyth market schedule strings of the
// form "Timezone;WeeklySchedule;Holidays", which describe when a product's
// underlying market trades.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// timeRange is one trading session as HHMM strings, inclusive of the start
// and exclusive of the end. 2400 marks midnight at the end of the day.
type timeRange struct {
	start string
	end   string
}

// dailySchedule lists a day's trading sessions sorted by start time. An
// empty schedule means the market is closed all day.
type dailySchedule []timeRange

// Schedule is a parsed market schedule: a weekly pattern (Monday first) plus
// date-keyed holiday overrides, evaluated in the market's timezone.
type Schedule struct {
	loc      *time.Location
	weekly   [7]dailySchedule
	holidays map[string]dailySchedule
}

// Parse parses a schedule string such as
// "America/New_York;O,O,O,O,O,O,O;1225/C,0101/0900-1300".
func Parse(s string) (*Schedule, error) {
	parts := strings.Split(s, ";")
	if len(parts) < 2 {
		return nil, fmt.Errorf("schedule must contain at least timezone and weekly schedule")
	}

	loc, err := time.LoadLocation(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q", parts[0])
	}

	days := strings.Split(parts[1], ",")
	if len(days) != 7 {
		return nil, fmt.Errorf("weekly schedule must contain exactly 7 days")
	}
	sched := &Schedule{loc: loc, holidays: map[string]dailySchedule{}}
	for i, day := range days {
		daily, err := parseDailySchedule(day)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule format: %s", day)
		}
		sched.weekly[i] = daily
	}

	if len(parts) > 2 && parts[2] != "" {
		for _, holiday := range strings.Split(parts[2], ",") {
			if holiday == "" {
				continue
			}
			date, daySched, ok := strings.Cut(holiday, "/")
			if !ok {
				return nil, fmt.Errorf("invalid holiday format: %s", holiday)
			}
			daily, err := parseDailySchedule(daySched)
			if err != nil {
				return nil, fmt.Errorf("invalid schedule format: %s", daySched)
			}
			sched.holidays[date] = daily
		}
	}
	return sched, nil
}

// parseDailySchedule parses "O", "C", or "&"-joined HHMM-HHMM ranges.
func parseDailySchedule(s string) (dailySchedule, error) {
	switch s {
	case "O":
		return dailySchedule{{"0000", "2400"}}, nil
	case "C":
		return dailySchedule{}, nil
	}
	var ranges dailySchedule
	for _, r := range strings.Split(s, "&") {
		start, end, ok := strings.Cut(r, "-")
		if !ok || !validTime(start, false) || !validTime(end, true) {
			return nil, fmt.Errorf("invalid time range %q", r)
		}
		ranges = append(ranges, timeRange{start, end})
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].start < ranges[j].start
	})
	return ranges, nil
}

func validTime(t string, allowMidnight bool) bool {
	if allowMidnight && t == "2400" {
		return true
	}
	if len(t) != 4 {
		return false
	}
	for _, c := range t {
		if c < '0' || c > '9' {
			return false
		}
	}
	hour := (t[0]-'0')*10 + (t[1] - '0')
	minute := (t[2]-'0')*10 + (t[3] - '0')
	return hour <= 23 && minute <= 59
}

// rangesFor returns the day's sessions, with holiday overrides taking
// precedence over the weekly pattern.
func (s *Schedule) rangesFor(local time.Time) dailySchedule {
	if daily, ok := s.holidays[local.Format("0102")]; ok {
		return daily
	}
	// The weekly schedule starts on Monday.
	return s.weekly[(int(local.Weekday())+6)%7]
}

// IsOpen reports whether the market trades at the given instant.
func (s *Schedule) IsOpen(t time.Time) bool {
	local := t.In(s.loc)
	now := local.Format("1504")
	for _, r := range s.rangesFor(local) {
		if r.start <= now && now < r.end {
			return true
		}
	}
	return false
}

// NextOpen returns the next time the market opens strictly after t leaves
// its current session, looking ahead 14 days. ok is false when no further
// open exists in that window, e.g. for an always-open market. The result is
// in t's location.
func (s *Schedule) NextOpen(t time.Time) (time.Time, bool) {
	current := t.In(s.loc)

	// Tracks whether we are still inside the session that contained t, so a
	// session spanning t does not count as the "next" open.
	inInitialSession := true

	for day := 0; day < 14; day++ {
		now := current.Format("1504")
		for _, r := range s.rangesFor(current) {
			if r.end < now {
				continue
			}
			if (r.start < now && now < r.end) || (inInitialSession && r.start <= now && now < r.end) {
				continue
			}
			inInitialSession = false
			if now < r.start {
				return at(current, r.start, s.loc).In(t.Location()), true
			}
		}

		current = midnightAfter(current, s.loc)
		// A session can begin exactly at the day rollover.
		if s.IsOpen(current) && !s.IsOpen(current.Add(-time.Minute)) {
			return current.In(t.Location()), true
		}
	}
	return time.Time{}, false
}

// NextClose returns the next time the market closes strictly after t,
// looking ahead 14 days. ok is false when no close exists in that window.
// The result is in t's location.
func (s *Schedule) NextClose(t time.Time) (time.Time, bool) {
	current := t.In(s.loc)

	for day := 0; day < 14; day++ {
		now := current.Format("1504")
		for _, r := range s.rangesFor(current) {
			if r.end <= now {
				continue
			}
			// A session ending at 2400 closes at the day rollover below.
			if now < r.end && r.end < "2400" {
				return at(current, r.end, s.loc).In(t.Location()), true
			}
		}

		current = midnightAfter(current, s.loc)
		// A session can end exactly at the day rollover.
		if !s.IsOpen(current) && s.IsOpen(current.Add(-time.Minute)) {
			return current.In(t.Location()), true
		}
	}
	return time.Time{}, false
}

// at rebuilds day with the wall clock set to the HHMM string.
func at(day time.Time, hhmm string, loc *time.Location) time.Time {
	hour := int(hhmm[0]-'0')*10 + int(hhmm[1]-'0')
	minute := int(hhmm[2]-'0')*10 + int(hhmm[3]-'0')
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
}

func midnightAfter(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
}
