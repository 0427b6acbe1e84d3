// Package window scopes dated records to a reporting period.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/vineyard/internal/models"
)

type Period string

const (
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYTD     Period = "ytd"
	PeriodYear    Period = "year"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodMonth, PeriodQuarter, PeriodYTD, PeriodYear:
		return p, nil
	case "":
		return PeriodYTD, nil
	default:
		return "", fmt.Errorf("unknown reporting period %q", s)
	}
}

// Window is a named reporting period anchored on a reference year.
//
// PeriodMonth and PeriodQuarter always refer to the current calendar month or
// quarter and ignore Year.
type Window struct {
	Period Period
	Year   int
}

// Dated is implemented by every operational record kind.
type Dated interface {
	DateField() string
	RecordDate() string
}

// Range returns the inclusive bounds of the window as of now.
func (w Window) Range(now time.Time) (start, end time.Time) {
	loc := now.Location()
	switch w.Period {
	case PeriodMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	case PeriodQuarter:
		first := time.Month(quarter(now.Month())*3 + 1)
		start = time.Date(now.Year(), first, 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 3, 0).Add(-time.Nanosecond)
	case PeriodYTD:
		start = time.Date(w.Year, time.January, 1, 0, 0, 0, 0, loc)
		end = now
		if yearEnd := endOfYear(w.Year, loc); end.After(yearEnd) {
			end = yearEnd
		}
		if end.Before(start) {
			// A future reference year has nothing elapsed yet.
			end = start
		}
	default:
		start = time.Date(w.Year, time.January, 1, 0, 0, 0, 0, loc)
		end = endOfYear(w.Year, loc)
	}
	return start, end
}

// Contains reports whether a record date falls inside the window.
func (w Window) Contains(t time.Time, now time.Time) bool {
	switch w.Period {
	case PeriodMonth:
		return t.Year() == now.Year() && t.Month() == now.Month()
	case PeriodQuarter:
		return t.Year() == now.Year() && quarter(t.Month()) == quarter(now.Month())
	case PeriodYTD:
		if t.Year() != w.Year {
			return false
		}
		return !dayOf(t).After(dayOf(now))
	default:
		return t.Year() == w.Year
	}
}

// Filter returns the records whose date falls inside the window. Records with
// a missing or unparseable date are dropped. The input is never modified.
func Filter[T Dated](records []T, w Window, now time.Time) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		t, ok := models.ParseDate(r.RecordDate())
		if !ok {
			continue
		}
		if w.Contains(t, now) {
			out = append(out, r)
		}
	}
	return out
}

// InMonth returns the records dated in the given month of year.
func InMonth[T Dated](records []T, year int, month time.Month) []T {
	var out []T
	for _, r := range records {
		t, ok := models.ParseDate(r.RecordDate())
		if !ok {
			continue
		}
		if t.Year() == year && t.Month() == month {
			out = append(out, r)
		}
	}
	return out
}

func (w Window) String() string {
	return fmt.Sprintf("%s/%d", w.Period, w.Year)
}

func quarter(m time.Month) int {
	return (int(m) - 1) / 3
}

func endOfYear(year int, loc *time.Location) time.Time {
	return time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
}

// dayOf truncates to the calendar day so that date-only records dated today
// are inside a YTD window.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
