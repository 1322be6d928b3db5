package gocycle

import (
	"fmt"
	"time"
)

// DefaultTimezone is the business's operating timezone. Every weekday and
// "today" decision is made in this zone regardless of the host's local time.
const DefaultTimezone = "Africa/Johannesburg"

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

var (
	defaultLocation = loadLocation(DefaultTimezone)
	defaultCalendar = NewCalendar(defaultLocation)
)

// loadLocation resolves name, falling back to a fixed UTC+2 zone for the
// default timezone when tzdata is missing. South Africa observes no DST.
func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("SAST", 2*60*60)
	}
	return loc
}

// BusinessLocation returns the location of DefaultTimezone.
func BusinessLocation() *time.Location {
	return defaultLocation
}

// Calendar resolves Mondays, delivery dates and invoice previews in a fixed location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar creates a Calendar anchored to loc (nil means BusinessLocation).
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = BusinessLocation()
	}
	return &Calendar{loc: loc}
}

// DefaultCalendar returns the calendar anchored to BusinessLocation.
func DefaultCalendar() *Calendar {
	return defaultCalendar
}

// Location returns the calendar's reference location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Today projects t into the calendar's location and returns its month key and
// ISO date.
func (c *Calendar) Today(t time.Time) (MonthKey, string) {
	local := t.In(c.loc)
	return MonthKeyOf(local), local.Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD date at midnight in the calendar's location.
func (c *Calendar) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// MondaysIn lists every Monday of month k in ascending order as YYYY-MM-DD.
// An invalid month yields nil.
func (c *Calendar) MondaysIn(k MonthKey) []string {
	if !k.Valid() {
		return nil
	}

	// Noon avoids any chance of a zone transition moving the civil date.
	first := time.Date(k.Year, k.Month, 1, 12, 0, 0, 0, c.loc)
	offset := (int(time.Monday) - int(first.Weekday()) + 7) % 7

	mondays := make([]string, 0, 5)
	for d := first.AddDate(0, 0, offset); d.Month() == k.Month; d = d.AddDate(0, 0, 7) {
		mondays = append(mondays, d.Format(dateLayout))
	}
	return mondays
}

// NextCycleBoundary returns the first month whose cycle starts after today.
// Delivery preference changes take effect from this month.
func (c *Calendar) NextCycleBoundary(today time.Time) MonthKey {
	current, _ := c.Today(today)
	return current.Next()
}

// ListMondaysInMonth lists the Mondays of a "YYYY-MM" month in the business
// timezone. Unparsable input yields an empty list.
func ListMondaysInMonth(monthKey string) []string {
	k, err := ParseMonthKey(monthKey)
	if err != nil {
		return nil
	}
	return defaultCalendar.MondaysIn(k)
}
