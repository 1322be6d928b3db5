package gocycle

import (
	"fmt"
	"strconv"
	"time"
)

// MonthKey identifies one calendar month. Its canonical form is "YYYY-MM".
type MonthKey struct {
	Year  int
	Month time.Month
}

// ParseMonthKey parses a canonical "YYYY-MM" key.
func ParseMonthKey(s string) (MonthKey, error) {
	if len(s) != len(monthLayout) || s[4] != '-' || !allDigits(s[:4]) || !allDigits(s[5:]) {
		return MonthKey{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	year, _ := strconv.Atoi(s[:4])
	month, _ := strconv.Atoi(s[5:])
	k := MonthKey{Year: year, Month: time.Month(month)}
	if !k.Valid() {
		return MonthKey{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	return k, nil
}

// MustParseMonthKey is like ParseMonthKey but panics on error.
func MustParseMonthKey(s string) MonthKey {
	k, err := ParseMonthKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// MonthKeyOf returns the month containing t, using t's own location.
func MonthKeyOf(t time.Time) MonthKey {
	y, m, _ := t.Date()
	return MonthKey{Year: y, Month: m}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Valid reports whether the month lies in [1,12] and the year fits four digits.
func (k MonthKey) Valid() bool {
	return k.Month >= time.January && k.Month <= time.December && k.Year >= 0 && k.Year <= 9999
}

// IsZero reports whether k is the zero value.
func (k MonthKey) IsZero() bool {
	return k == MonthKey{}
}

func (k MonthKey) String() string {
	if k.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// Next returns the month immediately following k.
func (k MonthKey) Next() MonthKey {
	if k.Month == time.December {
		return MonthKey{Year: k.Year + 1, Month: time.January}
	}
	return MonthKey{Year: k.Year, Month: k.Month + 1}
}

// Compare returns -1, 0 or 1 in calendar order.
func (k MonthKey) Compare(other MonthKey) int {
	switch {
	case k.Year < other.Year:
		return -1
	case k.Year > other.Year:
		return 1
	case k.Month < other.Month:
		return -1
	case k.Month > other.Month:
		return 1
	}
	return 0
}

// Before reports whether k precedes other.
func (k MonthKey) Before(other MonthKey) bool {
	return k.Compare(other) < 0
}

// MarshalText encodes k as "YYYY-MM" (empty for the zero value).
func (k MonthKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes "YYYY-MM"; an empty string yields the zero value.
func (k *MonthKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = MonthKey{}
		return nil
	}
	parsed, err := ParseMonthKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
