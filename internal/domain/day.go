package domain

import (
	"fmt"
	"time"
)

// DayOf returns the UTC calendar day containing t
func DayOf(t time.Time) Day {
	u := t.UTC()
	return Day{Year: u.Year(), Month: int(u.Month()), Day: u.Day()}
}

// ParseDay parses a YYYY-MM-DD string into a Day
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("%w: bad day %q", ErrInvalidTransaction, s)
	}
	return DayOf(t), nil
}

func formatDay(d Day) string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}
