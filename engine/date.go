package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// VISIT DATE - Calendar date, no time zone math
// =============================================================================

// VisitDate is a plain calendar date. Schedule captures carry dates without
// any useful time zone information, so comparisons are done on the
// normalized year/month/day only.
type VisitDate struct {
	Time time.Time
}

const visitDateLayout = "2006-01-02"

func NewVisitDate(year int, month time.Month, day int) VisitDate {
	return VisitDate{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseVisitDate parses a YYYY-MM-DD date string.
func ParseVisitDate(s string) (VisitDate, error) {
	t, err := time.Parse(visitDateLayout, s)
	if err != nil {
		return VisitDate{}, fmt.Errorf("parse visit date %q: %w", s, err)
	}
	return VisitDate{Time: t}, nil
}

// MustVisitDate is a test/fixture helper; panics on malformed input.
func MustVisitDate(s string) VisitDate {
	d, err := ParseVisitDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d VisitDate) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Comparison
func (d VisitDate) Equal(other VisitDate) bool  { return d.normalize().Equal(other.normalize()) }
func (d VisitDate) Before(other VisitDate) bool { return d.normalize().Before(other.normalize()) }
func (d VisitDate) After(other VisitDate) bool  { return d.normalize().After(other.normalize()) }
func (d VisitDate) IsZero() bool                { return d.Time.IsZero() }

func (d VisitDate) String() string {
	return d.normalize().Format(visitDateLayout)
}

// MarshalJSON encodes the date as a YYYY-MM-DD string so serialized change
// sets are byte-stable across runs.
func (d VisitDate) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *VisitDate) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("visit date: expected quoted YYYY-MM-DD, got %s", s)
	}
	parsed, err := ParseVisitDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
