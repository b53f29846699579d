package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is an RFC 5545 dur-value ("-PT15M", "P1W", "P1DT2H").
//
// Weeks and days are kept apart from the clock part because they are applied
// as calendar days in the reference time's location, so an alarm "-P1D"
// before a 09:00 event stays at 09:00 across a DST change.
type Duration struct {
	Negative bool
	Weeks    int
	Days     int
	Clock    time.Duration
}

// ParseDuration parses an RFC 5545 duration value.
func ParseDuration(v string) (Duration, error) {
	var d Duration
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return d, fmt.Errorf("ics: empty duration")
	}

	switch s[0] {
	case '-':
		d.Negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return Duration{}, fmt.Errorf("ics: invalid duration %q", v)
	}
	s = s[1:]

	inTime := false
	units := 0
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return Duration{}, fmt.Errorf("ics: invalid duration %q", v)
			}
			inTime = true
			continue
		}

		if num == "" {
			return Duration{}, fmt.Errorf("ics: invalid duration %q", v)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return Duration{}, fmt.Errorf("ics: invalid duration %q: %w", v, err)
		}
		num = ""
		units++

		switch {
		case r == 'W' && !inTime:
			d.Weeks = n
		case r == 'D' && !inTime:
			d.Days = n
		case r == 'H' && inTime:
			d.Clock += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			d.Clock += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			d.Clock += time.Duration(n) * time.Second
		default:
			return Duration{}, fmt.Errorf("ics: invalid duration %q", v)
		}
	}
	if num != "" || units == 0 {
		return Duration{}, fmt.Errorf("ics: invalid duration %q", v)
	}

	return d, nil
}

// IsZero reports whether the duration has no length.
func (d Duration) IsZero() bool {
	return d.Weeks == 0 && d.Days == 0 && d.Clock == 0
}

// Scale multiplies every component by k.
func (d Duration) Scale(k int) Duration {
	return Duration{
		Negative: d.Negative,
		Weeks:    d.Weeks * k,
		Days:     d.Days * k,
		Clock:    d.Clock * time.Duration(k),
	}
}

// AddTo applies the duration to t.
func (d Duration) AddTo(t time.Time) time.Time {
	sign := 1
	if d.Negative {
		sign = -1
	}
	days := sign * (d.Weeks*7 + d.Days)
	out := t
	if days != 0 {
		out = out.AddDate(0, 0, days)
	}
	return out.Add(time.Duration(sign) * d.Clock)
}
