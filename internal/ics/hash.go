package ics

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// hashSeparator joins serialized properties before digesting. Changing it,
// or the property sets fed in by the parser, invalidates every stored hash.
const hashSeparator = "::"

// EventHash fingerprints the schedule-defining properties of an event
// (DTSTART, DTEND, DURATION, RECURRENCE-ID, RRULE, EXDATE, RDATE), in that
// order, each serialized as a content line.
func EventHash(lines []string) string {
	return digest(lines)
}

// AlarmHash fingerprints an alarm's configuration (ACTION, TRIGGER,
// DURATION, REPEAT, ATTENDEE). Identical alarms hash identically across all
// occurrences of a series.
func AlarmHash(lines []string) string {
	return digest(lines)
}

func digest(lines []string) string {
	sum := md5.Sum([]byte(strings.Join(lines, hashSeparator)))
	return hex.EncodeToString(sum[:])
}

// serializeProperty renders p as a content line terminated by CRLF, with
// parameters sorted by name so the result does not depend on map order.
func serializeProperty(p *ical.IANAProperty) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(p.IANAToken))

	keys := make([]string, 0, len(p.ICalParameters))
	for k := range p.ICalParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString(";")
		b.WriteString(strings.ToUpper(k))
		b.WriteString("=")
		for i, v := range p.ICalParameters[k] {
			if i > 0 {
				b.WriteString(",")
			}
			if strings.ContainsAny(v, ":;,") {
				v = `"` + v + `"`
			}
			b.WriteString(v)
		}
	}

	b.WriteString(":")
	b.WriteString(p.Value)
	b.WriteString("\r\n")
	return b.String()
}
