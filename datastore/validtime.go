package datastore

import (
	"fmt"
	"strings"
	"time"
)

// Postgres cannot represent time.Time's full range; anything outside these
// bounds is written as the -infinity/infinity sentinels.
var (
	MinTime = time.Date(-4700, time.January, 1, 0, 0, 0, 0, time.UTC)
	MaxTime = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// ValidTime is the validity interval of a versioned entity. An interval may
// end "now", meaning it stays open until a newer version closes it.
type ValidTime struct {
	begin   time.Time
	end     time.Time
	endsNow bool
}

func ValidTimePeriod(begin, end time.Time) ValidTime {
	return ValidTime{begin: begin.Truncate(time.Second), end: end.Truncate(time.Second)}
}

func ValidTimeEndingNow(begin time.Time) ValidTime {
	return ValidTime{begin: begin.Truncate(time.Second), endsNow: true}
}

func (v ValidTime) Begin() time.Time { return v.begin }
func (v ValidTime) End() time.Time   { return v.end }
func (v ValidTime) EndsNow() bool    { return v.endsNow }
func (v ValidTime) IsZero() bool     { return !v.endsNow && v.begin.IsZero() && v.end.IsZero() }

func (v ValidTime) String() string {
	if v.endsNow {
		return fmt.Sprintf("[%s,now)", FormatTime(v.begin))
	}
	return fmt.Sprintf("[%s,%s)", FormatTime(v.begin), FormatTime(v.end))
}

// IntersectValidTime applies the valid-time intersection rule when a new
// version is added for an identifier that already has a stored version:
//
//  1. existing open-ended, new closed: the existing interval is closed using
//     the two begin times (earlier one becomes the start, later one the end).
//  2. both open-ended, or the new version is open-ended and begins before the
//     existing version's start: rejected, only one open-ended version may
//     exist and it may not be superseded retroactively.
//  3. otherwise the new version does not touch the existing one.
//
// It returns the closed interval to write back to the existing version, and
// whether such an update is needed at all.
func IntersectValidTime(existing, incoming ValidTime) (ValidTime, bool, error) {
	switch {
	case existing.EndsNow() && incoming.EndsNow():
		return ValidTime{}, false, ErrVersionOverlap

	case existing.EndsNow():
		if incoming.Begin().Before(existing.Begin()) {
			return ValidTimePeriod(incoming.Begin(), existing.Begin()), true, nil
		}
		return ValidTimePeriod(existing.Begin(), incoming.Begin()), true, nil

	case incoming.EndsNow():
		if incoming.Begin().Before(existing.Begin()) {
			return ValidTime{}, false, ErrVersionOverlap
		}
		return ValidTime{}, false, nil

	default:
		return ValidTime{}, false, nil
	}
}

// FormatTime renders a timestamp for Postgres, clamping out-of-range values
// to the -infinity/infinity sentinels.
func FormatTime(t time.Time) string {
	if !t.After(MinTime) {
		return "-infinity"
	}
	if !t.Before(MaxTime) {
		return "infinity"
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseTime is the inverse of FormatTime. It also accepts the
// "2006-01-02 15:04:05+00" form Postgres uses when casting to text.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "-infinity":
		return MinTime, nil
	case "infinity":
		return MaxTime, nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// FormatRange renders a valid-time interval as a closed tstzrange literal.
// An open-ended interval gets the infinity sentinel as its upper bound.
func FormatRange(v ValidTime) string {
	if v.IsZero() {
		return "[-infinity,infinity]"
	}
	upper := "infinity"
	if !v.EndsNow() {
		upper = FormatTime(v.End())
	}
	return "[" + FormatTime(v.Begin()) + "," + upper + "]"
}

// ParseRange parses the text form of a tstzrange column back into a
// ValidTime. An upper bound of infinity is mapped to "ends now".
func ParseRange(lower, upper string) (ValidTime, error) {
	begin, err := ParseTime(lower)
	if err != nil {
		return ValidTime{}, err
	}
	if strings.EqualFold(strings.TrimSpace(upper), "infinity") || upper == "" {
		return ValidTimeEndingNow(begin), nil
	}
	end, err := ParseTime(upper)
	if err != nil {
		return ValidTime{}, err
	}
	return ValidTimePeriod(begin, end), nil
}
