package job

import (
	"strings"
	"time"

	"github.com/observatorio-andes/snowflow/errors"
)

// Type is an immutable descriptor of a recurring job. Types are loaded from
// the catalog at startup and never mutated afterwards.
type Type struct {
	// Name uniquely identifies the job type, e.g. "snow_monthly".
	Name string

	// Cadence decides when a new run is due relative to the last completed one.
	Cadence Cadence

	// Params is the JSON parameter template submitted with every run.
	Params []byte

	// MaxAttempts bounds how many records may be created for one logical run.
	MaxAttempts int

	// Backoff is the minimum delay before a retry record is submitted.
	Backoff time.Duration

	// Timeout bounds how long a submitted task may run before it is abandoned.
	Timeout time.Duration
}

// Cadence is a recurrence rule: daily, weekly, monthly, or a fixed interval
// ("every 6h"). Calendar cadences compare calendar units in the configured
// timezone, so a run completed at 23:50 still makes the next day due.
type Cadence struct {
	unit     string // "daily", "weekly", "monthly", or "interval"
	interval time.Duration
}

// ParseCadence parses a cadence expression from the job catalog.
// Accepted forms: "daily", "weekly", "monthly", "every <duration>".
func ParseCadence(s string) (Cadence, error) {
	switch expr := strings.TrimSpace(strings.ToLower(s)); {
	case expr == "daily" || expr == "weekly" || expr == "monthly":
		return Cadence{unit: expr}, nil
	case strings.HasPrefix(expr, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "every ")))
		if err != nil {
			return Cadence{}, errors.Wrapf(err, "invalid cadence interval %q", s)
		}
		if d <= 0 {
			return Cadence{}, errors.Newf("cadence interval must be positive: %q", s)
		}
		return Cadence{unit: "interval", interval: d}, nil
	default:
		return Cadence{}, errors.Newf("unrecognized cadence %q (want daily, weekly, monthly, or \"every <duration>\")", s)
	}
}

// String returns the catalog form of the cadence.
func (c Cadence) String() string {
	if c.unit == "interval" {
		return "every " + c.interval.String()
	}
	return c.unit
}

// Due reports whether a new run is due at now, given the completion time of
// the last succeeded run. A job type with no completed run is always due.
func (c Cadence) Due(lastCompleted *time.Time, now time.Time, loc *time.Location) bool {
	if lastCompleted == nil {
		return true
	}
	if loc == nil {
		loc = time.UTC
	}
	last := lastCompleted.In(loc)
	cur := now.In(loc)

	switch c.unit {
	case "daily":
		ly, lm, ld := last.Date()
		cy, cm, cd := cur.Date()
		return cy > ly || (cy == ly && (cm > lm || (cm == lm && cd > ld)))
	case "weekly":
		ly, lw := last.ISOWeek()
		cy, cw := cur.ISOWeek()
		return cy > ly || (cy == ly && cw > lw)
	case "monthly":
		ly, lm, _ := last.Date()
		cy, cm, _ := cur.Date()
		return cy > ly || (cy == ly && cm > lm)
	case "interval":
		return cur.Sub(last) >= c.interval
	}
	return false
}
