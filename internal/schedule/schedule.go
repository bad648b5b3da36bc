// Package schedule parses the recurrence rules of scheduled workflows.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

var ErrInvalid = errors.New("invalid schedule")

// Spec is the stored form of a recurrence rule.
type Spec struct {
	Kind     string `json:"kind"`
	Cron     string `json:"cron,omitempty"`
	Interval string `json:"interval,omitempty"`
	At       string `json:"at,omitempty"`
}

// Parse accepts a stored JSON spec, "@every <duration>", an RFC 3339
// timestamp for a one-off run, or a plain cron expression.
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	var s Spec
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	case strings.HasPrefix(raw, "@every "):
		s = Spec{Kind: KindInterval, Interval: strings.TrimSpace(strings.TrimPrefix(raw, "@every "))}
	default:
		if _, err := time.Parse(time.RFC3339, raw); err == nil {
			s = Spec{Kind: KindOnce, At: raw}
		} else {
			s = Spec{Kind: KindCron, Cron: raw}
		}
	}
	return s, s.Validate()
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.Cron) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalid, s.Cron)
		}
	case KindInterval:
		d, err := time.ParseDuration(s.Interval)
		if err != nil || d < time.Second {
			return fmt.Errorf("%w: interval must be a duration of at least 1s", ErrInvalid)
		}
	case KindOnce:
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrInvalid, s.At)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// Encode returns the JSON stored in the schedules table.
func (s Spec) Encode() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Next returns the first run strictly after ref. ok is false when the
// rule never fires again.
func (s Spec) Next(ref time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.Cron, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		d, err := time.ParseDuration(s.Interval)
		if err != nil || d <= 0 {
			return time.Time{}, false
		}
		return ref.Add(d), true
	case KindOnce:
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !at.After(ref) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// NextRun is Next for a stored spec, nil when it never fires again.
func NextRun(raw string, ref time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(ref)
	if !ok {
		return nil
	}
	return &next
}

// Describe renders a short human-readable form.
func (s Spec) Describe() string {
	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.Cron, "@") {
			return s.Cron
		}
		return "cron " + s.Cron
	case KindInterval:
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return s.Interval
		}
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			return plural(int(d/time.Hour), "hour")
		case d >= time.Minute && d%time.Minute == 0:
			return plural(int(d/time.Minute), "minute")
		default:
			return "every " + d.String()
		}
	case KindOnce:
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return s.At
		}
		return "once at " + at.Format("Jan 2 15:04 MST")
	}
	return s.Kind
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}
