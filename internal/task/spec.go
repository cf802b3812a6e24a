package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 2 * * *" (optional seconds), "@daily", "@every 30s"
//   - Go duration: "30s", "1h30m"
//   - HH:MM interval: "00:05" (5 minutes), "24:00" (daily)
//
// The prefixes "cron:" and "every:" force one interpretation.
type Spec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	Raw   string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses and validates a schedule string.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: SpecInterval, Every: d, Raw: raw}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(raw, s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '30s')", raw)
	}
	return Spec{Kind: SpecInterval, Every: d, Raw: raw}, nil
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: expr, Raw: raw}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Schedule returns the cron schedule for s.
func (s Spec) Schedule() (cron.Schedule, error) {
	if s.Kind == SpecInterval {
		return cron.Every(s.Every), nil
	}
	return parser.Parse(s.Cron)
}

func (s Spec) String() string {
	if s.Kind == SpecInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
