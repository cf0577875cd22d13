// Package health derives a project's staleness classification and overall
// progress. Both are computed on read from current stage state; nothing here
// is persisted.
package health

import (
	"math"
	"time"

	"rollout/internal/domain"
)

// Classifications, ordered from good to bad.
const (
	OK       = "ok"
	Warning  = "warning"
	Critical = "critical"
)

const (
	// DefaultWarningAfter is how long without an update before a project
	// shows as warning. Exactly at the boundary stays ok.
	DefaultWarningAfter = 3 * 24 * time.Hour
	// DefaultCriticalAfter is how long without an update before a project
	// shows as critical. Exactly at the boundary stays warning.
	DefaultCriticalAfter = 7 * 24 * time.Hour
)

// Calculator classifies projects by update recency. The zero value uses the
// default thresholds.
type Calculator struct {
	WarningAfter  time.Duration
	CriticalAfter time.Duration
}

func (c Calculator) thresholds() (time.Duration, time.Duration) {
	warn, crit := c.WarningAfter, c.CriticalAfter
	if warn <= 0 {
		warn = DefaultWarningAfter
	}
	if crit <= 0 {
		crit = DefaultCriticalAfter
	}
	return warn, crit
}

// Classify returns ok, warning, or critical for a project last touched at
// lastUpdated, as of now. Health is purely time-based; a blocked stage does
// not make a freshly-updated project unhealthy.
func (c Calculator) Classify(lastUpdated, now time.Time) string {
	warn, crit := c.thresholds()
	elapsed := now.Sub(lastUpdated)
	switch {
	case elapsed > crit:
		return Critical
	case elapsed > warn:
		return Warning
	default:
		return OK
	}
}

// ClassifyProject parses the project's last-updated timestamp and classifies
// it. An unparseable or empty timestamp counts as never updated and is
// critical.
func (c Calculator) ClassifyProject(p domain.Project, now time.Time) string {
	if p.LastUpdatedAt == "" {
		return Critical
	}
	ts, err := time.Parse(time.RFC3339, p.LastUpdatedAt)
	if err != nil {
		return Critical
	}
	return c.Classify(ts, now)
}

// Progress returns the overall progress percentage: the fraction of stages
// that are done, rounded to the nearest percent, but never less than the
// stored value. Progress shown to a client must not regress when a computed
// fraction comes in below a previously persisted number.
func Progress(stages map[string]domain.Stage, stored int) int {
	if len(stages) == 0 {
		return clampPercent(stored)
	}
	done := 0
	for _, s := range stages {
		if s.Status == domain.StageDone {
			done++
		}
	}
	computed := int(math.Round(float64(done) / float64(len(stages)) * 100))
	if stored > computed {
		computed = stored
	}
	return clampPercent(computed)
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
