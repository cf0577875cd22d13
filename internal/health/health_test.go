package health_test

import (
	"testing"
	"time"

	"rollout/internal/domain"
	"rollout/internal/health"
)

func TestClassifyBoundaries(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var c health.Calculator
	cases := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"fresh", time.Hour, health.OK},
		{"exactly three days", 3 * 24 * time.Hour, health.OK},
		{"just past three days", 3*24*time.Hour + time.Minute, health.Warning},
		{"exactly seven days", 7 * 24 * time.Hour, health.Warning},
		{"just past seven days", 7*24*time.Hour + time.Minute, health.Critical},
		{"weeks stale", 30 * 24 * time.Hour, health.Critical},
	}
	for _, tc := range cases {
		if got := c.Classify(now.Add(-tc.age), now); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyCustomThresholds(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := health.Calculator{WarningAfter: 24 * time.Hour, CriticalAfter: 48 * time.Hour}
	if got := c.Classify(now.Add(-36*time.Hour), now); got != health.Warning {
		t.Fatalf("36h with 1d/2d thresholds = %s", got)
	}
	if got := c.Classify(now.Add(-72*time.Hour), now); got != health.Critical {
		t.Fatalf("72h with 1d/2d thresholds = %s", got)
	}
}

func TestClassifyProjectBadTimestamp(t *testing.T) {
	var c health.Calculator
	now := time.Now()
	if got := c.ClassifyProject(domain.Project{LastUpdatedAt: ""}, now); got != health.Critical {
		t.Fatalf("empty timestamp = %s", got)
	}
	if got := c.ClassifyProject(domain.Project{LastUpdatedAt: "yesterday"}, now); got != health.Critical {
		t.Fatalf("garbage timestamp = %s", got)
	}
}

func stagesWithDone(n int) map[string]domain.Stage {
	stages := make(map[string]domain.Stage, domain.StageCount)
	for i, key := range domain.StageKeys() {
		status := domain.StageTodo
		if i < n {
			status = domain.StageDone
		}
		stages[key] = domain.Stage{Key: key, Status: status}
	}
	return stages
}

func TestProgressRounding(t *testing.T) {
	cases := []struct {
		done int
		want int
	}{
		{0, 0}, {1, 17}, {2, 33}, {3, 50}, {4, 67}, {5, 83}, {6, 100},
	}
	for _, tc := range cases {
		if got := health.Progress(stagesWithDone(tc.done), 0); got != tc.want {
			t.Errorf("%d done: got %d, want %d", tc.done, got, tc.want)
		}
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	if got := health.Progress(stagesWithDone(1), 50); got != 50 {
		t.Fatalf("stored 50 with 1 done = %d", got)
	}
	if got := health.Progress(stagesWithDone(5), 50); got != 83 {
		t.Fatalf("computed above stored = %d, want 83", got)
	}
	if got := health.Progress(nil, 40); got != 40 {
		t.Fatalf("no stages keeps stored, got %d", got)
	}
}
