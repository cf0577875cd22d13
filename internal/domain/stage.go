package domain

import "strings"

// The six pipeline stages, in delivery order. The set is fixed: stages are
// never added, removed, or reordered at runtime.
const (
	StageInfra          = "infra"
	StageAdherence      = "adherence"
	StageEnvironment    = "environment"
	StageConversion     = "conversion"
	StageImplementation = "implementation"
	StagePost           = "post"
)

var stageKeys = []string{
	StageInfra,
	StageAdherence,
	StageEnvironment,
	StageConversion,
	StageImplementation,
	StagePost,
}

// StageCount is the number of pipeline stages.
const StageCount = 6

// Stage statuses. waiting_adjustment originated on the adherence stage but is
// accepted on any stage.
const (
	StageTodo              = "todo"
	StageInProgress        = "in-progress"
	StageDone              = "done"
	StageBlocked           = "blocked"
	StageWaitingAdjustment = "waiting_adjustment"
)

var stageStatusSet = map[string]struct{}{
	StageTodo:              {},
	StageInProgress:        {},
	StageDone:              {},
	StageBlocked:           {},
	StageWaitingAdjustment: {},
}

// StageKeys returns the ordered stage key list.
func StageKeys() []string {
	cp := make([]string, len(stageKeys))
	copy(cp, stageKeys)
	return cp
}

// ValidStageKey reports whether k is one of the six fixed stage keys.
func ValidStageKey(k string) bool {
	for _, key := range stageKeys {
		if key == k {
			return true
		}
	}
	return false
}

// ValidStageStatus reports whether s is a known stage status.
func ValidStageStatus(s string) bool {
	_, ok := stageStatusSet[s]
	return ok
}

// ParseStageStatus normalizes and validates a stage status string.
func ParseStageStatus(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if _, ok := stageStatusSet[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// IsValidStageTransition reports whether a stage may move between the two
// statuses. Any status may move to any other, reopening done work included.
// The blocking-reason rule (blocked requires a non-empty reason, leaving
// blocked clears it) is enforced by the caller because it depends on the
// update payload, not the status pair.
func IsValidStageTransition(from, to string) bool {
	return ValidStageStatus(from) && ValidStageStatus(to)
}

// Project statuses.
const (
	ProjectTodo       = "todo"
	ProjectInProgress = "in-progress"
	ProjectBlocked    = "blocked"
	ProjectDone       = "done"
	ProjectArchived   = "archived"
)

var projectStatusSet = map[string]struct{}{
	ProjectTodo:       {},
	ProjectInProgress: {},
	ProjectBlocked:    {},
	ProjectDone:       {},
	ProjectArchived:   {},
}

// ValidProjectStatus reports whether s is a known project status.
func ValidProjectStatus(s string) bool {
	_, ok := projectStatusSet[s]
	return ok
}

// DeriveProjectStatus aggregates stage statuses into a project status.
// Archived is only ever set explicitly and is never overwritten here.
func DeriveProjectStatus(current string, stages map[string]Stage) string {
	if current == ProjectArchived {
		return ProjectArchived
	}
	doneCount := 0
	started := false
	for _, s := range stages {
		switch s.Status {
		case StageBlocked:
			return ProjectBlocked
		case StageDone:
			doneCount++
			started = true
		case StageTodo:
		default:
			started = true
		}
	}
	if doneCount == len(stages) && doneCount > 0 {
		return ProjectDone
	}
	if started {
		return ProjectInProgress
	}
	return ProjectTodo
}
