package domain

import "strings"

// Queue item statuses.
const (
	QueuePending              = "pending"
	QueueInProgress           = "in_progress"
	QueueAwaitingHomologation = "awaiting_homologation"
	QueueHomologation         = "homologation"
	QueueHomologationIssues   = "homologation_issues"
	QueueApproved             = "approved"
	QueueDone                 = "done"
	QueueCancelled            = "cancelled"
)

var queueStatuses = []string{
	QueuePending,
	QueueInProgress,
	QueueAwaitingHomologation,
	QueueHomologation,
	QueueHomologationIssues,
	QueueApproved,
	QueueDone,
	QueueCancelled,
}

var queueStatusSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(queueStatuses))
	for _, s := range queueStatuses {
		set[s] = struct{}{}
	}
	return set
}()

// Statuses in which a queue item must carry an assignee.
var assignedQueueStatuses = map[string]struct{}{
	QueueInProgress:           {},
	QueueAwaitingHomologation: {},
	QueueHomologation:         {},
	QueueHomologationIssues:   {},
}

// QueueStatuses returns the ordered list of known queue statuses.
func QueueStatuses() []string {
	cp := make([]string, len(queueStatuses))
	copy(cp, queueStatuses)
	return cp
}

// ParseQueueStatus converts a string into a known queue status.
func ParseQueueStatus(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", false
	}
	_, ok := queueStatusSet[normalized]
	return normalized, ok
}

// QueueStatusTerminal reports whether a status ends the item's lifecycle.
// Terminal items persist for audit and reporting; they are never deleted by
// the workflow.
func QueueStatusTerminal(status string) bool {
	return status == QueueDone || status == QueueCancelled
}

// QueueStatusRequiresAssignee reports whether an item in this status must
// have a non-null assignee.
func QueueStatusRequiresAssignee(status string) bool {
	_, ok := assignedQueueStatuses[status]
	return ok
}

// InHomologation reports whether the item is sitting at the QA gate.
func (q QueueItem) InHomologation() bool {
	return q.Status == QueueAwaitingHomologation || q.Status == QueueHomologation
}

// Issue priorities and statuses.
const (
	IssueHigh   = "high"
	IssueMedium = "medium"
	IssueLow    = "low"

	IssueOpen       = "open"
	IssueInProgress = "in_progress"
	IssueResolved   = "resolved"
)

// ValidIssuePriority reports whether p is a known issue priority.
func ValidIssuePriority(p string) bool {
	return p == IssueHigh || p == IssueMedium || p == IssueLow
}

// ValidIssueStatus reports whether s is a known issue status.
func ValidIssueStatus(s string) bool {
	return s == IssueOpen || s == IssueInProgress || s == IssueResolved
}
