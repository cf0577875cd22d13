package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"rollout/internal/domain"
	"rollout/internal/events"
	"rollout/internal/notify"
	"rollout/internal/repo"
)

const defaultQueuePriority = 3

// SendToConversionOptions are parameters for queueing a project's conversion.
type SendToConversionOptions struct {
	ProjectID string
	Priority  int
	Notes     string
	Actor     string
}

// SendToConversion puts a project in the conversion queue. A project can hold
// at most one non-terminal item at a time; once that item reaches done or
// cancelled the project may be queued again. The conversion team is notified
// after commit, best effort.
func (e Engine) SendToConversion(ctx context.Context, opts SendToConversionOptions) (domain.QueueItem, error) {
	priority := opts.Priority
	if priority == 0 {
		priority = defaultQueuePriority
		if e.Config != nil && e.Config.Queue.DefaultPriority > 0 {
			priority = e.Config.Queue.DefaultPriority
		}
	}
	if priority < 1 || priority > 5 {
		return domain.QueueItem{}, validation("priority", "priority must be between 1 and 5")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	active, err := e.Repo.ActiveQueueItem(ctx, tx, opts.ProjectID)
	if err == nil {
		return domain.QueueItem{}, conflict("project %s already has queue item %s in status %s", opts.ProjectID, active.ID, active.Status)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.QueueItem{}, err
	}

	now := e.nowRFC3339()
	item := domain.QueueItem{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		Status:    domain.QueuePending,
		Priority:  priority,
		Notes:     strings.TrimSpace(opts.Notes),
		SentAt:    now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, opts.ProjectID, opts.Actor, "sent to conversion queue", events.Payload{
		"queue_item": item.ID,
		"priority":   item.Priority,
	}); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}

	team := ""
	if e.Config != nil {
		team = e.Config.Notifications.ConversionTeam
	}
	e.Notify.Send(ctx, notify.Message{
		Event:     "conversion.queued",
		Team:      team,
		ProjectID: opts.ProjectID,
		Text:      p.Name + " was sent to the conversion queue",
		Details:   map[string]any{"queue_item": item.ID, "priority": item.Priority},
	})
	return item, nil
}

// AssignToMe claims a pending item for the calling actor. The claim is a
// guarded update, so of two concurrent claimers exactly one wins and the
// other gets a conflict. In the same transaction the project's conversion
// stage picks up the assignee as responsible and moves to in-progress.
func (e Engine) AssignToMe(ctx context.Context, itemID, actorID, actorName string) (domain.QueueItem, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.QueueItem{}, validation("actor", "actor is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	now := e.nowRFC3339()
	claimed, err := e.Repo.ClaimQueueItem(ctx, tx, itemID, actorID, actorName, now)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if !claimed {
		return domain.QueueItem{}, conflict("queue item %s is not claimable (status %s)", itemID, item.Status)
	}

	if err := e.assignConversionStage(ctx, tx, item.ProjectID, actorID, actorName, now); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, actorID, "conversion claimed", events.Payload{
		"queue_item": itemID,
		"assignee":   actorID,
	}); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return e.Repo.GetQueueItem(ctx, itemID)
}

// assignConversionStage mirrors a queue assignment onto the project's
// conversion stage and refreshes the project's derived fields.
func (e Engine) assignConversionStage(ctx context.Context, tx *sql.Tx, projectID, actorID, actorName, now string) error {
	s, err := e.Repo.GetStageTx(ctx, tx, projectID, domain.StageConversion)
	if err != nil {
		return err
	}
	responsible := actorName
	if responsible == "" {
		responsible = actorID
	}
	s.Responsible = optionalString(responsible)
	s.Status = domain.StageInProgress
	s.BlockingReason = nil
	if s.StartDate == nil {
		s.StartDate = optionalString(now)
	}
	s.UpdatedAt = now
	if err := e.Repo.UpdateStage(ctx, tx, s); err != nil {
		return err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	_, err = e.refreshProject(ctx, tx, p, actorID, now)
	return err
}

// TransferOptions are parameters for handing an item to another person.
type TransferOptions struct {
	ItemID         string
	AssigneeID     string
	AssigneeName   string
	PropagateStage bool
	Actor          string
}

// TransferTo reassigns a working item. With PropagateStage the project's
// conversion stage responsible follows the new assignee.
func (e Engine) TransferTo(ctx context.Context, opts TransferOptions) (domain.QueueItem, error) {
	if strings.TrimSpace(opts.AssigneeID) == "" {
		return domain.QueueItem{}, validation("assignee", "assignee is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if !domain.QueueStatusRequiresAssignee(item.Status) {
		return domain.QueueItem{}, conflict("queue item %s in status %s cannot be transferred", item.ID, item.Status)
	}
	previous := item.AssignedTo
	now := e.nowRFC3339()
	item.AssignedTo = optionalString(opts.AssigneeID)
	item.AssignedToName = optionalString(opts.AssigneeName)
	item.AssignedAt = optionalString(now)
	item.UpdatedAt = now
	if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if opts.PropagateStage {
		if err := e.assignConversionStage(ctx, tx, item.ProjectID, opts.AssigneeID, opts.AssigneeName, now); err != nil {
			return domain.QueueItem{}, err
		}
	}
	payload := events.Payload{"queue_item": item.ID, "assignee": opts.AssigneeID}
	if previous != nil {
		payload["previous_assignee"] = *previous
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, opts.Actor, "conversion transferred", payload); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}

// SendToHomologation submits finished conversion work for QA review. Rework
// in homologation_issues can resubmit only once every reported issue is
// resolved.
func (e Engine) SendToHomologation(ctx context.Context, itemID, actor string) (domain.QueueItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if item.Status != domain.QueueInProgress && item.Status != domain.QueueHomologationIssues {
		return domain.QueueItem{}, conflict("queue item %s in status %s cannot be sent to homologation", item.ID, item.Status)
	}
	if item.Status == domain.QueueHomologationIssues {
		open, err := e.Repo.OpenIssueCount(ctx, tx, item.ID)
		if err != nil {
			return domain.QueueItem{}, err
		}
		if open > 0 {
			return domain.QueueItem{}, conflict("queue item %s still has %d open issues", item.ID, open)
		}
	}
	previous := item.Status
	now := e.nowRFC3339()
	item.Status = domain.QueueAwaitingHomologation
	item.UpdatedAt = now
	if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, actor, "sent to homologation", events.Payload{
		"queue_item": item.ID,
		"from":       previous,
		"to":         item.Status,
	}); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}

// StartHomologation moves an awaiting item into active review.
func (e Engine) StartHomologation(ctx context.Context, itemID, actor string) (domain.QueueItem, error) {
	return e.transition(ctx, itemID, actor, "homologation started",
		[]string{domain.QueueAwaitingHomologation},
		func(item *domain.QueueItem, now string) error {
			item.Status = domain.QueueHomologation
			return nil
		})
}

// ApproveHomologation passes QA and completes the item. Approving an item
// that is already done succeeds without changing anything, so a double-click
// or a retried request stays harmless.
func (e Engine) ApproveHomologation(ctx context.Context, itemID, actor string) (domain.QueueItem, error) {
	item, err := e.Repo.GetQueueItem(ctx, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if item.Status == domain.QueueDone {
		return item, nil
	}
	return e.transition(ctx, itemID, actor, "homologation approved",
		[]string{domain.QueueAwaitingHomologation, domain.QueueHomologation},
		func(item *domain.QueueItem, now string) error {
			item.Status = domain.QueueDone
			item.CompletedAt = optionalString(now)
			return nil
		})
}

// transition runs one guarded queue status change inside a transaction.
func (e Engine) transition(ctx context.Context, itemID, actor, message string, from []string, apply func(*domain.QueueItem, string) error) (domain.QueueItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	allowed := false
	for _, s := range from {
		if item.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.QueueItem{}, conflict("queue item %s in status %s cannot be %s", item.ID, item.Status, message)
	}
	previous := item.Status
	now := e.nowRFC3339()
	if err := apply(&item, now); err != nil {
		return domain.QueueItem{}, err
	}
	item.UpdatedAt = now
	if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, actor, message, events.Payload{
		"queue_item": item.ID,
		"from":       previous,
		"to":         item.Status,
	}); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}

// ReportIssueOptions are parameters for reporting a homologation defect.
type ReportIssueOptions struct {
	ItemID      string
	Title       string
	Description string
	Priority    string
	Actor       string
}

// ReportIssue files a defect against an item under review and parks the item
// in homologation_issues until the defects are dealt with.
func (e Engine) ReportIssue(ctx context.Context, opts ReportIssueOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, validation("title", "title is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.IssueMedium
	}
	if !domain.ValidIssuePriority(priority) {
		return domain.Issue{}, validation("priority", "unknown issue priority %q", opts.Priority)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.Issue{}, err
	}
	if !item.InHomologation() && item.Status != domain.QueueHomologationIssues {
		return domain.Issue{}, conflict("queue item %s in status %s is not under review", item.ID, item.Status)
	}

	now := e.nowRFC3339()
	issue := domain.Issue{
		ID:          uuid.NewString(),
		ProjectID:   item.ProjectID,
		QueueItemID: item.ID,
		Title:       strings.TrimSpace(opts.Title),
		Description: strings.TrimSpace(opts.Description),
		Priority:    priority,
		Status:      domain.IssueOpen,
		ReportedAt:  now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, err
	}
	if item.Status != domain.QueueHomologationIssues {
		item.Status = domain.QueueHomologationIssues
		item.UpdatedAt = now
		if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
			return domain.Issue{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, opts.Actor, "homologation issue reported", events.Payload{
		"queue_item": item.ID,
		"issue":      issue.ID,
		"title":      issue.Title,
		"priority":   issue.Priority,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// UpdateIssueStatus moves an issue between open and in_progress. Resolution
// goes through ResolveIssue so the fix metadata is always recorded.
func (e Engine) UpdateIssueStatus(ctx context.Context, issueID, status, actor string) (domain.Issue, error) {
	if !domain.ValidIssueStatus(status) {
		return domain.Issue{}, validation("status", "unknown issue status %q", status)
	}
	if status == domain.IssueResolved {
		return domain.Issue{}, validation("status", "use resolve to close an issue")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if issue.Status == domain.IssueResolved {
		return domain.Issue{}, conflict("issue %s is already resolved", issue.ID)
	}
	previous := issue.Status
	issue.Status = status
	if err := e.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, err
	}
	if err := e.appendEvent(ctx, tx, issue.ProjectID, actor, "issue status changed", events.Payload{
		"issue": issue.ID,
		"from":  previous,
		"to":    issue.Status,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// ResolveIssueOptions are parameters for closing an issue.
type ResolveIssueOptions struct {
	IssueID string
	Notes   string
	Actor   string
}

// ResolveIssue marks a defect fixed, recording who fixed it and when.
func (e Engine) ResolveIssue(ctx context.Context, opts ResolveIssueOptions) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if issue.Status == domain.IssueResolved {
		return issue, nil
	}
	now := e.nowRFC3339()
	issue.Status = domain.IssueResolved
	issue.FixedAt = optionalString(now)
	issue.ResolvedBy = optionalString(opts.Actor)
	issue.ResolutionNotes = optionalString(strings.TrimSpace(opts.Notes))
	if err := e.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, err
	}
	if err := e.appendEvent(ctx, tx, issue.ProjectID, opts.Actor, "issue resolved", events.Payload{
		"issue":      issue.ID,
		"queue_item": issue.QueueItemID,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// DeleteIssue removes a defect permanently. The audit event is the only
// trace left.
func (e Engine) DeleteIssue(ctx context.Context, issueID, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteIssue(ctx, tx, issueID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, issue.ProjectID, actor, "issue deleted", events.Payload{
		"issue": issue.ID,
		"title": issue.Title,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePriority changes a non-terminal item's urgency.
func (e Engine) UpdatePriority(ctx context.Context, itemID string, priority int, actor string) (domain.QueueItem, error) {
	if priority < 1 || priority > 5 {
		return domain.QueueItem{}, validation("priority", "priority must be between 1 and 5")
	}
	return e.patchItem(ctx, itemID, actor, "queue priority changed", func(item *domain.QueueItem) events.Payload {
		payload := events.Payload{"queue_item": item.ID, "from": item.Priority, "to": priority}
		item.Priority = priority
		return payload
	})
}

// UpdateNotes replaces a non-terminal item's notes.
func (e Engine) UpdateNotes(ctx context.Context, itemID, notes, actor string) (domain.QueueItem, error) {
	return e.patchItem(ctx, itemID, actor, "queue notes updated", func(item *domain.QueueItem) events.Payload {
		item.Notes = strings.TrimSpace(notes)
		return events.Payload{"queue_item": item.ID}
	})
}

func (e Engine) patchItem(ctx context.Context, itemID, actor, message string, apply func(*domain.QueueItem) events.Payload) (domain.QueueItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if domain.QueueStatusTerminal(item.Status) {
		return domain.QueueItem{}, conflict("queue item %s is %s and can no longer change", item.ID, item.Status)
	}
	payload := apply(&item)
	item.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, actor, message, payload); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}

// QueueStatusOptions are parameters for the explicit status override.
type QueueStatusOptions struct {
	ItemID       string
	Status       string
	AssigneeID   string
	AssigneeName string
	Actor        string
}

// UpdateQueueStatus sets any valid status directly. It is the escape hatch
// for flows the named operations do not cover; the assignee invariant still
// holds: working statuses need an assignee, pending and cancelled drop it.
func (e Engine) UpdateQueueStatus(ctx context.Context, opts QueueStatusOptions) (domain.QueueItem, error) {
	status, ok := domain.ParseQueueStatus(opts.Status)
	if !ok {
		return domain.QueueItem{}, validation("status", "unknown queue status %q", opts.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetQueueItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	previous := item.Status
	now := e.nowRFC3339()

	if opts.AssigneeID != "" {
		item.AssignedTo = optionalString(opts.AssigneeID)
		item.AssignedToName = optionalString(opts.AssigneeName)
		item.AssignedAt = optionalString(now)
	}
	switch {
	case domain.QueueStatusRequiresAssignee(status):
		if item.AssignedTo == nil {
			return domain.QueueItem{}, validation("assignee", "status %s requires an assignee", status)
		}
		if item.StartedAt == nil {
			item.StartedAt = optionalString(now)
		}
	case status == domain.QueuePending || status == domain.QueueCancelled:
		item.AssignedTo = nil
		item.AssignedToName = nil
		item.AssignedAt = nil
	}
	if status == domain.QueueDone && item.CompletedAt == nil {
		item.CompletedAt = optionalString(now)
	}
	item.Status = status
	item.UpdatedAt = now
	if err := e.Repo.UpdateQueueItem(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.appendEvent(ctx, tx, item.ProjectID, opts.Actor, "queue status changed", events.Payload{
		"queue_item": item.ID,
		"from":       previous,
		"to":         status,
	}); err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}
