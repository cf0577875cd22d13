package engine_test

import (
	"errors"
	"testing"
	"time"

	"rollout/internal/domain"
	"rollout/internal/engine"
	"rollout/internal/repo"
)

func (env testEnv) sendToConversion(t *testing.T, projectID string) domain.QueueItem {
	t.Helper()
	item, err := env.Engine.SendToConversion(env.Ctx, engine.SendToConversionOptions{
		ProjectID: projectID,
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("send to conversion: %v", err)
	}
	return item
}

func TestSendToConversionDefaults(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if item.Status != domain.QueuePending {
		t.Fatalf("new item status = %s", item.Status)
	}
	if item.Priority != 3 {
		t.Fatalf("default priority = %d", item.Priority)
	}
	if item.AssignedTo != nil {
		t.Fatalf("new item should be unassigned")
	}
	if item.SentAt == "" {
		t.Fatalf("sent_at not stamped")
	}
}

func TestOneActiveItemPerProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	env.sendToConversion(t, p.ID)
	_, err := env.Engine.SendToConversion(env.Ctx, engine.SendToConversionOptions{ProjectID: p.ID, Actor: "tester"})
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict for second active item, got %v", err)
	}
}

func TestRequeueAfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.UpdateQueueStatus(env.Ctx, engine.QueueStatusOptions{
		ItemID: item.ID, Status: domain.QueueCancelled, Actor: "tester",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// a terminal item frees the project for a new submission
	env.sendToConversion(t, p.ID)
}

func TestAssignToMeClaimsAndPropagates(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)

	claimed, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", "Maria Souza")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.QueueInProgress {
		t.Fatalf("claimed status = %s", claimed.Status)
	}
	if claimed.AssignedTo == nil || *claimed.AssignedTo != "maria" {
		t.Fatalf("assignee not set: %+v", claimed.AssignedTo)
	}
	if claimed.AssignedAt == nil || claimed.StartedAt == nil {
		t.Fatalf("assigned_at/started_at not stamped")
	}

	project, _, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	conv := project.Stages[domain.StageConversion]
	if conv.Status != domain.StageInProgress {
		t.Fatalf("conversion stage = %s, want in-progress", conv.Status)
	}
	if conv.Responsible == nil || *conv.Responsible != "Maria Souza" {
		t.Fatalf("conversion responsible = %+v", conv.Responsible)
	}
}

func TestAssignToMeLosesToEarlierClaim(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.AssignToMe(env.Ctx, item.ID, "joao", "")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
}

func TestTransferRequiresWorkingItem(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	_, err := env.Engine.TransferTo(env.Ctx, engine.TransferOptions{
		ItemID: item.ID, AssigneeID: "joao", Actor: "tester",
	})
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("transfer of pending item should conflict, got %v", err)
	}

	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	moved, err := env.Engine.TransferTo(env.Ctx, engine.TransferOptions{
		ItemID: item.ID, AssigneeID: "joao", AssigneeName: "Joao Lima", PropagateStage: true, Actor: "maria",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.AssignedTo == nil || *moved.AssignedTo != "joao" {
		t.Fatalf("transfer did not reassign: %+v", moved.AssignedTo)
	}
	project, _, _ := env.Engine.GetProject(env.Ctx, p.ID)
	conv := project.Stages[domain.StageConversion]
	if conv.Responsible == nil || *conv.Responsible != "Joao Lima" {
		t.Fatalf("stage responsible did not follow transfer: %+v", conv.Responsible)
	}
}

func TestHomologationFlow(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	submitted, err := env.Engine.SendToHomologation(env.Ctx, item.ID, "maria")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != domain.QueueAwaitingHomologation {
		t.Fatalf("status = %s", submitted.Status)
	}
	started, err := env.Engine.StartHomologation(env.Ctx, item.ID, "ana")
	if err != nil {
		t.Fatalf("start homologation: %v", err)
	}
	if started.Status != domain.QueueHomologation {
		t.Fatalf("status = %s", started.Status)
	}
	approved, err := env.Engine.ApproveHomologation(env.Ctx, item.ID, "ana")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.QueueDone {
		t.Fatalf("status = %s", approved.Status)
	}
	if approved.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
}

func TestApproveIsIdempotentWhenDone(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendToHomologation(env.Ctx, item.ID, "maria"); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.ApproveHomologation(env.Ctx, item.ID, "ana")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	before, _ := env.Engine.Repo.ListEvents(env.Ctx, p.ID, 0, 0)
	second, err := env.Engine.ApproveHomologation(env.Ctx, item.ID, "ana")
	if err != nil {
		t.Fatalf("second approve should no-op, got %v", err)
	}
	if second.CompletedAt == nil || *second.CompletedAt != *first.CompletedAt {
		t.Fatalf("completed_at changed on repeat approve")
	}
	after, _ := env.Engine.Repo.ListEvents(env.Ctx, p.ID, 0, 0)
	if len(after) != len(before) {
		t.Fatalf("repeat approve wrote %d extra events", len(after)-len(before))
	}
}

func TestApproveRejectsWrongState(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	_, err := env.Engine.ApproveHomologation(env.Ctx, item.ID, "ana")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("approving pending item should conflict, got %v", err)
	}
}

func TestIssueLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendToHomologation(env.Ctx, item.ID, "maria"); err != nil {
		t.Fatal(err)
	}

	issue, err := env.Engine.ReportIssue(env.Ctx, engine.ReportIssueOptions{
		ItemID: item.ID,
		Title:  "totals mismatch on invoices",
		Actor:  "ana",
	})
	if err != nil {
		t.Fatalf("report issue: %v", err)
	}
	if issue.Status != domain.IssueOpen || issue.Priority != domain.IssueMedium {
		t.Fatalf("new issue defaults wrong: %s/%s", issue.Status, issue.Priority)
	}
	got, err := env.Engine.Repo.GetQueueItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.QueueHomologationIssues {
		t.Fatalf("item status = %s, want homologation_issues", got.Status)
	}

	if _, err := env.Engine.UpdateIssueStatus(env.Ctx, issue.ID, domain.IssueInProgress, "maria"); err != nil {
		t.Fatalf("issue to in_progress: %v", err)
	}
	resolved, err := env.Engine.ResolveIssue(env.Ctx, engine.ResolveIssueOptions{
		IssueID: issue.ID,
		Notes:   "rounding fixed in importer",
		Actor:   "maria",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.FixedAt == nil || resolved.ResolvedBy == nil || *resolved.ResolvedBy != "maria" {
		t.Fatalf("resolution metadata missing: %+v", resolved)
	}

	if err := env.Engine.DeleteIssue(env.Ctx, issue.ID, "ana"); err != nil {
		t.Fatalf("delete issue: %v", err)
	}
	if _, err := env.Engine.Repo.GetIssue(env.Ctx, issue.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("issue should be gone, got %v", err)
	}
}

func TestResubmitBlockedByOpenIssues(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	if _, err := env.Engine.AssignToMe(env.Ctx, item.ID, "maria", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendToHomologation(env.Ctx, item.ID, "maria"); err != nil {
		t.Fatal(err)
	}
	issue, err := env.Engine.ReportIssue(env.Ctx, engine.ReportIssueOptions{
		ItemID: item.ID, Title: "missing customer records", Actor: "ana",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.SendToHomologation(env.Ctx, item.ID, "maria")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("resubmit with open issue should conflict, got %v", err)
	}

	if _, err := env.Engine.ResolveIssue(env.Ctx, engine.ResolveIssueOptions{
		IssueID: issue.ID, Actor: "maria",
	}); err != nil {
		t.Fatal(err)
	}
	resubmitted, err := env.Engine.SendToHomologation(env.Ctx, item.ID, "maria")
	if err != nil {
		t.Fatalf("resubmit after resolving: %v", err)
	}
	if resubmitted.Status != domain.QueueAwaitingHomologation {
		t.Fatalf("status = %s", resubmitted.Status)
	}
}

func TestReportIssueRequiresReview(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)
	_, err := env.Engine.ReportIssue(env.Ctx, engine.ReportIssueOptions{
		ItemID: item.ID, Title: "too early", Actor: "ana",
	})
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("issue on pending item should conflict, got %v", err)
	}
}

func TestPriorityAndNotesOnlyWhileActive(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)

	updated, err := env.Engine.UpdatePriority(env.Ctx, item.ID, 1, "tester")
	if err != nil {
		t.Fatalf("priority: %v", err)
	}
	if updated.Priority != 1 {
		t.Fatalf("priority = %d", updated.Priority)
	}
	if _, err := env.Engine.UpdatePriority(env.Ctx, item.ID, 9, "tester"); err == nil {
		t.Fatalf("priority 9 should be rejected")
	}
	if _, err := env.Engine.UpdateNotes(env.Ctx, item.ID, "client wants weekend cutover", "tester"); err != nil {
		t.Fatalf("notes: %v", err)
	}

	if _, err := env.Engine.UpdateQueueStatus(env.Ctx, engine.QueueStatusOptions{
		ItemID: item.ID, Status: domain.QueueCancelled, Actor: "tester",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = env.Engine.UpdateNotes(env.Ctx, item.ID, "late edit", "tester")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("notes on cancelled item should conflict, got %v", err)
	}
}

func TestStatusOverrideEnforcesAssigneeInvariant(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	item := env.sendToConversion(t, p.ID)

	_, err := env.Engine.UpdateQueueStatus(env.Ctx, engine.QueueStatusOptions{
		ItemID: item.ID, Status: domain.QueueInProgress, Actor: "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("working status without assignee should fail, got %v", err)
	}

	moved, err := env.Engine.UpdateQueueStatus(env.Ctx, engine.QueueStatusOptions{
		ItemID: item.ID, Status: domain.QueueInProgress, AssigneeID: "maria", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("override with assignee: %v", err)
	}
	if moved.StartedAt == nil {
		t.Fatalf("started_at not stamped by override")
	}

	back, err := env.Engine.UpdateQueueStatus(env.Ctx, engine.QueueStatusOptions{
		ItemID: item.ID, Status: domain.QueuePending, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("back to pending: %v", err)
	}
	if back.AssignedTo != nil {
		t.Fatalf("pending should clear assignee")
	}
}

func TestQueueViewsAndStats(t *testing.T) {
	env := newTestEnv(t)
	a := env.createProject(t, "Acme Corp")
	b := env.createProject(t, "Beta Ltda")
	c := env.createProject(t, "Gama SA")
	itemA := env.sendToConversion(t, a.ID)
	*env.Clock = env.Clock.Add(time.Minute)
	itemB := env.sendToConversion(t, b.ID)
	*env.Clock = env.Clock.Add(time.Minute)
	if _, err := env.Engine.SendToConversion(env.Ctx, engine.SendToConversionOptions{
		ProjectID: c.ID, Priority: 1, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	unassigned, err := env.Engine.Repo.Unassigned(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unassigned) != 3 {
		t.Fatalf("unassigned = %d", len(unassigned))
	}
	// urgent item first, then ties by submission order
	if unassigned[0].ProjectID != c.ID {
		t.Fatalf("priority 1 should sort first")
	}
	if unassigned[1].ID != itemA.ID || unassigned[2].ID != itemB.ID {
		t.Fatalf("sent_at tie-break wrong")
	}

	if _, err := env.Engine.AssignToMe(env.Ctx, itemA.ID, "maria", ""); err != nil {
		t.Fatal(err)
	}
	mine, err := env.Engine.Repo.ByAssignee(env.Ctx, "maria")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != itemA.ID {
		t.Fatalf("by assignee wrong: %+v", mine)
	}

	if _, err := env.Engine.SendToHomologation(env.Ctx, itemA.ID, "maria"); err != nil {
		t.Fatal(err)
	}
	review, err := env.Engine.Repo.InHomologation(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(review) != 1 {
		t.Fatalf("in homologation = %d", len(review))
	}

	stats, err := env.Engine.Repo.QueueStats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[domain.QueuePending] != 2 || stats[domain.QueueAwaitingHomologation] != 1 {
		t.Fatalf("stats wrong: %+v", stats)
	}
	if stats[domain.QueueDone] != 0 {
		t.Fatalf("empty statuses should report zero")
	}
}
