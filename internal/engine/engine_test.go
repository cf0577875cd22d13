package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollout/internal/config"
	"rollout/internal/db"
	"rollout/internal/domain"
	"rollout/internal/engine"
	"rollout/internal/migrate"
	"rollout/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env testEnv) createProject(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: name, Actor: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateProjectSeedsSixStages(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	if len(p.Stages) != domain.StageCount {
		t.Fatalf("expected %d stages, got %d", domain.StageCount, len(p.Stages))
	}
	for _, key := range domain.StageKeys() {
		s, ok := p.Stages[key]
		if !ok {
			t.Fatalf("missing stage %s", key)
		}
		if s.Status != domain.StageTodo {
			t.Fatalf("stage %s should start todo, got %s", key, s.Status)
		}
	}
	loaded, _, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(loaded.Stages) != domain.StageCount {
		t.Fatalf("persisted project has %d stages", len(loaded.Stages))
	}
	if loaded.Status != domain.ProjectTodo {
		t.Fatalf("new project status = %s", loaded.Status)
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "  ", Actor: "tester"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateStageRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID,
		StageKey:  "migration",
		Actor:     "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown stage, got %v", err)
	}
}

func TestBlockedStageRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	status := domain.StageBlocked
	_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID,
		StageKey:  domain.StageInfra,
		Status:    &status,
		Actor:     "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error without reason, got %v", err)
	}

	reason := "waiting on client VPN access"
	updated, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID:      p.ID,
		StageKey:       domain.StageInfra,
		Status:         &status,
		BlockingReason: &reason,
		Actor:          "tester",
	})
	if err != nil {
		t.Fatalf("block with reason: %v", err)
	}
	if updated.Status != domain.ProjectBlocked {
		t.Fatalf("project status should derive blocked, got %s", updated.Status)
	}
	s := updated.Stages[domain.StageInfra]
	if s.BlockingReason == nil || *s.BlockingReason != reason {
		t.Fatalf("blocking reason not stored: %+v", s.BlockingReason)
	}
}

func TestLeavingBlockedClearsReason(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	blocked := domain.StageBlocked
	reason := "missing database dump"
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageConversion,
		Status: &blocked, BlockingReason: &reason, Actor: "tester",
	}); err != nil {
		t.Fatalf("block: %v", err)
	}
	inProgress := domain.StageInProgress
	updated, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageConversion,
		Status: &inProgress, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	s := updated.Stages[domain.StageConversion]
	if s.BlockingReason != nil {
		t.Fatalf("blocking reason should clear on leave, got %q", *s.BlockingReason)
	}
	if updated.Status != domain.ProjectInProgress {
		t.Fatalf("project status = %s", updated.Status)
	}
}

func TestStageTransitionsArePermissive(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	done := domain.StageDone
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StagePost, Status: &done, Actor: "tester",
	}); err != nil {
		t.Fatalf("todo to done: %v", err)
	}
	// reopening done work is allowed
	todo := domain.StageTodo
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StagePost, Status: &todo, Actor: "tester",
	}); err != nil {
		t.Fatalf("done back to todo: %v", err)
	}
	// waiting_adjustment is accepted on any stage, not only adherence
	waiting := domain.StageWaitingAdjustment
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageInfra, Status: &waiting, Actor: "tester",
	}); err != nil {
		t.Fatalf("waiting_adjustment on infra: %v", err)
	}
}

func TestStageDateOrderValidated(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	start := "2024-02-01T00:00:00Z"
	end := "2024-01-15T00:00:00Z"
	_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageEnvironment,
		StartDate: &start, EndDate: &end, Actor: "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for end before start, got %v", err)
	}
	end = "2024-02-01T00:00:00Z" // equal dates are fine
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageEnvironment,
		StartDate: &start, EndDate: &end, Actor: "tester",
	}); err != nil {
		t.Fatalf("equal start and end: %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	done := domain.StageDone
	var updated domain.Project
	var err error
	for _, key := range []string{domain.StageInfra, domain.StageAdherence, domain.StageEnvironment} {
		updated, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
			ProjectID: p.ID, StageKey: key, Status: &done, Actor: "tester",
		})
		if err != nil {
			t.Fatalf("finish %s: %v", key, err)
		}
	}
	if updated.OverallProgress != 50 {
		t.Fatalf("3 of 6 done should be 50%%, got %d", updated.OverallProgress)
	}
	// reopening a stage must not drop the displayed progress
	todo := domain.StageTodo
	updated, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageInfra, Status: &todo, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if updated.OverallProgress != 50 {
		t.Fatalf("progress regressed to %d", updated.OverallProgress)
	}
}

func TestAllStagesDoneDerivesProjectDone(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	done := domain.StageDone
	var updated domain.Project
	var err error
	for _, key := range domain.StageKeys() {
		updated, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
			ProjectID: p.ID, StageKey: key, Status: &done, Actor: "tester",
		})
		if err != nil {
			t.Fatalf("finish %s: %v", key, err)
		}
	}
	if updated.Status != domain.ProjectDone {
		t.Fatalf("project status = %s, want done", updated.Status)
	}
	if updated.OverallProgress != 100 {
		t.Fatalf("progress = %d, want 100", updated.OverallProgress)
	}
}

func TestArchivedSurvivesStageDerivation(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	archived := domain.ProjectArchived
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ProjectID: p.ID, Status: &archived, Actor: "tester",
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	done := domain.StageDone
	updated, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageInfra, Status: &done, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if updated.Status != domain.ProjectArchived {
		t.Fatalf("stage derivation overwrote archived, got %s", updated.Status)
	}
}

func TestUpdateStageTouchesProjectMarkers(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Acme Corp")
	*env.Clock = env.Clock.Add(48 * time.Hour)
	inProgress := domain.StageInProgress
	updated, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageAdherence, Status: &inProgress, Actor: "maria",
	})
	if err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if updated.LastUpdatedBy != "maria" {
		t.Fatalf("last_updated_by = %s", updated.LastUpdatedBy)
	}
	if updated.LastUpdatedAt != env.Clock.UTC().Format(time.RFC3339) {
		t.Fatalf("last_updated_at = %s", updated.LastUpdatedAt)
	}
}

func TestUpdateStageUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	inProgress := domain.StageInProgress
	_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: "nope", StageKey: domain.StageInfra, Status: &inProgress, Actor: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEveryMutationWritesAnEvent(t *testing.T) {
	env := newTestEnv(t)
	createdAt := env.Clock.UTC().Format(time.RFC3339)
	p := env.createProject(t, "Acme Corp")
	*env.Clock = env.Clock.Add(time.Hour)
	inProgress := domain.StageInProgress
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		ProjectID: p.ID, StageKey: domain.StageInfra, Status: &inProgress, Actor: "tester",
	}); err != nil {
		t.Fatalf("update stage: %v", err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, p.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected create + update events, got %d", len(evts))
	}
	// newest first, id tie-break keeps insertion order reversed
	if evts[0].Message != "stage updated" || evts[1].Message != "project created" {
		t.Fatalf("event order wrong: %q then %q", evts[0].Message, evts[1].Message)
	}
	// events are stamped on the engine clock, same as the project markers
	if evts[1].TS != createdAt {
		t.Fatalf("create event ts = %s, want %s", evts[1].TS, createdAt)
	}
	if want := env.Clock.UTC().Format(time.RFC3339); evts[0].TS != want {
		t.Fatalf("update event ts = %s, want %s", evts[0].TS, want)
	}
}
