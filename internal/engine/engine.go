package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollout/internal/config"
	"rollout/internal/domain"
	"rollout/internal/events"
	"rollout/internal/health"
	"rollout/internal/notify"
	"rollout/internal/repo"
)

// Engine runs the pipeline and queue workflows. Every mutation happens in one
// transaction together with the audit event describing it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Health health.Calculator
	Notify notify.Notifier
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: notify.Nop{},
		Now:    time.Now,
	}
	if cfg != nil {
		e.Health = health.Calculator{
			WarningAfter:  time.Duration(cfg.Health.WarningAfterDays) * 24 * time.Hour,
			CriticalAfter: time.Duration(cfg.Health.CriticalAfterDays) * 24 * time.Hour,
		}
		if len(cfg.Notifications.Webhooks) > 0 {
			e.Notify = notify.NewWebhooks(cfg.Notifications.Webhooks)
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// appendEvent writes an audit entry on the engine clock, so the event ts
// matches the last_updated_at written in the same transaction.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, projectID, actor, message string, payload events.Payload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, projectID, actor, message, payload)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID    string
	Name  string
	Actor string
}

// CreateProject creates a project together with its six stages, all todo.
// The stages exist for the project's whole lifetime; no code path creates a
// project without them.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, validation("name", "name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowRFC3339()
	p := domain.Project{
		ID:            id,
		Name:          strings.TrimSpace(opts.Name),
		Status:        domain.ProjectTodo,
		CreatedAt:     now,
		LastUpdatedAt: now,
		LastUpdatedBy: opts.Actor,
		Stages:        make(map[string]domain.Stage, domain.StageCount),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	for _, key := range domain.StageKeys() {
		s := domain.Stage{
			ProjectID: p.ID,
			Key:       key,
			Status:    domain.StageTodo,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
			return domain.Project{}, err
		}
		p.Stages[key] = s
	}
	if err := e.appendEvent(ctx, tx, p.ID, opts.Actor, "project created", events.Payload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject loads a project with its stages and current health.
func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, string, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, "", err
	}
	p.Stages, err = e.Repo.ListStages(ctx, id)
	if err != nil {
		return domain.Project{}, "", err
	}
	p.OverallProgress = health.Progress(p.Stages, p.OverallProgress)
	return p, e.Health.ClassifyProject(p, e.now()), nil
}

// ProjectUpdateOptions carries a partial project update. Nil fields keep
// their current value.
type ProjectUpdateOptions struct {
	ProjectID string
	Name      *string
	Status    *string
	Actor     string
}

// UpdateProject renames or re-statuses a project. Status here is the explicit
// override path (archive and unarchive); day-to-day status comes from stage
// derivation.
func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Status != nil && !domain.ValidProjectStatus(*opts.Status) {
		return domain.Project{}, validation("status", "unknown project status %q", *opts.Status)
	}
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Project{}, validation("name", "name cannot be empty")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	changes := events.Payload{}
	if opts.Name != nil {
		p.Name = strings.TrimSpace(*opts.Name)
		changes["name"] = p.Name
	}
	if opts.Status != nil {
		p.Status = *opts.Status
		changes["status"] = p.Status
	}
	if len(changes) == 0 {
		return p, nil
	}
	p.LastUpdatedAt = e.nowRFC3339()
	p.LastUpdatedBy = opts.Actor
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, p.ID, opts.Actor, "project updated", changes); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// StageUpdateOptions carries a partial stage update. Nil fields keep their
// current value; empty strings clear optional fields.
type StageUpdateOptions struct {
	ProjectID      string
	StageKey       string
	Status         *string
	Responsible    *string
	StartDate      *string
	EndDate        *string
	BlockingReason *string
	Observations   *string
	Attrs          map[string]any
	Actor          string
}

// UpdateStage applies a partial update to one stage, then refreshes the
// project's derived status, progress, and last-updated markers in the same
// transaction.
func (e Engine) UpdateStage(ctx context.Context, opts StageUpdateOptions) (domain.Project, error) {
	if !domain.ValidStageKey(opts.StageKey) {
		return domain.Project{}, validation("stage_key", "unknown stage %q", opts.StageKey)
	}
	if opts.Status != nil {
		if _, ok := domain.ParseStageStatus(*opts.Status); !ok {
			return domain.Project{}, validation("status", "unknown stage status %q", *opts.Status)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, opts.ProjectID, opts.StageKey)
	if err != nil {
		return domain.Project{}, err
	}

	changes := events.Payload{"stage": opts.StageKey}
	if opts.Status != nil {
		next, _ := domain.ParseStageStatus(*opts.Status)
		if !domain.IsValidStageTransition(s.Status, next) {
			return domain.Project{}, validation("status", "cannot move stage from %q to %q", s.Status, next)
		}
		if s.Status != next {
			changes["from"] = s.Status
			changes["to"] = next
		}
		s.Status = next
	}
	if opts.Responsible != nil {
		s.Responsible = optionalString(*opts.Responsible)
		changes["responsible"] = *opts.Responsible
	}
	if opts.StartDate != nil {
		if err := validDate("start_date", *opts.StartDate); err != nil {
			return domain.Project{}, err
		}
		s.StartDate = optionalString(*opts.StartDate)
	}
	if opts.EndDate != nil {
		if err := validDate("end_date", *opts.EndDate); err != nil {
			return domain.Project{}, err
		}
		s.EndDate = optionalString(*opts.EndDate)
	}
	if err := ensureDateOrder(s.StartDate, s.EndDate); err != nil {
		return domain.Project{}, err
	}
	if opts.BlockingReason != nil {
		s.BlockingReason = optionalString(*opts.BlockingReason)
	}
	if opts.Observations != nil {
		s.Observations = optionalString(*opts.Observations)
	}
	if opts.Attrs != nil {
		if s.Attrs == nil {
			s.Attrs = map[string]any{}
		}
		for k, v := range opts.Attrs {
			if v == nil {
				delete(s.Attrs, k)
				continue
			}
			s.Attrs[k] = v
		}
	}

	// A blocked stage must say why. Leaving blocked always clears the
	// reason so it never lingers on an unblocked stage.
	if s.Status == domain.StageBlocked {
		if s.BlockingReason == nil || strings.TrimSpace(*s.BlockingReason) == "" {
			return domain.Project{}, validation("blocking_reason", "blocked stage requires a blocking reason")
		}
	} else if s.BlockingReason != nil {
		s.BlockingReason = nil
		changes["blocking_reason_cleared"] = true
	}

	now := e.nowRFC3339()
	s.UpdatedAt = now
	if err := e.Repo.UpdateStage(ctx, tx, s); err != nil {
		return domain.Project{}, err
	}

	p, err = e.refreshProject(ctx, tx, p, opts.Actor, now)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, p.ID, opts.Actor, "stage updated", changes); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// refreshProject recomputes derived status and progress from the project's
// stages and stamps the last-updated markers. Progress only ever moves up.
func (e Engine) refreshProject(ctx context.Context, tx *sql.Tx, p domain.Project, actor, now string) (domain.Project, error) {
	stages, err := e.Repo.ListStagesTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	p.Stages = stages
	p.Status = domain.DeriveProjectStatus(p.Status, stages)
	p.OverallProgress = health.Progress(stages, p.OverallProgress)
	p.LastUpdatedAt = now
	p.LastUpdatedBy = actor
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func validDate(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return validation(field, "invalid timestamp %q", value)
	}
	return nil
}

func ensureDateOrder(start, end *string) error {
	if start == nil || end == nil {
		return nil
	}
	s, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		return validation("start_date", "invalid timestamp %q", *start)
	}
	t, err := time.Parse(time.RFC3339, *end)
	if err != nil {
		return validation("end_date", "invalid timestamp %q", *end)
	}
	if t.Before(s) {
		return validation("end_date", "end date precedes start date")
	}
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
