package domain

// Project is a client implementation tracked through the delivery pipeline.
// The six stages are created with the project and live for its lifetime.
type Project struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Status          string           `json:"status" enum:"todo,in-progress,blocked,done,archived"`
	OverallProgress int              `json:"overall_progress"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	LastUpdatedAt   string           `json:"last_updated_at" format:"date-time"`
	LastUpdatedBy   string           `json:"last_updated_by,omitempty"`
	Stages          map[string]Stage `json:"stages,omitempty"`
}

// Stage is one phase of a project's delivery pipeline. Attrs is an open
// extension bag for stage-specific fields (conversion's source system,
// infra's server flags, ...) that the core does not interpret.
type Stage struct {
	ProjectID      string         `json:"project_id"`
	Key            string         `json:"key"`
	Status         string         `json:"status" enum:"todo,in-progress,done,blocked,waiting_adjustment"`
	Responsible    *string        `json:"responsible,omitempty"`
	StartDate      *string        `json:"start_date,omitempty" format:"date-time"`
	EndDate        *string        `json:"end_date,omitempty" format:"date-time"`
	BlockingReason *string        `json:"blocking_reason,omitempty"`
	Observations   *string        `json:"observations,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// QueueItem is a unit of conversion work tied to one project. SentAt is
// immutable after creation.
type QueueItem struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Status         string  `json:"status" enum:"pending,in_progress,awaiting_homologation,homologation,homologation_issues,approved,done,cancelled"`
	Priority       int     `json:"priority"`
	Notes          string  `json:"notes,omitempty"`
	SentAt         string  `json:"sent_at" format:"date-time"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	AssignedToName *string `json:"assigned_to_name,omitempty"`
	AssignedAt     *string `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Issue is a defect reported during homologation review of a conversion.
type Issue struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	QueueItemID     string  `json:"queue_item_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Priority        string  `json:"priority" enum:"high,medium,low"`
	Status          string  `json:"status" enum:"open,in_progress,resolved"`
	ReportedAt      string  `json:"reported_at" format:"date-time"`
	FixedAt         *string `json:"fixed_at,omitempty" format:"date-time"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

// Event is one append-only audit log entry. Events are never updated or
// deleted; display order is id descending so same-timestamp entries keep
// insertion order.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	ProjectID string `json:"project_id"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Metadata  string `json:"metadata,omitempty"`
}

// APIKey identifies a caller via a hashed key.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
