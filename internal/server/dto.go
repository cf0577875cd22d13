package server

import (
	"rollout/internal/domain"
)

type CreateProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type UpdateProjectRequest struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty" enum:"todo,in-progress,blocked,done,archived"`
}

type StageResponse struct {
	Key            string         `json:"key"`
	Status         string         `json:"status"`
	Responsible    *string        `json:"responsible,omitempty"`
	StartDate      *string        `json:"start_date,omitempty"`
	EndDate        *string        `json:"end_date,omitempty"`
	BlockingReason *string        `json:"blocking_reason,omitempty"`
	Observations   *string        `json:"observations,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
	UpdatedAt      string         `json:"updated_at"`
}

type ProjectResponse struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Status          string                   `json:"status"`
	OverallProgress int                      `json:"overall_progress"`
	Health          string                   `json:"health,omitempty"`
	CreatedAt       string                   `json:"created_at"`
	LastUpdatedAt   string                   `json:"last_updated_at"`
	LastUpdatedBy   string                   `json:"last_updated_by,omitempty"`
	Stages          map[string]StageResponse `json:"stages,omitempty"`
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		Key:            s.Key,
		Status:         s.Status,
		Responsible:    s.Responsible,
		StartDate:      s.StartDate,
		EndDate:        s.EndDate,
		BlockingReason: s.BlockingReason,
		Observations:   s.Observations,
		Attrs:          s.Attrs,
		UpdatedAt:      s.UpdatedAt,
	}
}

func projectResponse(p domain.Project, healthStatus string) ProjectResponse {
	resp := ProjectResponse{
		ID:              p.ID,
		Name:            p.Name,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		Health:          healthStatus,
		CreatedAt:       p.CreatedAt,
		LastUpdatedAt:   p.LastUpdatedAt,
		LastUpdatedBy:   p.LastUpdatedBy,
	}
	if len(p.Stages) > 0 {
		resp.Stages = make(map[string]StageResponse, len(p.Stages))
		for key, s := range p.Stages {
			resp.Stages[key] = stageResponse(s)
		}
	}
	return resp
}

type UpdateStageRequest struct {
	Status         *string        `json:"status,omitempty" enum:"todo,in-progress,done,blocked,waiting_adjustment"`
	Responsible    *string        `json:"responsible,omitempty"`
	StartDate      *string        `json:"start_date,omitempty"`
	EndDate        *string        `json:"end_date,omitempty"`
	BlockingReason *string        `json:"blocking_reason,omitempty"`
	Observations   *string        `json:"observations,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

type QueueItemResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Status         string  `json:"status"`
	Priority       int     `json:"priority"`
	Notes          string  `json:"notes,omitempty"`
	SentAt         string  `json:"sent_at"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	AssignedToName *string `json:"assigned_to_name,omitempty"`
	AssignedAt     *string `json:"assigned_at,omitempty"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	UpdatedAt      string  `json:"updated_at"`
}

func queueItemResponse(q domain.QueueItem) QueueItemResponse {
	return QueueItemResponse{
		ID:             q.ID,
		ProjectID:      q.ProjectID,
		Status:         q.Status,
		Priority:       q.Priority,
		Notes:          q.Notes,
		SentAt:         q.SentAt,
		AssignedTo:     q.AssignedTo,
		AssignedToName: q.AssignedToName,
		AssignedAt:     q.AssignedAt,
		StartedAt:      q.StartedAt,
		CompletedAt:    q.CompletedAt,
		UpdatedAt:      q.UpdatedAt,
	}
}

func mapQueueItems(items []domain.QueueItem) []QueueItemResponse {
	res := make([]QueueItemResponse, 0, len(items))
	for _, q := range items {
		res = append(res, queueItemResponse(q))
	}
	return res
}

type SendToConversionRequest struct {
	ProjectID string `json:"project_id"`
	Priority  int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Notes     string `json:"notes,omitempty"`
}

type TransferRequest struct {
	AssigneeID     string `json:"assignee_id"`
	AssigneeName   string `json:"assignee_name,omitempty"`
	PropagateStage bool   `json:"propagate_stage,omitempty"`
}

type QueuePriorityRequest struct {
	Priority int `json:"priority" minimum:"1" maximum:"5"`
}

type QueueNotesRequest struct {
	Notes string `json:"notes"`
}

type QueueStatusRequest struct {
	Status       string `json:"status" enum:"pending,in_progress,awaiting_homologation,homologation,homologation_issues,approved,done,cancelled"`
	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeName string `json:"assignee_name,omitempty"`
}

type ReportIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"high,medium,low"`
}

type UpdateIssueRequest struct {
	Status string `json:"status" enum:"open,in_progress"`
}

type ResolveIssueRequest struct {
	Notes string `json:"notes,omitempty"`
}

type IssueResponse struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	QueueItemID     string  `json:"queue_item_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	ReportedAt      string  `json:"reported_at"`
	FixedAt         *string `json:"fixed_at,omitempty"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:              i.ID,
		ProjectID:       i.ProjectID,
		QueueItemID:     i.QueueItemID,
		Title:           i.Title,
		Description:     i.Description,
		Priority:        i.Priority,
		Status:          i.Status,
		ReportedAt:      i.ReportedAt,
		FixedAt:         i.FixedAt,
		ResolvedBy:      i.ResolvedBy,
		ResolutionNotes: i.ResolutionNotes,
	}
}

func mapIssues(issues []domain.Issue) []IssueResponse {
	res := make([]IssueResponse, 0, len(issues))
	for _, i := range issues {
		res = append(res, issueResponse(i))
	}
	return res
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	ProjectID string `json:"project_id"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Metadata  string `json:"metadata,omitempty"`
}

func mapEvents(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		res = append(res, EventResponse{
			ID:        e.ID,
			TS:        e.TS,
			ProjectID: e.ProjectID,
			Actor:     e.Actor,
			Message:   e.Message,
			Metadata:  e.Metadata,
		})
	}
	return res
}
