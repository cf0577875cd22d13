package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rollout/internal/domain"
	"rollout/internal/engine"
	"rollout/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"blocked stage requires a blocking reason"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rollout API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Rollout API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group)
	registerProjects(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		var details map[string]any
		if verr.Field != "" {
			details = map[string]any{"field": verr.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var cerr *engine.ConflictError
	if errors.As(err, &cerr) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Rollout API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID   string `json:"actor_id"`
			ActorName string `json:"actor_name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueJWT(cfg.JWTSecret, input.Body.ActorID, input.Body.ActorName, 24*time.Hour, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"actor_id":   p.ActorID,
			"actor_name": p.ActorName,
			"source":     p.Source,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:    input.Body.ID,
			Name:  input.Body.Name,
			Actor: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project, "")}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"todo,in-progress,blocked,done,archived" required:"false"`
		Name   string `query:"name" required:"false"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilter{Status: input.Status, Name: input.Name})
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p, e.Health.ClassifyProject(p, now)))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		project, healthStatus, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project, healthStatus)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Status:    input.Body.Status,
			Actor:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project, "")}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/stages/{stage_key}",
		Summary:     "Update pipeline stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		StageKey  string             `path:"stage_key"`
		Body      UpdateStageRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.UpdateStage(ctx, engine.StageUpdateOptions{
			ProjectID:      input.ProjectID,
			StageKey:       input.StageKey,
			Status:         input.Body.Status,
			Responsible:    input.Body.Responsible,
			StartDate:      input.Body.StartDate,
			EndDate:        input.Body.EndDate,
			BlockingReason: input.Body.BlockingReason,
			Observations:   input.Body.Observations,
			Attrs:          input.Body.Attrs,
			Actor:          p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project, "")}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage_key}",
		Summary:     "Get pipeline stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		StageKey  string `path:"stage_key"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStage(ctx, input.ProjectID, input.StageKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-to-conversion",
		Method:        http.MethodPost,
		Path:          "/queue",
		Summary:       "Send project to conversion queue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SendToConversionRequest `json:"body"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.SendToConversion(ctx, engine.SendToConversionOptions{
			ProjectID: input.Body.ProjectID,
			Priority:  input.Body.Priority,
			Notes:     input.Body.Notes,
			Actor:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List conversion queue",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" required:"false"`
		ProjectID string `query:"project_id" required:"false"`
	}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListQueueItems(ctx, repo.QueueFilter{Status: input.Status, ProjectID: input.ProjectID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: mapQueueItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-queue",
		Method:      http.MethodGet,
		Path:        "/queue/mine",
		Summary:     "Items assigned to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ByAssignee(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: mapQueueItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassigned-queue",
		Method:      http.MethodGet,
		Path:        "/queue/unassigned",
		Summary:     "Pending items without an assignee",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		items, err := e.Repo.Unassigned(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: mapQueueItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "homologation-queue",
		Method:      http.MethodGet,
		Path:        "/queue/homologation",
		Summary:     "Items at the QA gate",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		items, err := e.Repo.InHomologation(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: mapQueueItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      http.MethodGet,
		Path:        "/queue/stats",
		Summary:     "Queue counts per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		stats, err := e.Repo.QueueStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-item",
		Method:      http.MethodGet,
		Path:        "/queue/{item_id}",
		Summary:     "Get queue item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		item, err := e.Repo.GetQueueItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{item_id}/claim",
		Summary:     "Claim a pending item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AssignToMe(ctx, input.ItemID, p.ActorID, p.ActorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{item_id}/transfer",
		Summary:     "Transfer a working item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   TransferRequest `json:"body"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.TransferTo(ctx, engine.TransferOptions{
			ItemID:         input.ItemID,
			AssigneeID:     input.Body.AssigneeID,
			AssigneeName:   input.Body.AssigneeName,
			PropagateStage: input.Body.PropagateStage,
			Actor:          p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	registerQueueTransition(api, "submit-homologation", "/queue/{item_id}/submit", "Submit item for homologation", e.SendToHomologation)
	registerQueueTransition(api, "start-homologation", "/queue/{item_id}/homologation/start", "Start homologation review", e.StartHomologation)
	registerQueueTransition(api, "approve-homologation", "/queue/{item_id}/approve", "Approve homologation", e.ApproveHomologation)

	huma.Register(api, huma.Operation{
		OperationID: "update-queue-priority",
		Method:      http.MethodPatch,
		Path:        "/queue/{item_id}/priority",
		Summary:     "Change item priority",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string               `path:"item_id"`
		Body   QueuePriorityRequest `json:"body"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.UpdatePriority(ctx, input.ItemID, input.Body.Priority, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-queue-notes",
		Method:      http.MethodPatch,
		Path:        "/queue/{item_id}/notes",
		Summary:     "Replace item notes",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   QueueNotesRequest `json:"body"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.UpdateNotes(ctx, input.ItemID, input.Body.Notes, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-queue-status",
		Method:      http.MethodPatch,
		Path:        "/queue/{item_id}/status",
		Summary:     "Set item status directly",
		Description: "Escape hatch for flows the named transitions do not cover. The assignee invariant still holds.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   QueueStatusRequest `json:"body"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.UpdateQueueStatus(ctx, engine.QueueStatusOptions{
			ItemID:       input.ItemID,
			Status:       input.Body.Status,
			AssigneeID:   input.Body.AssigneeID,
			AssigneeName: input.Body.AssigneeName,
			Actor:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})
}

// registerQueueTransition wires one single-step queue transition endpoint.
func registerQueueTransition(api huma.API, opID, opPath, summary string, op func(context.Context, string, string) (domain.QueueItem, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        opPath,
		Summary:     summary,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body QueueItemResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := op(ctx, input.ItemID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueItemResponse `json:"body"`
		}{Body: queueItemResponse(item)}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-issue",
		Method:        http.MethodPost,
		Path:          "/queue/{item_id}/issues",
		Summary:       "Report a homologation issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   ReportIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.ReportIssue(ctx, engine.ReportIssueOptions{
			ItemID:      input.ItemID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Actor:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-issues",
		Method:      http.MethodGet,
		Path:        "/queue/{item_id}/issues",
		Summary:     "List an item's issues",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Status string `query:"status" enum:"open,in_progress,resolved" required:"false"`
	}) (*struct {
		Body []IssueResponse `json:"body"`
	}, error) {
		issues, err := e.Repo.ListIssues(ctx, repo.IssueFilter{QueueItemID: input.ItemID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IssueResponse `json:"body"`
		}{Body: mapIssues(issues)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{issue_id}",
		Summary:     "Update issue status",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string             `path:"issue_id"`
		Body    UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.UpdateIssueStatus(ctx, input.IssueID, input.Body.Status, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/resolve",
		Summary:     "Resolve issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string              `path:"issue_id"`
		Body    ResolveIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.ResolveIssue(ctx, engine.ResolveIssueOptions{
			IssueID: input.IssueID,
			Notes:   input.Body.Notes,
			Actor:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-issue",
		Method:      http.MethodDelete,
		Path:        "/issues/{issue_id}",
		Summary:     "Delete issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct{}, error) {
		p, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteIssue(ctx, input.IssueID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID  int64  `query:"before_id" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		events, err := e.Repo.ListEvents(ctx, input.ProjectID, limit, input.BeforeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Global audit log",
	}, func(ctx context.Context, input *struct {
		Limit    int   `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID int64 `query:"before_id" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		events, err := e.Repo.ListEvents(ctx, "", limit, input.BeforeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}
