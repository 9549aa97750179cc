package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/pipeline"
	"caseline/internal/projection"
	"caseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *pipeline.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"case not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
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
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerMessages(group, cfg.Engine, cfg.Runner)
	registerRuns(group, cfg.Engine, cfg.Runner)
	registerResume(group, cfg.Runner)
	registerProposals(group, cfg.Engine)
	registerPortalTasks(group, cfg.Engine)
	registerFollowUps(group, cfg.Engine, cfg.Runner)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrCaseClosed):
		return newAPIError(http.StatusConflict, "case_closed", err.Error(), nil)
	case errors.Is(err, pipeline.ErrAdjustmentsExhausted):
		return newAPIError(http.StatusConflict, "adjustments_exhausted", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "unknown") || strings.Contains(msg, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
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
    <title>Caseline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountCasesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"case_counts": counts}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:          strOrEmpty(input.Body.ID),
			Name:        input.Body.Name,
			PayloadJSON: strOrEmpty(input.Body.PayloadJSON),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		RequiresHuman *bool  `query:"requires_human"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			Status:        input.Status,
			RequiresHuman: input.RequiresHuman,
			Limit:         limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: cases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-view",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/view",
		Summary:     "Canonical case view",
		Description: "Derived read model: active proposal, portal task, run, and review state.",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body projection.View `json:"body"`
	}, error) {
		snap, err := loadSnapshot(ctx, e, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projection.View `json:"body"`
		}{Body: projection.Compute(snap, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/complete",
		Summary:     "Complete case",
	}, caseCloser(e, func(ctx context.Context, caseID, note, actorID string) error {
		return e.CompleteCase(ctx, caseID, note, actorID)
	}))

	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/cancel",
		Summary:     "Cancel case",
	}, caseCloserWithPerm(e, PermResolve, func(ctx context.Context, caseID, note, actorID string) error {
		return e.CancelCase(ctx, caseID, note, actorID)
	}))

	huma.Register(api, huma.Operation{
		OperationID: "reopen-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reopen",
		Summary:     "Reopen case",
	}, caseCloser(e, func(ctx context.Context, caseID, note, actorID string) error {
		return e.ReopenCase(ctx, caseID, note, actorID)
	}))
}

type closeCaseInput struct {
	CaseID string           `path:"case_id"`
	Body   CloseCaseRequest `json:"body"`
}

type closeCaseOutput struct {
	Body domain.Case `json:"body"`
}

func caseCloser(e engine.Engine, fn func(ctx context.Context, caseID, note, actorID string) error) func(context.Context, *closeCaseInput) (*closeCaseOutput, error) {
	return func(ctx context.Context, input *closeCaseInput) (*closeCaseOutput, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		return closeCase(ctx, e, input, actorID, fn)
	}
}

func caseCloserWithPerm(e engine.Engine, perm string, fn func(ctx context.Context, caseID, note, actorID string) error) func(context.Context, *closeCaseInput) (*closeCaseOutput, error) {
	return func(ctx context.Context, input *closeCaseInput) (*closeCaseOutput, error) {
		actorID, herr := requirePermission(ctx, perm)
		if herr != nil {
			return nil, herr
		}
		return closeCase(ctx, e, input, actorID, fn)
	}
}

func closeCase(ctx context.Context, e engine.Engine, input *closeCaseInput, actorID string, fn func(ctx context.Context, caseID, note, actorID string) error) (*closeCaseOutput, error) {
	if err := fn(ctx, input.CaseID, strOrEmpty(input.Body.Note), actorID); err != nil {
		return nil, handleError(err)
	}
	c, err := e.Repo.GetCase(ctx, input.CaseID)
	if err != nil {
		return nil, handleError(err)
	}
	return &closeCaseOutput{Body: c}, nil
}

func loadSnapshot(ctx context.Context, e engine.Engine, caseID string) (domain.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()
	snap, err := e.Repo.LoadSnapshot(ctx, tx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, tx.Commit()
}

func registerMessages(api huma.API, e engine.Engine, runner *pipeline.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-inbound-message",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/messages",
		Summary:       "Record inbound message",
		Description:   "Stores an agency reply and, by default, starts a pipeline run.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   InboundMessageRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		msg, err := e.RecordInboundMessage(ctx, input.CaseID, strOrEmpty(input.Body.Subject), input.Body.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"message": msg}
		if input.Body.StartRun == nil || *input.Body.StartRun {
			st, rerr := runner.Run(ctx, input.CaseID, domain.TriggerInboundMessage, actorID)
			switch {
			case errors.Is(rerr, pipeline.ErrSuspended):
				body["run"] = st.Run
				body["suspended"] = true
			case rerr != nil:
				body["run_error"] = rerr.Error()
			default:
				body["run"] = st.Run
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/messages",
		Summary:     "List messages",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		msgs, err := e.Repo.ListMessages(ctx, input.CaseID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: msgs}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine, runner *pipeline.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start pipeline run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		trigger := strOrEmpty(input.Body.Trigger)
		if trigger == "" {
			trigger = domain.TriggerManual
		}
		st, err := runner.Run(ctx, input.Body.CaseID, trigger, actorID)
		resp := RunResponse{}
		if st != nil {
			resp.Run = st.Run
		}
		switch {
		case errors.Is(err, pipeline.ErrSuspended):
			resp.Suspended = true
		case err != nil:
			return nil, handleError(err)
		}
		if st != nil {
			run, gerr := e.Repo.GetRun(ctx, st.Run.ID)
			if gerr == nil {
				resp.Run = run
			}
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, input.CaseID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-stale-runs",
		Method:      http.MethodPost,
		Path:        "/runs/reap",
		Summary:     "Reap stale runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		reaped, err := e.ReapStaleRuns(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"reaped": len(reaped), "runs": reaped}}, nil
	})
}

func registerResume(api huma.API, runner *pipeline.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "resume",
		Method:      http.MethodPost,
		Path:        "/resume",
		Summary:     "Resume gated proposal",
		Description: "Settles a human review via the opaque resume token.",
	}, func(ctx context.Context, input *struct {
		Body ResumeRequest `json:"body"`
	}) (*struct {
		Body ResumeResponse `json:"body"`
	}, error) {
		actorID, herr := requirePermission(ctx, PermResolve)
		if herr != nil {
			return nil, herr
		}
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		st, err := runner.Resume(ctx, input.Body.Token, input.Body.Decision, strOrEmpty(input.Body.Note), actorID)
		resp := ResumeResponse{Decision: input.Body.Decision}
		switch {
		case errors.Is(err, pipeline.ErrSuspended):
			resp.Suspended = true
		case err != nil:
			return nil, handleError(err)
		}
		if st != nil {
			resp.CaseID = st.Run.CaseID
			if resp.CaseID == "" {
				resp.CaseID = st.Case.ID
			}
		}
		return &struct {
			Body ResumeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		proposals, err := e.Repo.ListProposals(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: proposals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/executions",
		Summary:     "List execution records",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.ExecutionRecord `json:"body"`
	}, error) {
		execs, err := e.Repo.ListExecutions(ctx, input.CaseID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExecutionRecord `json:"body"`
		}{Body: execs}, nil
	})
}

func registerPortalTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-portal-tasks",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/portal-tasks",
		Summary:     "List portal tasks",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.PortalTask `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListPortalTasks(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PortalTask `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-portal-task",
		Method:      http.MethodDelete,
		Path:        "/portal-tasks/{task_id}",
		Summary:     "Cancel portal task",
		Description: "Closes an open portal task; the case falls back to sent.",
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   CancelPortalTaskRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.PortalTask `json:"body"`
	}, error) {
		actorID, herr := requirePermission(ctx, PermResolve)
		if herr != nil {
			return nil, herr
		}
		task, err := e.CancelPortalTask(ctx, input.TaskID, strOrEmpty(input.Body.Reason), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortalTask `json:"body"`
		}{Body: task}, nil
	})
}

func registerFollowUps(api huma.API, e engine.Engine, runner *pipeline.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule-followup",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/followup",
		Summary:     "Schedule follow-up",
	}, func(ctx context.Context, input *struct {
		CaseID string                  `path:"case_id"`
		Body   ScheduleFollowUpRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.FollowUp `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		interval := 0
		if input.Body.IntervalDays != nil {
			interval = *input.Body.IntervalDays
		}
		f, err := e.ScheduleFollowUp(ctx, input.CaseID, interval, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FollowUp `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-due-followups",
		Method:      http.MethodPost,
		Path:        "/followups/run",
		Summary:     "Process due follow-ups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FollowUpSweepResponse `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		results, err := runner.ProcessDueFollowUps(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := FollowUpSweepResponse{Processed: len(results)}
		for _, r := range results {
			item := FollowUpSweepItem{CaseID: r.CaseID, Outcome: r.Outcome}
			if r.Err != nil {
				item.Error = r.Err.Error()
			}
			resp.Results = append(resp.Results, item)
		}
		return &struct {
			Body FollowUpSweepResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Activity log",
	}, func(ctx context.Context, input *struct {
		CaseID     string `query:"case_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		evts, err := e.Repo.LatestEventsFrom(ctx, limit, cursor, input.CaseID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"events": evts}
		if len(evts) == limit {
			body["next_cursor"] = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body CreateKeyResponse `json:"body"`
	}, error) {
		if _, herr := actorIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		key, raw, err := e.CreateAPIKey(ctx, input.Body.ActorID, strOrEmpty(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateKeyResponse `json:"body"`
		}{Body: CreateKeyResponse{Key: key, Raw: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, herr := actorIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, herr := actorIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
