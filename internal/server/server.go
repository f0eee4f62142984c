package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/engine/auth"
	"cardline/internal/repo"
	"cardline/internal/statemachine"
)

const defaultLeaseSeconds = 300

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition READY -> DONE for issue"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"READY\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Cardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, logger))
	hcfg := huma.DefaultConfig("Cardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "/docs"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCards(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerTurnRecords(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	describeAPI(api.OpenAPI(), basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"card_type": te.CardType, "from": te.From, "to": te.To,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseHeld), errors.Is(err, engine.ErrLeaseLost):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts permissions carried by the token, then falls back to the
// project's RBAC tables.
func requirePermission(ctx context.Context, e engine.Engine, projectID, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal.ActorID, nil
	}
	if err := e.RequirePermission(ctx, projectID, principal.ActorID, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

// projectCard loads a card and hides cards of other projects.
func projectCard(ctx context.Context, e engine.Engine, projectID, cardID string) (domain.Card, error) {
	c, err := e.GetCard(ctx, cardID)
	if err != nil {
		return c, err
	}
	if c.ProjectID != projectID {
		return domain.Card{}, fmt.Errorf("card %s: %w", cardID, repo.ErrNotFound)
	}
	return c, nil
}

// describeAPI documents the error envelope and auth schemes on every operation. It runs once
// after registration, so huma's /openapi.json and /docs serve the decorated document.
func describeAPI(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	var errSchema *huma.Schema
	if oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for route, item := range oas.Paths {
		public := route == path.Join(basePath, "health") || route == path.Join(basePath, "auth/dev/login")
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if public {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
			if errSchema == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: errSchema}},
			}
		}
	}
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

// CardPath addresses one card under a project.
type CardPath struct {
	ProjectID string `path:"project_id"`
	CardID    string `path:"card_id"`
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "card.write")
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CardCreateOptions{
			ProjectID: input.ProjectID,
			Type:      input.Body.Type,
			Title:     input.Body.Title,
			Summary:   input.Body.Summary,
			DependsOn: input.Body.DependsOn,
			Priority:  input.Body.Priority,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Seat != nil {
			opts.Seat = *input.Body.Seat
		}
		c, err := e.CreateCard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards",
		Summary:     "List cards",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Type      string `query:"type"`
		Seat      string `query:"seat"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedCards `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.CardFilters{ProjectID: input.ProjectID, Type: input.Type, AssignedSeat: input.Seat, Limit: limit + 1}
		if input.Status != "" {
			st, ok := domain.ParseStatus(input.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
			}
			f.Status = string(st)
		}
		if input.Cursor != "" {
			ts, id, err := parseCompositeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.CursorCreatedAt, f.CursorID = ts, id
		}
		items, err := e.ListCards(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCards{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedCards `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-cards",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards/ready",
		Summary:     "Cards ready to run",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.CardSummary `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.FetchReadyCards(ctx, input.ProjectID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CardSummary `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *CardPath) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		c, err := projectCard(ctx, e, input.ProjectID, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-card",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cards/{card_id}/transition",
		Summary:     "Change card status",
		Description: "Applies a table-checked status change observed from `from`. A card already at `to` is returned unchanged.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "card.transition")
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := projectCard(ctx, e, input.ProjectID, input.CardID); err != nil {
			return nil, handleError(err)
		}
		from, okFrom := domain.ParseStatus(input.Body.From)
		to, okTo := domain.ParseStatus(input.Body.To)
		if !okFrom || !okTo {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"from": input.Body.From, "to": input.Body.To})
		}
		c, err := e.TransitionState(ctx, engine.Transition{CardID: input.CardID, From: from, To: to, Reason: input.Body.Reason, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-lease",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cards/{card_id}/lease",
		Summary:     "Acquire card lease",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body LeaseRequest `json:"body" required:"false"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "card.lease")
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := projectCard(ctx, e, input.ProjectID, input.CardID); err != nil {
			return nil, handleError(err)
		}
		secs := input.Body.LeaseSeconds
		if secs <= 0 {
			secs = defaultLeaseSeconds
		}
		lease, err := e.AcquireLease(ctx, input.CardID, actorID, secs)
		if err != nil {
			return nil, handleError(err)
		}
		if lease == nil {
			return nil, handleError(fmt.Errorf("card %s: %w", input.CardID, engine.ErrLeaseHeld))
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: LeaseResponse{Acquired: true, Lease: lease}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "renew-lease",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cards/{card_id}/lease/renew",
		Summary:     "Renew card lease",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body RenewLeaseRequest `json:"body"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "card.lease")
		if err != nil {
			return nil, handleError(err)
		}
		secs := input.Body.LeaseSeconds
		if secs <= 0 {
			secs = defaultLeaseSeconds
		}
		lease, err := e.RenewLease(ctx, input.CardID, actorID, input.Body.Epoch, secs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: LeaseResponse{Acquired: true, Lease: &lease}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lease",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cards/{card_id}/lease/release",
		Summary:     "Release card lease",
		Description: "Ends the caller's lease. A non-empty `error` records a card.failed event; `final_status` moves the card through the transition table.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body ReleaseLeaseRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "card.lease")
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := projectCard(ctx, e, input.ProjectID, input.CardID); err != nil {
			return nil, handleError(err)
		}
		var final domain.Status
		if input.Body.FinalStatus != "" {
			st, ok := domain.ParseStatus(input.Body.FinalStatus)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"final_status": input.Body.FinalStatus})
			}
			final = st
		}
		var cause error
		if msg := strings.TrimSpace(input.Body.Error); msg != "" {
			cause = errors.New(msg)
		}
		if err := e.ReleaseOrFail(ctx, input.CardID, actorID, final, cause); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerTurnRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards/{card_id}/checkpoints",
		Summary:     "Turn checkpoints of a card",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardPath
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := projectCard(ctx, e, input.ProjectID, input.CardID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCheckpoints(ctx, input.CardID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards/{card_id}/violations",
		Summary:     "Contract violations recorded for a card",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *CardPath) (*struct {
		Body []domain.ViolationRecord `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := projectCard(ctx, e, input.ProjectID, input.CardID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListViolationsByCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ViolationRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List tool approvals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending,approved,rejected,"`
	}) (*struct {
		Body []domain.PendingApproval `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "card.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListApprovals(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PendingApproval `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/approvals/{approval_id}/decision",
		Summary:     "Approve or reject a held tool call",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		ApprovalID string                `path:"approval_id"`
		Body       DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.PendingApproval `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "approval.decide")
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.DecideApproval(ctx, input.ApprovalID, input.Body.Approve, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PendingApproval `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,card,lease,approval,rbac,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := input.ProjectID
		if projectID == "" && e.Config != nil {
			projectID = e.Config.Project.ID
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && projectID != "" {
			if who, err := e.WhoAmI(ctx, projectID, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			ProjectID:   projectID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", errors.New("invalid cursor")
	}
	return ts, id, nil
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}
