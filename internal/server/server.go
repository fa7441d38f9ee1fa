package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"medflow/internal/domain"
	"medflow/internal/engine"
	"medflow/internal/rbac"
	"medflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"transition assign requires status client_approved, request is new"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler exposing the transport request API.
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
			// Schema-level request errors are the caller's malformed input,
			// not a domain validation failure.
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
	hcfg := huma.DefaultConfig("Medflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group)
	registerWatch(router, basePath, cfg.Engine)

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

// handleError maps domain errors onto the wire taxonomy. The mapping is by
// error type, never by message text, so renaming a message cannot change a
// status code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe rbac.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"role":       fe.Role,
			"capability": string(fe.Capability),
		})
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"transition": ise.Transition,
			"current":    string(ise.Current),
			"required":   string(ise.Required),
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"field": ve.Field,
		})
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", "request was modified concurrently; refresh and retry", nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transport-request",
		Method:        http.MethodPost,
		Path:          "/transport-requests",
		Summary:       "Create transport request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestPayload `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateRequest(ctx, actor, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transport-requests",
		Method:      http.MethodGet,
		Path:        "/transport-requests",
		Summary:     "List transport requests",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",new,ops_available,rejected,client_approved,assigned"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RBAC.Require(ctx, actor.Role, rbac.Cap(rbac.ModuleTransport, rbac.ActionView)); err != nil {
			return nil, handleError(err)
		}
		status := domain.Status(input.Status)
		if input.Status != "" && !status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		items, err := e.Repo.ListRequests(ctx, status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RequestListResponse{Items: []RequestResponse{}}
		for _, req := range items {
			resp.Items = append(resp.Items, requestResponse(req))
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transport-request",
		Method:      http.MethodGet,
		Path:        "/transport-requests/{id}",
		Summary:     "Get transport request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RBAC.Require(ctx, actor.Role, rbac.Cap(rbac.ModuleTransport, rbac.ActionView)); err != nil {
			return nil, handleError(err)
		}
		req, err := e.Repo.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

// transitionEndpoint registers one POST transition route sharing the same
// request/response shapes.
func transitionEndpoint(api huma.API, opID, pathSuffix, summary string, run func(ctx context.Context, id string, actor domain.Actor, body NotePayload) (domain.TransportRequest, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/transport-requests/{id}/" + pathSuffix,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NotePayload `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := run(ctx, input.ID, actor, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	transitionEndpoint(api, "mark-available", "available", "Mark availability (ops)",
		func(ctx context.Context, id string, actor domain.Actor, body NotePayload) (domain.TransportRequest, error) {
			return e.MarkAvailable(ctx, id, actor, body.Note)
		})
	transitionEndpoint(api, "ops-reject", "ops-reject", "Reject for unavailability (ops)",
		func(ctx context.Context, id string, actor domain.Actor, body NotePayload) (domain.TransportRequest, error) {
			return e.RejectOps(ctx, id, actor, body.Note)
		})
	transitionEndpoint(api, "client-reject", "client-reject", "Record client rejection (sales)",
		func(ctx context.Context, id string, actor domain.Actor, body NotePayload) (domain.TransportRequest, error) {
			return e.RejectClient(ctx, id, actor, body.Note)
		})
	transitionEndpoint(api, "client-approve", "approve", "Record client approval (sales)",
		func(ctx context.Context, id string, actor domain.Actor, _ NotePayload) (domain.TransportRequest, error) {
			return e.Approve(ctx, id, actor)
		})

	huma.Register(api, huma.Operation{
		OperationID: "assign-transport-request",
		Method:      http.MethodPost,
		Path:        "/transport-requests/{id}/assign",
		Summary:     "Assign units (dispatch)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignPayload `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Assign(ctx, input.ID, actor, engine.AssignOptions{
			AmbulanceID: input.Body.AmbulanceID,
			Team:        input.Body.Team,
			Crew:        input.Body.Crew,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-request-events",
		Method:      http.MethodGet,
		Path:        "/transport-requests/{id}/events",
		Summary:     "Audit log for one request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RBAC.Require(ctx, actor.Role, rbac.Cap(rbac.ModuleTransport, rbac.ActionView)); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetRequest(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.Events(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/rbac/roles/{role}",
		Summary:     "Resolved capability matrix for a role",
	}, func(ctx context.Context, input *struct {
		Role string `path:"role"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.RBAC.Resolve(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		caps := []string{}
		for _, c := range m.Grants() {
			caps = append(caps, string(c))
		}
		sort.Strings(caps)
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: RoleResponse{Role: input.Role, Admin: m.Admin, Capabilities: caps}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Email: p.Email, Role: p.Role, Source: p.Source}}, nil
	})
}

// registerWatch streams request snapshots as server-sent events. Registered
// straight on the router; long-lived streams do not fit the huma model.
func registerWatch(router chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "transport-requests/{id}/watch")
	router.Get(route, func(w http.ResponseWriter, r *http.Request) {
		actor, authErr := actorFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if err := e.RBAC.Require(r.Context(), actor.Role, rbac.Cap(rbac.ModuleTransport, rbac.ActionView)); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		id := chi.URLParam(r, "id")
		current, err := e.Repo.GetRequest(r.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		updates, cancel := e.Broker.Subscribe(id)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		writeSSE(w, requestResponse(current))
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case req, open := <-updates:
				if !open {
					return
				}
				writeSSE(w, requestResponse(req))
				flusher.Flush()
				if req.Status.Terminal() {
					return
				}
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, body RequestResponse) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
