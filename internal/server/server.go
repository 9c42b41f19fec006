package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
	// MaxScreenshotBytes caps multipart uploads; zero uses artifacts.DefaultMaxBytes.
	MaxScreenshotBytes int64
	// DefaultRunLimit applies to GET /runs when no limit is given.
	DefaultRunLimit int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"deletion_constraint"`
	Message string         `json:"message" example:"cannot delete Project 1: has associated Epics"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"Project\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every route needs.
type handlers struct {
	e               engine.Engine
	log             *slog.Logger
	maxShot         int64
	defaultRunLimit int
}

// fail maps err to the envelope and logs server faults.
func (h handlers) fail(err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() >= http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	}
	return se
}

// New returns an HTTP handler exposing the reporter API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	h := handlers{e: cfg.Engine, log: log, maxShot: cfg.MaxScreenshotBytes, defaultRunLimit: cfg.DefaultRunLimit}
	if h.maxShot <= 0 {
		h.maxShot = artifacts.DefaultMaxBytes
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema failures are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Redstone API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerProjects(group, h)
	registerEpics(group, h)
	registerFeatures(group, h)
	registerDefinitions(group, h)
	registerRuns(group, h)
	registerCases(group, h)
	registerStats(group, h)
	registerEvents(group, h)
	registerUploads(router, basePath, h)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pnf *domain.ParentNotFoundError
	if errors.As(err, &pnf) {
		return newAPIError(http.StatusNotFound, "parent_not_found", err.Error(), map[string]any{"kind": pnf.Kind, "id": pnf.ID})
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	var dc *domain.DeletionConstraintError
	if errors.As(err, &dc) {
		return newAPIError(http.StatusConflict, "deletion_constraint", err.Error(), map[string]any{"kind": dc.Kind, "id": dc.ID, "reason": dc.Reason})
	}
	var dup *domain.DuplicateError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"field": dup.Field})
	}
	var ise *domain.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), map[string]any{"kind": ise.Kind, "id": ise.ID})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
	var (
		once sync.Once
		spec []byte
		err  error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as requiring a bearer token.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Redstone API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"subject": p.Subject, "source": p.Source}}, nil
	})
}

func registerStats(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "global-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Statistics across every run",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.GlobalStats `json:"body"`
	}, error) {
		st, err := h.e.GlobalStats(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.GlobalStats `json:"body"`
		}{Body: st}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := h.e.ListEvents(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
