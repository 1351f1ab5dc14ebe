package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fichecontact/internal/engine"
	"fichecontact/internal/logging"
	"fichecontact/internal/schemas"
)

// SchemaCatalog exposes the work schemas to API clients.
type SchemaCatalog interface {
	Schema(work string) (schemas.Document, bool)
	All() map[string]schemas.Document
}

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Schemas        SchemaCatalog
	BasePath       string
	AllowedOrigins []string
	Log            *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"fiche 3f2a: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"work\":\"porte\"}"`
}

type bodyBytesKey struct{}

// maxBodyBytes caps request bodies, matching huma's own per-operation limit.
const maxBodyBytes = 1 << 20

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fiche API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Repo == nil {
		return nil, errors.New("server: engine repository is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request schema violations are client errors like any other bad input.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.AccessLog(log))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	router.Use(captureBody)
	hcfg := huma.DefaultConfig("Fiche Contact API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // served by registerDocs
	hcfg.OpenAPI.OnAddOperation = append(hcfg.OpenAPI.OnAddOperation, documentErrorEnvelope)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchemas(group, cfg.Schemas)
	registerFiches(group, cfg.Engine)
	registerFicheLifecycle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
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
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"kind": string(ve.Kind)}
		if ve.Work != "" {
			details["work"] = ve.Work
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Message, details)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := strings.ReplaceAll(docsPage, "{{spec}}", path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(api.OpenAPI())
		if err != nil {
			writeAPIError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
}

// documentErrorEnvelope declares the error envelope as the fallback response
// of every registered operation.
func documentErrorEnvelope(_ *huma.OpenAPI, op *huma.Operation) {
	if op.Responses == nil {
		op.Responses = map[string]*huma.Response{}
	}
	op.Responses["default"] = &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
}

const docsPage = `<!doctype html>
<html lang="fr">
<head>
<meta charset="utf-8"/>
<title>Fiche Contact API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>SwaggerUIBundle({url: "{{spec}}", dom_id: "#swagger-ui"});</script>
</body>
</html>`

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

func registerSchemas(api huma.API, catalog SchemaCatalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-schemas",
		Method:      http.MethodGet,
		Path:        "/schemas",
		Summary:     "All work schemas, by work type",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]schemas.Document `json:"body"`
	}, error) {
		all := map[string]schemas.Document{}
		if catalog != nil {
			all = catalog.All()
		}
		return &struct {
			Body map[string]schemas.Document `json:"body"`
		}{Body: all}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schema",
		Method:      http.MethodGet,
		Path:        "/schemas/{work}",
		Summary:     "Schema of one work type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Work string `path:"work"`
	}) (*struct {
		Body schemas.Document `json:"body"`
	}, error) {
		if catalog == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("no schema for work type '%s'", input.Work), nil)
		}
		doc, ok := catalog.Schema(input.Work)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("no schema for work type '%s'", input.Work), map[string]any{"work": input.Work})
		}
		return &struct {
			Body schemas.Document `json:"body"`
		}{Body: doc}, nil
	})
}

type ficheOutput struct {
	Body FicheResponse `json:"body"`
}

type fichePath struct {
	ID string `path:"id"`
}

func registerFiches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-fiche",
		Method:        http.MethodPost,
		Path:          "/fiches",
		Summary:       "Create fiche",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateFicheRequest `json:"body"`
	}) (*ficheOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b := input.Body
		f, err := e.CreateFiche(ctx, engine.FicheCreateOptions{
			Lastname:        b.Lastname,
			Firstname:       b.Firstname,
			AppointmentDate: b.DateRdv,
			AppointmentTime: b.HeureRdv,
			Phone:           b.Telephone,
			Email:           b.Email,
			Address:         b.Address,
			PostalCode:      b.CodePostal,
			City:            b.City,
			HousingType:     b.TypeLogement,
			HousingStatus:   b.StatutHabitation,
			OriginContact:   b.OriginContact,
			WorksPlanned:    worksFromRequest(b.WorksPlanned),
			Commentary:      b.Commentary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ficheOutput{Body: ficheResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fiches",
		Method:      http.MethodGet,
		Path:        "/fiches",
		Summary:     "List fiches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FicheResponse `json:"body"`
	}, error) {
		items, err := e.ListFiches(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FicheResponse `json:"body"`
		}{Body: mapFiches(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fiches-in-progress",
		Method:      http.MethodGet,
		Path:        "/fiches/in-progress",
		Summary:     "List fiches in progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FicheResponse `json:"body"`
	}, error) {
		items, err := e.ListInProgress(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FicheResponse `json:"body"`
		}{Body: mapFiches(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cities",
		Method:      http.MethodGet,
		Path:        "/fiches/cities",
		Summary:     "Distinct cities of all fiches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		cities, err := e.Cities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: cities}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fiche",
		Method:      http.MethodGet,
		Path:        "/fiches/{id}",
		Summary:     "Get fiche",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *fichePath) (*ficheOutput, error) {
		f, err := e.GetFiche(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ficheOutput{Body: ficheResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-fiche",
		Method:      http.MethodPatch,
		Path:        "/fiches/{id}",
		Summary:     "Update fiche fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateFicheRequest `json:"body"`
	}) (*ficheOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		f, err := e.UpdateFiche(ctx, updateOptions(input.ID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &ficheOutput{Body: ficheResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-fiche",
		Method:        http.MethodDelete,
		Path:          "/fiches/{id}",
		Summary:       "Delete fiche",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *fichePath) (*struct{}, error) {
		if err := e.DeleteFiche(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// updateOptions turns present, non-null request fields into set options.
func updateOptions(id string, b UpdateFicheRequest) engine.FicheUpdateOptions {
	opt := func(v *string) engine.Opt[string] {
		if v == nil {
			return engine.Opt[string]{}
		}
		return engine.Some(*v)
	}
	opts := engine.FicheUpdateOptions{
		ID:              id,
		Lastname:        opt(b.Lastname),
		Firstname:       opt(b.Firstname),
		AppointmentDate: opt(b.DateRdv),
		AppointmentTime: opt(b.HeureRdv),
		Phone:           opt(b.Telephone),
		Email:           opt(b.Email),
		Address:         opt(b.Address),
		PostalCode:      opt(b.CodePostal),
		City:            opt(b.City),
		HousingType:     opt(b.TypeLogement),
		HousingStatus:   opt(b.StatutHabitation),
		OriginContact:   opt(b.OriginContact),
		Commentary:      opt(b.Commentary),
	}
	if b.WorksPlanned != nil {
		opts.WorksPlanned = engine.Some(worksFromRequest(*b.WorksPlanned))
	}
	return opts
}

func registerFicheLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-fiche",
		Method:      http.MethodPut,
		Path:        "/fiches/{id}/validate",
		Summary:     "Mark fiche completed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *fichePath) (*ficheOutput, error) {
		f, err := e.ValidateFiche(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ficheOutput{Body: ficheResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-fiche",
		Method:      http.MethodPut,
		Path:        "/fiches/{id}/works",
		Summary:     "Replace works after schema validation and complete fiche",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CompleteWorksRequest `json:"body"`
	}) (*ficheOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		f, err := e.CompleteFiche(ctx, input.ID, input.Body.WorksPlanned)
		if err != nil {
			return nil, handleError(err)
		}
		return &ficheOutput{Body: ficheResponse(f)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-fiche-events",
		Method:      http.MethodGet,
		Path:        "/fiches/{id}/events",
		Summary:     "Audit journal of a fiche",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Type string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.FicheEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, evt := range items {
			if input.Type != "" && evt.Type != input.Type {
				continue
			}
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// captureBody buffers the request body so handlers can tell an empty body
// from an empty object. Bodies over maxBodyBytes are refused with 413.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeAPIError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
				return
			}
			writeAPIError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	data, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return data
}

func writeAPIError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	json.NewEncoder(w).Encode(err)
}
