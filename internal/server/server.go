package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"patchverify/internal/domain"
	"patchverify/internal/fingerprint"
	"patchverify/internal/jobs"
	"patchverify/internal/metadata"
	"patchverify/internal/patch"
)

// Config for the HTTP API handler.
type Config struct {
	Jobs *jobs.Service
	// Patches builds artifacts for POST /patches; defaults to Jobs.Patches.
	Patches  jobs.Builder
	Catalog  *metadata.Catalog
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"err_context_mismatch_byte_range"`
	Message string         `json:"message" example:"Context mismatch in byte range [3:23] for demo@abc"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the verification API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("server: jobs service required")
	}
	if cfg.Patches == nil {
		cfg.Patches = cfg.Jobs.Patches
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Patch Verification API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Catalog)
	registerPatches(group, cfg.Patches)
	registerVerifications(group, cfg.Jobs)
	registerReproductions(group, cfg.Jobs)
	registerCache(group, cfg.Jobs)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Duration("elapsed", time.Since(started)))
		})
	}
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
	if code, ok := domain.CodeOf(err); ok {
		switch code {
		case domain.CodeInvalidDefectID, domain.CodeMetadataUnavailable, domain.CodeContextMismatch,
			domain.CodeExtractionFailure, domain.CodeEmptyPatchContent:
			return newAPIError(http.StatusBadRequest, string(code), err.Error(), nil)
		case domain.CodeCacheUnavailable:
			return newAPIError(http.StatusServiceUnavailable, string(code), err.Error(), nil)
		default:
			return newAPIError(http.StatusInternalServerError, string(code), err.Error(), nil)
		}
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, jobs.ErrNoHistory):
		return newAPIError(http.StatusNotImplemented, "history_unavailable", err.Error(), nil)
	case errors.Is(err, jobs.ErrNoReproducer):
		return newAPIError(http.StatusNotImplemented, "reproduce_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseMethod(raw string) (patch.Strategy, huma.StatusError) {
	s, err := patch.ParseStrategy(raw)
	if err != nil {
		return s, newAPIError(http.StatusBadRequest, "invalid_method", err.Error(), map[string]any{"method": raw})
	}
	return s, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: ref}},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Patch Verification API Docs</title>
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

func registerProjects(api huma.API, cat *metadata.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects in the metadata catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectsResponse `json:"body"`
	}, error) {
		res := ProjectsResponse{Projects: []string{}}
		if cat != nil {
			res.Projects = cat.Projects()
			res.Defects = cat.Len()
		}
		return &struct {
			Body ProjectsResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPatches(api huma.API, patches jobs.Builder) {
	huma.Register(api, huma.Operation{
		OperationID: "build-patch",
		Method:      http.MethodPost,
		Path:        "/patches",
		Summary:     "Build a patch without verifying it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BuildPatchRequest `json:"body"`
	}) (*struct {
		Body PatchResponse `json:"body"`
	}, error) {
		strategy, apiErr := parseMethod(input.Body.Method)
		if apiErr != nil {
			return nil, apiErr
		}
		art, err := patches.Build(ctx, patch.Request{
			Defect:       input.Body.BugID,
			Response:     input.Body.Response,
			Strategy:     strategy,
			GenerateDiff: input.Body.GenerateDiff,
			Persist:      input.Body.Persist,
		})
		if err != nil {
			return nil, handleError(err)
		}
		defer art.Release()
		return &struct {
			Body PatchResponse `json:"body"`
		}{Body: patchResponse(art)}, nil
	})
}

func registerVerifications(api huma.API, svc *jobs.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-verification",
		Method:        http.MethodPost,
		Path:          "/verifications",
		Summary:       "Submit a patch for verification",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		strategy, apiErr := parseMethod(input.Body.Method)
		if apiErr != nil {
			return nil, apiErr
		}
		sub, err := svc.Submit(ctx, jobs.SubmitRequest{
			BugID:        input.Body.BugID,
			Response:     input.Body.Response,
			Strategy:     strategy,
			Persist:      input.Body.Persist,
			GenerateDiff: input.Body.GenerateDiff,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{Handle: sub.Handle, JobKey: sub.Key.String(), Job: sub.Record}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/verifications",
		Summary:     "List verification jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Only jobs in this state: queued, running, completed or failed"`
		Kind   string `query:"kind" doc:"Only jobs of this kind: verify or reproduce"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		items, err := svc.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: filterJobs(items, input.Status, input.Kind)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/verifications/{handle}",
		Summary:     "Get verification status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
	}) (*struct {
		Body domain.JobRecord `json:"body"`
	}, error) {
		rec, err := svc.Status(ctx, input.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verification-history",
		Method:      http.MethodGet,
		Path:        "/verifications/{handle}/history",
		Summary:     "List state transitions of a verification",
		Errors:      []int{http.StatusNotFound, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		evs, err := svc.History(ctx, input.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Handle: input.Handle, Events: evs}}, nil
	})
}

func registerReproductions(api huma.API, svc *jobs.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-reproduction",
		Method:        http.MethodPost,
		Path:          "/reproductions",
		Summary:       "Queue a rebuild of a defect's unpatched baseline",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		Body ReproduceRequest `json:"body"`
	}) (*struct {
		Body ReproduceResponse `json:"body"`
	}, error) {
		cleanup := true
		if input.Body.ForceCleanup != nil {
			cleanup = *input.Body.ForceCleanup
		}
		sub, err := svc.Reproduce(ctx, jobs.ReproduceRequest{BugID: input.Body.BugID, ForceCleanup: cleanup})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReproduceResponse `json:"body"`
		}{Body: ReproduceResponse{Handle: sub.Handle, Job: sub.Record}}, nil
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func registerCache(api huma.API, svc *jobs.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "evict-cache",
		Method:      http.MethodDelete,
		Path:        "/cache/{key}",
		Summary:     "Evict a job key from every cache tier",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key" example:"patch:demo@abc:0f1e..."`
	}) (*struct {
		Body EvictResponse `json:"body"`
	}, error) {
		if _, err := fingerprint.ParseJobKey(input.Key); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_job_key", err.Error(), map[string]any{"key": input.Key})
		}
		evicted, err := svc.Evict(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvictResponse `json:"body"`
		}{Body: EvictResponse{JobKey: input.Key, Evicted: evicted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cache-status",
		Method:      http.MethodGet,
		Path:        "/cache/status",
		Summary:     "Cache tier reachability and counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CacheStatusResponse `json:"body"`
	}, error) {
		stats := svc.Cache.Stats()
		backends := svc.Cache.Backends()
		res := CacheStatusResponse{Tiers: make([]TierStatusResponse, 0, len(stats))}
		for i, st := range stats {
			tier := TierStatusResponse{TierStats: st}
			if p, ok := backends[i].(pinger); ok {
				reachable := true
				if err := p.Ping(ctx); err != nil {
					reachable = false
					tier.PingError = err.Error()
				}
				tier.Reachable = &reachable
			}
			res.Tiers = append(res.Tiers, tier)
		}
		return &struct {
			Body CacheStatusResponse `json:"body"`
		}{Body: res}, nil
	})
}
