// Package server exposes the warmup orchestrator over HTTP: account
// lifecycle, queue introspection, pool management, and the review backlog.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/engine"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"account not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the warmup API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Warmup API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerPool(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoCandidate) {
		return newAPIError(http.StatusConflict, "pool_exhausted", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not open"),
		strings.Contains(lowered, "not claimed"),
		strings.Contains(lowered, "already resolved"),
		strings.Contains(lowered, "not in progress"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot"):
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
	case http.StatusForbidden:
		return "forbidden"
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

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Import account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ImportAccountRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ImportAccount(ctx, input.Body.Username, input.Body.ModelName, input.Body.ContainerNumber, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body accountList `json:"body"`
	}, error) {
		items, err := e.Repo.ListAccounts(ctx, repo.AccountFilters{LifecycleState: input.State, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Account{}
		}
		return &struct {
			Body accountList `json:"body"`
		}{Body: accountList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-warmup",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/warmup",
		Summary:     "Start warmup",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WarmupSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.StartWarmup(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.WarmupStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WarmupSummary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "warmup-status",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/warmup",
		Summary:     "Warmup status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WarmupSummary `json:"body"`
	}, error) {
		s, err := e.WarmupStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WarmupSummary `json:"body"`
		}{Body: s}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Queue status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueStatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountPhasesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		slots, err := e.Repo.ListSlots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if slots == nil {
			slots = []domain.Slot{}
		}
		return &struct {
			Body QueueStatusResponse `json:"body"`
		}{Body: QueueStatusResponse{
			Counts:   counts,
			InFlight: counts[string(domain.StatusInProgress)],
			Slots:    slots,
		}}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List review backlog",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"open,claimed,resolved,"`
		AccountID string `query:"account_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body reviewList `json:"body"`
	}, error) {
		items, err := e.Repo.ListReviews(ctx, repo.ReviewFilters{
			AccountID: input.AccountID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ReviewEntry{}
		}
		return &struct {
			Body reviewList `json:"body"`
		}{Body: reviewList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/claim",
		Summary:     "Claim review entry",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ReviewEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ClaimReview(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		rv, err := e.Repo.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewEntry `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/release",
		Summary:     "Release review entry",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ReviewEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseReview(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		rv, err := e.Repo.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewEntry `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/resolve",
		Summary:     "Resolve review entry",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResolveReviewRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResolveReview(ctx, input.ID, domain.ResolutionMethod(input.Body.Method), input.Body.Notes, actorID); err != nil {
			return nil, handleError(err)
		}
		rv, err := e.Repo.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewEntry `json:"body"`
		}{Body: rv}, nil
	})
}

func registerPool(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-content",
		Method:        http.MethodPost,
		Path:          "/pool/content",
		Summary:       "Add content item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddContentRequest `json:"body"`
	}) (*struct {
		Body domain.ContentItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddContent(ctx, input.Body.Location, input.Body.Categories, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentItem `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-content",
		Method:      http.MethodGet,
		Path:        "/pool/content",
		Summary:     "List content items",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*struct {
		Body contentList `json:"body"`
	}, error) {
		items, err := e.Repo.ListContentItems(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ContentItem{}
		}
		return &struct {
			Body contentList `json:"body"`
		}{Body: contentList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-text",
		Method:        http.MethodPost,
		Path:          "/pool/texts",
		Summary:       "Add text item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddTextRequest `json:"body"`
	}) (*struct {
		Body domain.TextItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddText(ctx, input.Body.Text, input.Body.Categories, input.Body.TemplateName, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TextItem `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-texts",
		Method:      http.MethodGet,
		Path:        "/pool/texts",
		Summary:     "List text items",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*struct {
		Body textList `json:"body"`
	}, error) {
		items, err := e.Repo.ListTextItems(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TextItem{}
		}
		return &struct {
			Body textList `json:"body"`
		}{Body: textList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-content",
		Method:      http.MethodDelete,
		Path:        "/pool/content/{id}",
		Summary:     "Retire content item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ContentItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RetireContent(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetContentItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentItem `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-text",
		Method:      http.MethodDelete,
		Path:        "/pool/texts/{id}",
		Summary:     "Retire text item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.TextItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RetireText(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTextItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TextItem `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: items}}, nil
	})
}
