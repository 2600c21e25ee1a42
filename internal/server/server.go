package server

import (
	"bytes"
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
	"github.com/sirupsen/logrus"

	"agentboard/internal/engine"
	"agentboard/internal/engine/policy"
	"agentboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logrus.Logger
}

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

type bodyBytesKey struct{}

// apiError is the flat error envelope. Optional fields are populated per
// denial kind: from/to for policy denials, current_owner for claim conflicts.
type apiError struct {
	status       int
	Message      string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	FromStatus   string `json:"from_status,omitempty"`
	ToStatus     string `json:"to_status,omitempty"`
	CurrentOwner string `json:"current_owner,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }

func (e *apiError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Message
}

func newAPIError(status int, message string) *apiError {
	return &apiError{status: status, Message: message}
}

// New returns an HTTP handler exposing the board API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.logger()

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors surface as plain bad requests.
			status = http.StatusBadRequest
		}
		e := newAPIError(status, msg)
		if len(errs) > 0 {
			e.Reason = errs[0].Error()
		}
		return e
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Agentboard API", "0.1.0")
	hcfg.OpenAPIPath = "" // spec served from the route below
	hcfg.DocsPath = ""    // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	started := time.Now()

	registerDocs(router, basePath)
	registerHealth(group, started)
	registerSession(group, cfg.Auth)
	registerCards(group, cfg.Engine, log)
	registerTaskRoutes(group, cfg.Engine, log)
	registerActivity(group, cfg.Engine, log)
	registerStats(group, cfg.Engine, log)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, log)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// rawBodyMap exposes the top-level JSON keys of the request body, so handlers
// can tell an absent field from an explicit null.
func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	m := map[string]json.RawMessage{}
	_ = json.Unmarshal(bodyBytes(ctx), &m)
	return m
}

func handleError(log *logrus.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de policy.DeniedError
	if errors.As(err, &de) {
		e := newAPIError(http.StatusForbidden, "forbidden")
		e.Reason = de.Reason
		e.FromStatus = de.FromStatus
		e.ToStatus = de.ToStatus
		return e
	}
	var ce engine.ClaimConflictError
	if errors.As(err, &ce) {
		e := newAPIError(http.StatusConflict, "conflict")
		e.Reason = ce.Reason
		e.CurrentOwner = ce.CurrentOwner
		return e
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not found")
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, msg)
	}
	log.WithError(err).Error("request failed")
	return newAPIError(http.StatusInternalServerError, "internal error")
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Agentboard API Docs</title>
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
      Authenticate with x-owner-password, x-api-key, or Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, started time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    int64(time.Since(started).Seconds()),
		}}, nil
	})
}

func registerSession(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/auth/session",
		Summary:     "Exchange the owner password for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "password is required")
		}
		if !secretsEqual(input.Body.Password, auth.OwnerPassword) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid owner password")
		}
		token, err := signSessionToken(auth.SessionSecret, auth.sessionTTL(), time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal error")
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Token: token}}, nil
	})
}

func registerCards(api huma.API, e engine.Engine, log *logrus.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "title is required")
		}
		bodyMap := rawBodyMap(ctx)
		_, ownerProvided := bodyMap["owner_agent"]
		opts := engine.CardCreateOptions{
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			Status:        stringOrEmpty(input.Body.Status),
			Priority:      stringOrEmpty(input.Body.Priority),
			DueDate:       input.Body.DueDate,
			Branch:        input.Body.Branch,
			Repo:          input.Body.Repo,
			Assignee:      input.Body.Assignee,
			OwnerAgent:    input.Body.OwnerAgent,
			OwnerProvided: ownerProvided,
		}
		c, err := e.CreateCard(ctx, opts, actor)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []CardResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCards(ctx, input.Status)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body []CardResponse `json:"body"`
		}{Body: mapCards(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCard(ctx, input.ID)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-card",
		Method:      http.MethodPost,
		Path:        "/cards/{id}/claim",
		Summary:     "Claim an unassigned card",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Claim(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(log, err)
		}
		owner := ""
		if c.OwnerAgent != nil {
			owner = *c.OwnerAgent
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{ID: c.ID, OwnerAgent: owner}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-card",
		Method:      http.MethodPost,
		Path:        "/cards/{id}/transition",
		Summary:     "Move a card to another status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transition(ctx, input.ID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{ID: res.Card.ID, FromStatus: res.FromStatus, ToStatus: res.ToStatus}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "comment-card",
		Method:        http.MethodPost,
		Path:          "/cards/{id}/comment",
		Summary:       "Add a comment to a card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, input.ID, input.Body.Content, actor)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-card-comments",
		Method:      http.MethodGet,
		Path:        "/cards/{id}/comments",
		Summary:     "List a card's comments",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []CommentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListComments(ctx, input.ID)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body []CommentResponse `json:"body"`
		}{Body: mapComments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reminders",
		Method:      http.MethodGet,
		Path:        "/reminders",
		Summary:     "List overdue cards",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CardResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Reminders(ctx)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body []CardResponse `json:"body"`
		}{Body: mapCards(items)}, nil
	})
}

// registerTaskRoutes covers the general update and delete routes, which are
// mounted under /tasks for compatibility with earlier clients.
func registerTaskRoutes(api huma.API, e engine.Engine, log *logrus.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update card fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body required")
		}
		bodyMap := rawBodyMap(ctx)
		opts := engine.CardUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Status:      stringOrEmpty(input.Body.Status),
		}
		if _, ok := bodyMap["assignee"]; ok {
			opts.AssigneeProvided = true
			opts.Assignee = input.Body.Assignee
		}
		if _, ok := bodyMap["owner_agent"]; ok {
			opts.OwnerProvided = true
			opts.OwnerAgent = input.Body.OwnerAgent
		}
		if _, ok := bodyMap["due_date"]; ok {
			opts.DueDateProvided = true
			opts.DueDate = input.Body.DueDate
		}
		if _, ok := bodyMap["branch"]; ok {
			opts.BranchProvided = true
			opts.Branch = input.Body.Branch
		}
		if _, ok := bodyMap["repo"]; ok {
			opts.RepoProvided = true
			opts.Repo = input.Body.Repo
		}
		c, err := e.UpdateCard(ctx, opts, actor)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete a card",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		if authErr := requireFounder(ctx); authErr != nil {
			return nil, authErr
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCard(ctx, input.ID, actor); err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Success: true}}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine, log *logrus.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActivity(ctx, input.Limit)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivity(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-denied-activity",
		Method:      http.MethodGet,
		Path:        "/activity/denied",
		Summary:     "Denied operations, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDeniedActivity(ctx)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivity(items)}, nil
	})
}

func registerStats(api huma.API, e engine.Engine, log *logrus.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Card counts by status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountCardsByStatus(ctx)
		if err != nil {
			return nil, handleError(log, err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Total: total, ByStatus: counts}}, nil
	})
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
