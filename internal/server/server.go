package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics is served at /metrics when set.
	Metrics *metrics.Collector
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_accepted"`
	Message string         `json:"message" example:"task already has a contributor"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":\"t-1\",\"status\":\"IN_PROGRESS\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func reply[T any](v T) *bodyOutput[T] { return &bodyOutput[T]{Body: v} }

// New returns an HTTP handler exposing the bounty API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Bountyline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerInstallations(group, cfg.Engine)
	registerPermissions(group, cfg.Engine)
	registerFunding(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth)

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

var statusByCode = map[domain.Code]int{
	domain.CodeNotMember:              http.StatusForbidden,
	domain.CodePermissionDenied:       http.StatusForbidden,
	domain.CodeNotFound:               http.StatusNotFound,
	domain.CodeInvalidTransition:      http.StatusConflict,
	domain.CodeAlreadyAccepted:        http.StatusConflict,
	domain.CodeNotReadyToSettle:       http.StatusConflict,
	domain.CodeDuplicateSubmission:    http.StatusConflict,
	domain.CodeConcurrentModification: http.StatusConflict,
	domain.CodeQuotaExceeded:          http.StatusConflict,
	domain.CodeSettlementFailed:       http.StatusConflict,
	domain.CodeInvalidApplicant:       http.StatusUnprocessableEntity,
	domain.CodeUnknownPermission:      http.StatusUnprocessableEntity,
	domain.CodeInvalidInput:           http.StatusUnprocessableEntity,
	domain.CodeSettlementRetryable:    http.StatusServiceUnavailable,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if errors.As(err, &de) {
		status, ok := statusByCode[de.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		details := de.Details()
		if de.Retryable() {
			details["retryable"] = true
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(status, string(de.Code), de.Error(), details)
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authCfg AuthConfig) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			describeAPI(oas, basePath, authCfg)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// describeAPI fills in what huma cannot infer from the handlers: the closed
// set of error codes, the credentials each route takes, and route tags.
func describeAPI(oas *huma.OpenAPI, basePath string, authCfg AuthConfig) {
	if oas == nil {
		return
	}
	describeErrorCodes(oas)
	security := declareSecurity(oas, authCfg)
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if len(op.Tags) == 0 {
				op.Tags = []string{routeTag(strings.TrimPrefix(route, basePath))}
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope; details carry task_id, status and constraint for task errors",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

// errorCodes lists every code the API can put in an error envelope.
func errorCodes() []any {
	seen := map[string]bool{}
	var codes []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	for c := range statusByCode {
		add(string(c))
	}
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusInternalServerError} {
		add(defaultCodeForStatus(status))
	}
	sort.Strings(codes)
	out := make([]any, len(codes))
	for i, c := range codes {
		out[i] = c
	}
	return out
}

func describeErrorCodes(oas *huma.OpenAPI) {
	if oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	body := oas.Components.Schemas.Map()["ApiErrorBody"]
	if body == nil || body.Properties["code"] == nil {
		return
	}
	code := body.Properties["code"]
	code.Enum = errorCodes()
	code.Description = "settlement_retryable and concurrent_modification are safe to retry; details.retryable is set for them"
}

func declareSecurity(oas *huma.OpenAPI, authCfg AuthConfig) []map[string][]string {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	schemes := oas.Components.SecuritySchemes
	schemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	schemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key", Description: "Issued by POST /me/api-keys"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	if authCfg.AllowDevHeader {
		schemes["devUser"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-User-Id", Description: "Development only: act as the named user"}
		security = append(security, map[string][]string{"devUser": {}})
	}
	oas.Security = security
	return security
}

// routeTag groups an operation by the first segment of its path.
func routeTag(route string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(route, "/"), "/")
	if seg == "" {
		return "misc"
	}
	return seg
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bountyline API Docs</title>
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*bodyOutput[DevLoginResponse], error) {
		if !authCfg.AllowDevHeader {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, user, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ensure-me",
		Method:      http.MethodPut,
		Path:        "/me",
		Summary:     "Register the authenticated user and provision its wallet",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body EnsureUserRequest
	}) (*bodyOutput[UserResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, _, err := e.EnsureUser(ctx, userID, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(userResponse(u)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[UserResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, nil, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(userResponse(u)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contribution-summary",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/contributions",
		Summary:     "Contribution summary of a user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*bodyOutput[SummaryResponse], error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.ContributionSummary(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(summaryResponse(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-address",
		Method:        http.MethodPost,
		Path:          "/me/addresses",
		Summary:       "Add an address to the address book",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AddAddressRequest
	}) (*bodyOutput[AddressResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meta, err := encodeDocument(input.Body.Meta)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid meta", nil)
		}
		entry, err := e.AddAddress(ctx, userID, input.Body.Address, input.Body.Label, meta)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(addressResponse(entry)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-addresses",
		Method:      http.MethodGet,
		Path:        "/me/addresses",
		Summary:     "List the address book",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]AddressResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAddresses(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, addressResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key for the current user",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*bodyOutput[APIKeyResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List the current user's API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]APIKeyResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(keys, apiKeyResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke one of the current user's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, userID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "withdraw",
		Method:        http.MethodPost,
		Path:          "/me/withdrawals",
		Summary:       "Withdraw from the current user's wallet",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body WithdrawRequest
	}) (*bodyOutput[TransactionResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		row, err := e.Withdraw(ctx, userID, input.Body.ToAddress, input.Body.Asset, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(transactionResponse(row)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-transactions",
		Method:      http.MethodGet,
		Path:        "/me/transactions",
		Summary:     "Ledger rows of the current user",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Limit    int    `query:"limit"`
	}) (*bodyOutput[[]TransactionResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := e.ListTransactions(ctx, repo.TransactionFilter{
			UserID: userID, Category: domain.TransactionCategory(input.Category), Limit: normalizeLimit(input.Limit),
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(rows, transactionResponse)), nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-permissions",
		Method:      http.MethodGet,
		Path:        "/permissions",
		Summary:     "Permission catalog",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.Permission], error) {
		items, err := e.ListPermissionCatalog(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "Subscription packages",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]PackageResponse], error) {
		items, err := e.Repo.ListPackages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, packageResponse)), nil
	})
}

func registerInstallations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-installation",
		Method:        http.MethodPost,
		Path:          "/installations",
		Summary:       "Create an installation with operating and escrow wallets",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInstallationRequest
	}) (*bodyOutput[InstallationResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateInstallation(ctx, engine.InstallationCreateOptions{
			ID: input.Body.ID, Name: input.Body.Name, PackageID: input.Body.PackageID, CreatorID: userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(installationResponse(in)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installations",
		Method:      http.MethodGet,
		Path:        "/installations",
		Summary:     "Installations the current user belongs to",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]InstallationResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInstallations(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, installationResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-installation",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}",
		Summary:     "Get installation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
	}) (*bodyOutput[InstallationResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.GetInstallation(ctx, input.InstallationID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(installationResponse(in)), nil
	})
}

type memberPath struct {
	InstallationID string `path:"installation_id"`
	UserID         string `path:"user_id"`
}

func registerPermissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/members",
		Summary:     "Members and their explicit permission codes",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
	}) (*bodyOutput[[]MemberResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		grants, err := e.Members(ctx, input.InstallationID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(grants, memberResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permissions",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/members/{user_id}/permissions",
		Summary:     "Effective permission codes of a member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *memberPath) (*bodyOutput[PermissionsResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		codes, err := e.Permissions(ctx, input.InstallationID, input.UserID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PermissionsResponse{UserID: input.UserID, InstallationID: input.InstallationID, Codes: nonNilSlice(codes)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-permissions",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/members/{user_id}/grant",
		Summary:     "Grant permission codes, creating the membership if needed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		memberPath
		Body PermissionCodesRequest
	}) (*bodyOutput[MemberResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.GrantPermission(ctx, input.InstallationID, input.UserID, actor, input.Body.Codes)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(memberResponse(g)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-permissions",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/members/{user_id}/revoke",
		Summary:     "Revoke permission codes; no codes removes the membership",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		memberPath
		Body PermissionCodesRequest
	}) (*bodyOutput[MemberResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.RevokePermission(ctx, input.InstallationID, input.UserID, actor, input.Body.Codes)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(memberResponse(g)), nil
	})
}

func registerFunding(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "top-up-escrow",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/escrow/top-up",
		Summary:       "Move funds from the operating wallet into escrow",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Body           TopUpRequest
	}) (*bodyOutput[TransactionResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		row, err := e.TopUpEscrow(ctx, input.InstallationID, actor, input.Body.Asset, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(transactionResponse(row)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escrow-balance",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/escrow/balance",
		Summary:     "Escrow balance for one asset",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Asset          string `query:"asset"`
	}) (*bodyOutput[BalanceResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asset := input.Asset
		if asset == "" && e.Config != nil {
			asset = e.Config.Bounty.DefaultAsset
		}
		in, err := e.GetInstallation(ctx, input.InstallationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		bal, err := e.EscrowBalance(ctx, in.ID, actor, asset)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(BalanceResponse{Address: in.EscrowAddress, Asset: asset, Amount: bal.String()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "swap",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/swap",
		Summary:       "Convert assets in the operating wallet",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Body           SwapRequest
	}) (*bodyOutput[TransactionResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		row, err := e.Swap(ctx, input.InstallationID, actor, input.Body.FromAsset, input.Body.ToAsset, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(transactionResponse(row)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "installation-transactions",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/transactions",
		Summary:     "Ledger rows of an installation",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		TaskID         string `query:"task_id"`
		Category       string `query:"category"`
		Limit          int    `query:"limit"`
	}) (*bodyOutput[[]TransactionResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := e.ListTransactions(ctx, repo.TransactionFilter{
			InstallationID: input.InstallationID,
			TaskID:         input.TaskID,
			Category:       domain.TransactionCategory(input.Category),
			Limit:          normalizeLimit(input.Limit),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(rows, transactionResponse)), nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

// completeOutput carries the marked task even when the automatic settlement
// that follows did not go through.
type completeOutput struct {
	Settlement string `header:"X-Settlement-Status" doc:"settled, pending, or the error code of the automatic settlement that failed after the mark committed"`
	Body       TaskResponse
}

// settlementStatus names a failed automatic settlement for X-Settlement-Status.
func settlementStatus(err error) string {
	if code := domain.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Body           CreateTaskRequest
	}) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bounty, err := parseAmount("bounty", input.Body.Bounty)
		if err != nil {
			return nil, handleError(err)
		}
		issue, err := encodeDocument(input.Body.Issue)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid issue", nil)
		}
		opts := engine.TaskCreateOptions{
			ID:             input.Body.ID,
			InstallationID: input.InstallationID,
			ActorID:        actor,
			Title:          input.Body.Title,
			Issue:          issue,
			Bounty:         bounty,
			Asset:          input.Body.Asset,
		}
		if tl := input.Body.Timeline; tl != nil {
			opts.Timeline = &domain.Timeline{Value: tl.Value, Unit: domain.TimelineUnit(tl.Unit)}
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Status         string `query:"status" enum:"OPEN,IN_PROGRESS,MARKED_AS_COMPLETED,COMPLETED"`
		ContributorID  string `query:"contributor_id"`
		Limit          int    `query:"limit"`
	}) (*bodyOutput[[]TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilter{
			InstallationID: input.InstallationID,
			Status:         domain.TaskStatus(input.Status),
			ContributorID:  input.ContributorID,
			Limit:          normalizeLimit(input.Limit),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(tasks, taskResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-to-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/applications",
		Summary:     "Apply to an open task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Apply(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/applications",
		Summary:     "Withdraw an application",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.WithdrawApplication(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-applicant",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/accept",
		Summary:     "Accept an applicant as contributor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		taskPath
		Body AcceptRequest
	}) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Accept(ctx, input.TaskID, input.Body.ContributorID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-work",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/submissions",
		Summary:       "Submit work as the contributor",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		taskPath
		Body SubmitRequest
	}) (*bodyOutput[SubmissionResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meta, err := encodeDocument(input.Body.Meta)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid meta", nil)
		}
		sub, err := e.Submit(ctx, input.TaskID, actor, engine.SubmissionInput{
			WorkRef: input.Body.WorkRef, Attachment: input.Body.Attachment, Meta: meta,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(submissionResponse(sub)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/submissions",
		Summary:     "List submissions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[[]SubmissionResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subs, err := e.ListSubmissions(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(subs, submissionResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Mark completed; settles right away when auto settlement is on",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*completeOutput, error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MarkCompleted(ctx, input.TaskID, actor)
		if err != nil {
			if t.ID == "" {
				return nil, handleError(err)
			}
			// The mark committed; only the settlement after it failed.
			return &completeOutput{Settlement: settlementStatus(err), Body: taskResponse(t)}, nil
		}
		status := "pending"
		if t.Settled {
			status = "settled"
		}
		return &completeOutput{Settlement: status, Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reopen",
		Summary:     "Return an in-progress task without submissions to OPEN",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reopen(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/settle",
		Summary:     "Settle a task marked completed",
		Errors:      append([]int{http.StatusServiceUnavailable}, mutationErrors...),
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[SettlementResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SettleAs(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(settlementResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-settlement-hold",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/release-hold",
		Summary:     "Release a settlement hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[TaskResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReleaseSettlementHold(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/activities",
		Summary:     "Activity log of a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[[]ActivityResponse], error) {
		actor, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acts, err := e.ListActivities(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(acts, activityResponse)), nil
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
