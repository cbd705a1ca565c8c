// Package app wires the service together and routes API Gateway requests.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/jun/polygraf/internal/access"
	"github.com/jun/polygraf/internal/auth"
	"github.com/jun/polygraf/internal/config"
	"github.com/jun/polygraf/internal/crypto"
	"github.com/jun/polygraf/internal/handler"
	"github.com/jun/polygraf/internal/identity"
	"github.com/jun/polygraf/internal/objectstore"
	"github.com/jun/polygraf/internal/secret"
	"github.com/jun/polygraf/internal/store"
	"github.com/jun/polygraf/internal/store/dynamo"
	"github.com/jun/polygraf/internal/store/memory"
	"github.com/jun/polygraf/internal/store/postgres"
)

// Deps are the collaborators the App is built from.
type Deps struct {
	Store   store.Store
	Issuer  identity.Issuer
	Random  crypto.RandomSource
	Secrets *secret.Secrets
}

// App holds the handlers for the Lambda function.
type App struct {
	authHandler *handler.AuthHandler
	keyHandler  *handler.KeyHandler
	fileHandler *handler.FileHandler

	apiGatewaySecret string
	frontendURL      string
	devMode          bool
	logger           *slog.Logger
	closers          []func()
}

// New builds the App and its backends from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	var closers []func()
	var db store.Store
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		db = dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.TableName, cfg.TxMaxAttempts)
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		db = postgres.New(pool, postgres.WithTxAttempts(cfg.TxMaxAttempts))
	default:
		db = memory.New(memory.WithTxAttempts(cfg.TxMaxAttempts))
	}
	logger.Info("document store ready", slog.String("backend", cfg.StoreBackend))

	var random crypto.RandomSource
	if cfg.RandomSource == config.RandomKMS {
		random = crypto.NewKMSRandom(kms.NewFromConfig(awsCfg), cfg.KMSCustomKeyStoreID)
	} else {
		random = crypto.NewSystemRandom()
	}

	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	}
	secrets, err := secret.Load(ctx, resolver, secret.Params{
		JWT:          cfg.JWTSecretParam,
		GoogleClient: cfg.GoogleSecretParam,
		APIGateway:   cfg.APIGatewaySecretParam,
	}, cfg.DevMode, logger)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	app := Build(cfg, Deps{
		Store:   db,
		Issuer:  identity.NewStoreIssuer(db),
		Random:  random,
		Secrets: secrets,
	}, logger)
	app.closers = closers
	return app, nil
}

// Build assembles the App from ready collaborators.
func Build(cfg *config.Config, deps Deps, logger *slog.Logger) *App {
	engine := access.NewEngine(deps.Store, deps.Issuer, logger, access.WithGuestKey(cfg.GuestKey))
	admin := access.NewAdmin(deps.Store, deps.Random, logger)
	objects := objectstore.New(deps.Store, cfg.ChunkSize, logger)

	var signIn *auth.AdminSignIn
	if cfg.GoogleClientID != "" && deps.Secrets.GoogleClientSecret != "" {
		oauthCfg := auth.NewOAuthConfig(cfg.GoogleClientID, deps.Secrets.GoogleClientSecret, cfg.GoogleRedirectURL)
		signIn = auth.NewAdminSignIn(oauthCfg, cfg.AdminEmails, nil)
	} else {
		logger.Warn("admin sign-in disabled: google client not configured")
	}

	settings := handler.SessionSettings{
		JWTSecret:   deps.Secrets.JWT,
		TTL:         cfg.SessionTTL,
		FrontendURL: cfg.FrontendURL,
		DevMode:     cfg.DevMode,
	}

	return &App{
		authHandler:      handler.NewAuthHandler(engine, signIn, settings, logger),
		keyHandler:       handler.NewKeyHandler(admin, deps.Secrets.JWT, logger),
		fileHandler:      handler.NewFileHandler(objects, deps.Secrets.JWT, logger),
		apiGatewaySecret: deps.Secrets.APIGateway,
		frontendURL:      cfg.FrontendURL,
		devMode:          cfg.DevMode,
		logger:           logger,
	}
}

// Close releases backend connections.
func (app *App) Close() {
	for _, c := range app.closers {
		c()
	}
}

type handlerFunc func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// Route is one API endpoint. Pattern segments in braces are path
// parameters.
type Route struct {
	Method  string
	Pattern string
	handle  func(app *App) handlerFunc
}

// Routes lists every endpoint served by HandleRequest.
var Routes = []Route{
	{http.MethodPost, "/auth/redeem", func(a *App) handlerFunc { return a.authHandler.Redeem }},
	{http.MethodGet, "/auth/login", func(a *App) handlerFunc { return a.authHandler.Login }},
	{http.MethodGet, "/auth/callback", func(a *App) handlerFunc { return a.authHandler.Callback }},
	{http.MethodPost, "/auth/logout", func(a *App) handlerFunc { return a.authHandler.Logout }},
	{http.MethodGet, "/auth/user", func(a *App) handlerFunc { return a.authHandler.GetUser }},
	{http.MethodPost, "/keys", func(a *App) handlerFunc { return a.keyHandler.Generate }},
	{http.MethodGet, "/keys", func(a *App) handlerFunc { return a.keyHandler.List }},
	{http.MethodGet, "/keys/{key}/history", func(a *App) handlerFunc { return a.keyHandler.History }},
	{http.MethodDelete, "/keys/{key}", func(a *App) handlerFunc { return a.keyHandler.Revoke }},
	{http.MethodPost, "/files", func(a *App) handlerFunc { return a.fileHandler.Upload }},
	{http.MethodGet, "/files", func(a *App) handlerFunc { return a.fileHandler.List }},
	{http.MethodGet, "/files/{id}", func(a *App) handlerFunc { return a.fileHandler.Get }},
	{http.MethodPatch, "/files/{id}", func(a *App) handlerFunc { return a.fileHandler.Patch }},
	{http.MethodDelete, "/files/{id}", func(a *App) handlerFunc { return a.fileHandler.Delete }},
}

// match reports whether path fits pattern and collects its parameters.
func match(pattern, path string) (map[string]string, bool) {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if got[i] == "" {
				return nil, false
			}
			params[strings.Trim(seg, "{}")] = got[i]
			continue
		}
		if seg != got[i] {
			return nil, false
		}
	}
	return params, true
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	method := req.HTTPMethod
	// CloudFront forwards the API under /api.
	path := strings.TrimPrefix(req.Path, "/api")

	app.logger.Debug("request", slog.String("method", method), slog.String("path", path))

	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Only CloudFront knows the origin secret.
	if !app.devMode {
		if req.Headers["X-Origin-Verify"] != app.apiGatewaySecret && req.Headers["x-origin-verify"] != app.apiGatewaySecret {
			app.logger.Warn("blocked request without valid origin header", slog.String("path", path))
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	pathMatched := false
	for _, r := range Routes {
		params, ok := match(r.Pattern, path)
		if !ok {
			continue
		}
		pathMatched = true
		if r.Method != method {
			continue
		}
		if req.PathParameters == nil {
			req.PathParameters = make(map[string]string)
		}
		for k, v := range params {
			req.PathParameters[k] = v
		}
		return app.corsResponse(app.must(r.handle(app)(ctx, req))), nil
	}

	status := http.StatusNotFound
	if pathMatched {
		status = http.StatusMethodNotAllowed
	}
	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       fmt.Sprintf("%s: %s %s", http.StatusText(status), method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,DELETE,OPTIONS,PATCH"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must turns a handler error into a 500.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.logger.Error("handler error", slog.Any("error", err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
