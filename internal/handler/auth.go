package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/access"
	"github.com/jun/polygraf/internal/auth"
	"github.com/jun/polygraf/internal/model"
)

const stateCookie = "oauth_state"

// SessionSettings controls how sessions are issued.
type SessionSettings struct {
	JWTSecret   string
	TTL         time.Duration
	FrontendURL string
	DevMode     bool
}

// AuthHandler handles key redemption and admin sign-in.
type AuthHandler struct {
	engine   *access.Engine
	signIn   *auth.AdminSignIn
	settings SessionSettings
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. A nil signIn disables admin
// sign-in.
func NewAuthHandler(engine *access.Engine, signIn *auth.AdminSignIn, settings SessionSettings, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{engine: engine, signIn: signIn, settings: settings, logger: logger}
}

type userResponse struct {
	User  *model.UserProfile `json:"user"`
	Token string             `json:"token,omitempty"`
}

// Redeem exchanges an access key for a session.
func (h *AuthHandler) Redeem(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request body"), nil
	}

	profile, err := h.engine.Redeem(ctx, body.Key)
	if err != nil {
		resp := domainErrorResponse(h.logger, "redeem", err)
		if access.IsRetryable(err) {
			resp.Headers["Retry-After"] = "1"
		}
		return resp, nil
	}

	return h.startSession(profile, http.StatusOK)
}

func (h *AuthHandler) startSession(profile *model.UserProfile, status int) (events.APIGatewayProxyResponse, error) {
	token, err := IssueSession(h.settings.JWTSecret, profile.ID, profile.Role, h.settings.TTL)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("sign session: %w", err)
	}
	resp := jsonResponse(status, userResponse{User: profile, Token: token})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {cookie(SessionCookie, token, int(h.settings.TTL.Seconds()), h.settings.DevMode)},
	}
	return resp, nil
}

// Login redirects an administrator to Google.
func (h *AuthHandler) Login(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if h.signIn == nil {
		return errorResponse(http.StatusNotFound, "admin sign-in is not configured"), nil
	}

	state := uuid.NewString()
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": h.signIn.AuthURL(state),
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {cookie(stateCookie, state, 600, h.settings.DevMode)},
		},
	}, nil
}

// Callback completes Google sign-in for an allowlisted administrator.
func (h *AuthHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if h.signIn == nil {
		return errorResponse(http.StatusNotFound, "admin sign-in is not configured"), nil
	}

	code := req.QueryStringParameters["code"]
	if code == "" {
		return errorResponse(http.StatusBadRequest, "Missing code"), nil
	}
	state := req.QueryStringParameters["state"]
	if state == "" || state != getCookie(req, stateCookie) {
		return errorResponse(http.StatusBadRequest, "Invalid state"), nil
	}

	acct, err := h.signIn.Authenticate(ctx, code)
	if err != nil {
		h.logger.Warn("admin sign-in rejected", slog.Any("error", err))
		return domainErrorResponse(h.logger, "admin sign-in", err), nil
	}

	profile, err := h.engine.EnsureAdmin(ctx, acct.ID, acct.Email)
	if err != nil {
		return domainErrorResponse(h.logger, "admin sign-in", err), nil
	}

	token, err := IssueSession(h.settings.JWTSecret, profile.ID, profile.Role, h.settings.TTL)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("sign session: %w", err)
	}

	h.logger.Info("admin signed in", slog.String("user_id", profile.ID))
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": fmt.Sprintf("%s/?success=true", h.settings.FrontendURL),
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {
				cookie(SessionCookie, token, int(h.settings.TTL.Seconds()), h.settings.DevMode),
				cookie(stateCookie, "", 0, h.settings.DevMode),
			},
		},
	}, nil
}

// Logout clears the session cookie.
func (h *AuthHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp := jsonResponse(http.StatusOK, map[string]bool{"success": true})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {cookie(SessionCookie, "", 0, h.settings.DevMode)},
	}
	return resp, nil
}

// GetUser returns the current user's profile and records the visit.
func (h *AuthHandler) GetUser(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.settings.JWTSecret)
	if err != nil {
		return unauthorized(), nil
	}

	profile, err := h.engine.TouchLogin(ctx, session.UserID)
	if err != nil {
		return domainErrorResponse(h.logger, "get user", err), nil
	}
	return jsonResponse(http.StatusOK, userResponse{User: profile}), nil
}
