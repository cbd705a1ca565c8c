package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/polygraf/internal/access"
	"github.com/jun/polygraf/internal/model"
)

// KeyHandler exposes access-key administration to admins.
type KeyHandler struct {
	admin     *access.Admin
	jwtSecret string
	logger    *slog.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(admin *access.Admin, jwtSecret string, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{admin: admin, jwtSecret: jwtSecret, logger: logger}
}

// requireAdmin returns the admin session, or the response to send instead.
func (h *KeyHandler) requireAdmin(req events.APIGatewayProxyRequest) (*Session, *events.APIGatewayProxyResponse) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		resp := unauthorized()
		return nil, &resp
	}
	if session.Role != model.RoleAdmin {
		resp := errorResponse(http.StatusForbidden, "Forbidden")
		return nil, &resp
	}
	return session, nil
}

// Generate issues a new key. The body names the role and an optional
// lifetime such as "72h".
func (h *KeyHandler) Generate(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, deny := h.requireAdmin(req)
	if deny != nil {
		return *deny, nil
	}

	var body struct {
		Role string `json:"role"`
		TTL  string `json:"ttl"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if body.Role == "" {
		body.Role = string(model.RoleUser)
	}
	var ttl time.Duration
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil || d <= 0 {
			return errorResponse(http.StatusBadRequest, "Invalid ttl"), nil
		}
		ttl = d
	}

	tok, err := h.admin.Generate(ctx, model.Role(body.Role), ttl, session.UserID)
	if err != nil {
		return domainErrorResponse(h.logger, "generate key", err), nil
	}
	return jsonResponse(http.StatusCreated, tok), nil
}

// List returns keys newest first.
func (h *KeyHandler) List(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, deny := h.requireAdmin(req); deny != nil {
		return *deny, nil
	}

	limit, cursor, err := pageParams(req)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	tokens, next, err := h.admin.List(ctx, limit, cursor)
	if err != nil {
		return domainErrorResponse(h.logger, "list keys", err), nil
	}
	return jsonResponse(http.StatusOK, newPage(tokens, next)), nil
}

// History returns the audit trail of a key.
func (h *KeyHandler) History(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, deny := h.requireAdmin(req); deny != nil {
		return *deny, nil
	}

	key := req.PathParameters["key"]
	if key == "" {
		return errorResponse(http.StatusBadRequest, "Missing key"), nil
	}
	trail, err := h.admin.History(ctx, key)
	if err != nil {
		return domainErrorResponse(h.logger, "key history", err), nil
	}
	return jsonResponse(http.StatusOK, newPage(trail, "")), nil
}

// Revoke deletes an unused key.
func (h *KeyHandler) Revoke(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, deny := h.requireAdmin(req)
	if deny != nil {
		return *deny, nil
	}

	key := req.PathParameters["key"]
	if key == "" {
		return errorResponse(http.StatusBadRequest, "Missing key"), nil
	}
	if err := h.admin.Revoke(ctx, key, session.UserID); err != nil {
		return domainErrorResponse(h.logger, "revoke key", err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}
