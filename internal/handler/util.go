package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/polygraf/internal/access"
	"github.com/jun/polygraf/internal/auth"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/objectstore"
	"github.com/jun/polygraf/internal/store"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session_token"

var (
	errNoToken       = errors.New("no authorization token found")
	errInvalidClaims = errors.New("invalid token claims")
)

// Session is the identity claim carried by a session token.
type Session struct {
	UserID string
	Role   model.Role
}

// IssueSession signs a session token for userID.
func IssueSession(secret, userID string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GetSession verifies the session token from the Authorization header or
// the session cookie.
func GetSession(req events.APIGatewayProxyRequest, jwtSecret string) (*Session, error) {
	tokenString := ""
	if authHeader := getHeader(req, "Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if tokenString == "" {
		tokenString = getCookie(req, SessionCookie)
	}
	if tokenString == "" {
		return nil, errNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errInvalidClaims
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || !model.Role(role).Valid() {
		return nil, errInvalidClaims
	}
	return &Session{UserID: sub, Role: model.Role(role)}, nil
}

func getHeader(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// getCookie reads name from a "a=1; b=2" Cookie header.
func getCookie(req events.APIGatewayProxyRequest, name string) string {
	for _, part := range strings.Split(getHeader(req, "Cookie"), ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}

// cookie formats a Set-Cookie value. SameSite=None is needed in
// production where the frontend and API are served from different origins.
func cookie(name, value string, maxAge int, devMode bool) string {
	sameSite := "None"
	if devMode {
		sameSite = "Lax"
	}
	return fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=%d; SameSite=%s; Secure", name, value, maxAge, sameSite)
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "Internal Server Error")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

func errorResponse(status int, msg string) events.APIGatewayProxyResponse {
	return jsonResponse(status, map[string]string{"error": msg})
}

func unauthorized() events.APIGatewayProxyResponse {
	return errorResponse(http.StatusUnauthorized, "Unauthorized")
}

// domainErrors maps error kinds to their status, first match wins. The
// response body is the kind's own message.
var domainErrors = []struct {
	err    error
	status int
}{
	{store.ErrBadCursor, http.StatusBadRequest},
	{access.ErrTokenNotFound, http.StatusNotFound},
	{access.ErrProfileNotFound, http.StatusNotFound},
	{objectstore.ErrNotFound, http.StatusNotFound},
	{access.ErrAlreadyUsed, http.StatusConflict},
	{access.ErrExpired, http.StatusGone},
	{access.ErrIdentityIssuance, http.StatusBadGateway},
	{access.ErrTransactionAborted, http.StatusServiceUnavailable},
	{access.ErrStorage, http.StatusServiceUnavailable},
	{objectstore.ErrStorage, http.StatusServiceUnavailable},
	{objectstore.ErrCorrupt, http.StatusInternalServerError},
	{objectstore.ErrTooLarge, http.StatusRequestEntityTooLarge},
	{objectstore.ErrInvalidMetadata, http.StatusBadRequest},
	{access.ErrInvalidRole, http.StatusBadRequest},
	{auth.ErrNotAllowed, http.StatusForbidden},
	{auth.ErrUnverifiedEmail, http.StatusForbidden},
}

// domainErrorResponse turns a service error into a response. Unknown
// errors are logged and reported as 500 without detail.
func domainErrorResponse(logger *slog.Logger, op string, err error) events.APIGatewayProxyResponse {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			if d.status >= http.StatusInternalServerError {
				logger.Error(op+" failed", slog.Any("error", err))
			}
			return errorResponse(d.status, d.err.Error())
		}
	}
	logger.Error(op+" failed", slog.Any("error", err))
	return errorResponse(http.StatusInternalServerError, "Internal Server Error")
}

// pageParams reads the limit and cursor query parameters.
func pageParams(req events.APIGatewayProxyRequest) (int, string, error) {
	limit := 50
	if v := req.QueryStringParameters["limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return 0, "", fmt.Errorf("invalid limit %q", v)
		}
		limit = n
	}
	return limit, req.QueryStringParameters["cursor"], nil
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func newPage[T any](items []T, next string) page[T] {
	if items == nil {
		items = []T{}
	}
	return page[T]{Items: items, NextCursor: next}
}
