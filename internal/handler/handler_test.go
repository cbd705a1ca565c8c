package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/oauth2"

	"github.com/jun/polygraf/internal/access"
	"github.com/jun/polygraf/internal/auth"
	"github.com/jun/polygraf/internal/crypto"
	"github.com/jun/polygraf/internal/handler"
	"github.com/jun/polygraf/internal/identity"
	"github.com/jun/polygraf/internal/logging"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/objectstore"
	"github.com/jun/polygraf/internal/store/memory"
)

const (
	testJWTSecret = "test-secret"
	testUserID    = "test-user-123"
	testAdminID   = "google:42"
)

type testEnv struct {
	db      *memory.Store
	issuer  *identity.MockIssuer
	engine  *access.Engine
	admin   *access.Admin
	objects *objectstore.Store
}

func newTestEnv(opts ...memory.Option) *testEnv {
	db := memory.New(opts...)
	issuer := identity.NewMockIssuer()
	logger := logging.Discard()
	return &testEnv{
		db:      db,
		issuer:  issuer,
		engine:  access.NewEngine(db, issuer, logger),
		admin:   access.NewAdmin(db, crypto.NewSystemRandom(), logger),
		objects: objectstore.New(db, 8, logger),
	}
}

func testSettings() handler.SessionSettings {
	return handler.SessionSettings{
		JWTSecret:   testJWTSecret,
		TTL:         time.Hour,
		FrontendURL: "http://localhost:3000",
		DevMode:     true,
	}
}

func makeToken(userID string, role model.Role) string {
	signed, _ := handler.IssueSession(testJWTSecret, userID, role, time.Hour)
	return signed
}

func authedRequest(userID string, role model.Role) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(userID, role),
			"Content-Type":  "application/json",
		},
		PathParameters:        map[string]string{},
		QueryStringParameters: map[string]string{},
	}
}

func errorBody(t *testing.T, resp events.APIGatewayProxyResponse, want string) {
	t.Helper()
	if !strings.Contains(resp.Body, want) {
		t.Errorf("Expected body to contain %q, got %s", want, resp.Body)
	}
}

// testSignIn returns an AdminSignIn whose token endpoint accepts any code
// and whose userinfo lookup returns info.
func testSignIn(t *testing.T, info *auth.UserInfo) *auth.AdminSignIn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-123","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	cfg := auth.NewOAuthConfig("client-id", "client-secret", "http://localhost:8080/auth/callback")
	cfg.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	return auth.NewAdminSignIn(cfg, []string{"admin@example.com"}, func(context.Context, *oauth2.Config, *oauth2.Token) (*auth.UserInfo, error) {
		return info, nil
	})
}
