package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func testSignIn(t *testing.T, info *UserInfo) *AdminSignIn {
	t.Helper()
	// Token endpoint that accepts any code.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-123","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	cfg := NewOAuthConfig("test-client-id", "test-client-secret", "http://localhost:8080/auth/callback")
	cfg.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	return NewAdminSignIn(cfg, []string{" Admin@Example.com "}, func(ctx context.Context, _ *oauth2.Config, token *oauth2.Token) (*UserInfo, error) {
		if token.AccessToken != "access-123" {
			t.Errorf("unexpected access token %q", token.AccessToken)
		}
		if info == nil {
			return nil, errors.New("userinfo unavailable")
		}
		return info, nil
	})
}

func TestAdminSignIn_AuthURL(t *testing.T) {
	s := testSignIn(t, nil)

	u, err := url.Parse(s.AuthURL("test-state"))
	if err != nil {
		t.Fatalf("invalid auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "test-state" {
		t.Errorf("Expected state 'test-state', got '%s'", q.Get("state"))
	}
	if q.Get("client_id") != "test-client-id" {
		t.Errorf("Expected client id 'test-client-id', got '%s'", q.Get("client_id"))
	}
	if !strings.Contains(q.Get("scope"), "userinfo.email") {
		t.Errorf("Expected email scope, got '%s'", q.Get("scope"))
	}
}

func TestAdminSignIn_Authenticate_Allowed(t *testing.T) {
	s := testSignIn(t, &UserInfo{ID: "1234", Email: "ADMIN@example.com", VerifiedEmail: true})

	acct, err := s.Authenticate(context.Background(), "code")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if acct.ID != "google:1234" {
		t.Errorf("Expected id 'google:1234', got '%s'", acct.ID)
	}
	if acct.Email != "admin@example.com" {
		t.Errorf("Expected normalized email, got '%s'", acct.Email)
	}
}

func TestAdminSignIn_Authenticate_NotAllowed(t *testing.T) {
	s := testSignIn(t, &UserInfo{ID: "9", Email: "eve@example.com", VerifiedEmail: true})

	_, err := s.Authenticate(context.Background(), "code")
	if !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed, got %v", err)
	}
}

func TestAdminSignIn_Authenticate_Unverified(t *testing.T) {
	s := testSignIn(t, &UserInfo{ID: "1234", Email: "admin@example.com"})

	_, err := s.Authenticate(context.Background(), "code")
	if !errors.Is(err, ErrUnverifiedEmail) {
		t.Errorf("Expected ErrUnverifiedEmail, got %v", err)
	}
}

func TestAdminSignIn_Authenticate_UserInfoError(t *testing.T) {
	s := testSignIn(t, nil)

	if _, err := s.Authenticate(context.Background(), "code"); err == nil {
		t.Error("Expected error when userinfo fails, got nil")
	}
}
