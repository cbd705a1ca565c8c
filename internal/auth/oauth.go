// Package auth signs administrators in with Google.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

var (
	// ErrNotAllowed is returned when the Google account is not an
	// allowlisted administrator.
	ErrNotAllowed = errors.New("account is not allowed to administer access keys")

	// ErrUnverifiedEmail is returned when Google has not verified the
	// account's email address.
	ErrUnverifiedEmail = errors.New("email address is not verified")
)

// IDPrefix marks identities of administrators signed in with Google.
const IDPrefix = "google:"

// Account is a signed-in administrator.
type Account struct {
	ID    string
	Email string
}

// UserInfo is the part of the Google userinfo response used for sign-in.
type UserInfo struct {
	ID            string
	Email         string
	VerifiedEmail bool
}

// UserInfoFunc fetches the profile of the account that granted token.
type UserInfoFunc func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*UserInfo, error)

// AdminSignIn runs the OAuth2 code flow against Google and admits only
// allowlisted emails.
type AdminSignIn struct {
	oauthConfig *oauth2.Config
	allowed     map[string]bool
	userInfo    UserInfoFunc
}

// NewOAuthConfig builds the Google OAuth2 configuration for admin sign-in.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}
}

// NewAdminSignIn creates an AdminSignIn. A nil userInfo uses the Google
// oauth2 v2 userinfo endpoint.
func NewAdminSignIn(cfg *oauth2.Config, adminEmails []string, userInfo UserInfoFunc) *AdminSignIn {
	allowed := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}
	if userInfo == nil {
		userInfo = googleUserInfo
	}
	return &AdminSignIn{oauthConfig: cfg, allowed: allowed, userInfo: userInfo}
}

// AuthURL returns the Google consent URL carrying state.
func (s *AdminSignIn) AuthURL(state string) string {
	return s.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Authenticate exchanges code and returns the administrator it belongs to.
func (s *AdminSignIn) Authenticate(ctx context.Context, code string) (*Account, error) {
	token, err := s.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	info, err := s.userInfo(ctx, s.oauthConfig, token)
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	return s.admit(info)
}

func (s *AdminSignIn) admit(info *UserInfo) (*Account, error) {
	if !info.VerifiedEmail {
		return nil, ErrUnverifiedEmail
	}
	email := strings.ToLower(info.Email)
	if !s.allowed[email] {
		return nil, ErrNotAllowed
	}
	return &Account{ID: IDPrefix + info.ID, Email: email}, nil
}

func googleUserInfo(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*UserInfo, error) {
	svc, err := goauth2.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, token)))
	if err != nil {
		return nil, err
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	verified := info.VerifiedEmail != nil && *info.VerifiedEmail
	return &UserInfo{ID: info.Id, Email: info.Email, VerifiedEmail: verified}, nil
}
