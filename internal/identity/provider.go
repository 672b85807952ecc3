// Package identity turns a Google sign-in into a local user.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultUserInfoURL is Google's OpenID Connect userinfo endpoint.
const DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Profile is the subset of the OpenID Connect userinfo response we keep.
type Profile struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Config holds the OAuth client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// UserInfoURL overrides DefaultUserInfoURL.
	UserInfoURL string
	// Endpoint overrides the Google endpoint.
	Endpoint *oauth2.Endpoint
}

// Provider runs the authorization code flow against Google.
type Provider struct {
	oauth       *oauth2.Config
	userInfoURL string
}

// NewProvider creates a Provider. It returns nil when no client ID is set.
func NewProvider(cfg Config) *Provider {
	if cfg.ClientID == "" {
		return nil
	}
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = DefaultUserInfoURL
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: userInfoURL,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for the user's profile.
func (p *Provider) Exchange(ctx context.Context, code string) (Profile, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := p.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("userinfo: status %d: %s", resp.StatusCode, body)
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return profile, nil
}
