package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveOrCreateUserIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "1001", Email: "ali@example.com", Name: "Ali"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser: %v", err)
	}
	if first.Role != model.UserRoleStudent || !first.Active {
		t.Errorf("expected active student, got %+v", first)
	}

	second, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "1001", Email: "ali@example.com", Name: "Ali bin Abu", Picture: "https://img/ali.png"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same user id %d, got %d", first.ID, second.ID)
	}
	if second.Name != "Ali bin Abu" || second.Picture != "https://img/ali.png" {
		t.Errorf("profile not refreshed: %+v", second)
	}

	count, err := s.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 user row, got %d", count)
	}
}

func TestResolveOrCreateUserRejectsUnusableProfile(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name    string
		profile Profile
	}{
		{"missing sub", Profile{Email: "a@example.com"}},
		{"blank sub", Profile{Sub: "  ", Email: "a@example.com"}},
		{"missing email", Profile{Sub: "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveOrCreateUser(context.Background(), s, tt.profile)
			if !model.IsAuthentication(err) {
				t.Errorf("expected AuthenticationError, got %v", err)
			}
		})
	}
}

func TestResolveOrCreateUserInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser: %v", err)
	}
	if err := s.ToggleUserActive(ctx, u.ID); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	if _, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "1", Email: "a@example.com"}); !model.IsAuthentication(err) {
		t.Errorf("expected AuthenticationError for inactive user, got %v", err)
	}
}

func TestResolveOrCreateUserLinksLocalAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateUser(ctx, model.User{Email: "cikgu@example.com", Name: "Cikgu", Role: model.UserRoleTeacher, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "2002", Email: "cikgu@example.com", Name: "Cikgu Siti"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser: %v", err)
	}
	if u.ID != id || u.GoogleID != "2002" || u.Role != model.UserRoleTeacher {
		t.Errorf("expected linked teacher account, got %+v", u)
	}

	if _, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "3003", Email: "cikgu@example.com"}); !model.IsAuthentication(err) {
		t.Errorf("expected AuthenticationError for email owned by another identity, got %v", err)
	}
}

func TestResolveOrCreateUserEmailTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ali, err := ResolveOrCreateUser(ctx, s, Profile{Sub: "1001", Email: "ali@example.com", Name: "Ali"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, model.User{Email: "abu@example.com", Name: "Abu", Active: true}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err = ResolveOrCreateUser(ctx, s, Profile{Sub: "1001", Email: "abu@example.com", Name: "Ali"})
	if !model.IsAuthentication(err) {
		t.Fatalf("expected AuthenticationError for an email held by another user, got %v", err)
	}

	got, err := s.GetUserByID(ctx, ali.ID)
	if err != nil || got == nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.Email != "ali@example.com" {
		t.Errorf("email changed to %q after rejected sign-in", got.Email)
	}
}

func TestStateSigner(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))
	state, nonce, err := signer.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := signer.Verify(state, nonce); err != nil {
		t.Errorf("Verify: %v", err)
	}

	tests := []struct {
		name   string
		signer *StateSigner
		state  string
		nonce  string
	}{
		{"wrong nonce", signer, state, "other"},
		{"empty nonce", signer, state, ""},
		{"tampered", signer, state + "x", nonce},
		{"other secret", NewStateSigner([]byte("different")), state, nonce},
		{"garbage", signer, "not-a-token", nonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.signer.Verify(tt.state, tt.nonce); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStateSignerExpiry(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))
	base := time.Now()
	signer.now = func() time.Time { return base }
	state, nonce, err := signer.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	signer.now = func() time.Time { return base.Add(stateTTL + time.Minute) }
	if err := signer.Verify(state, nonce); err == nil {
		t.Error("expected expired state to be rejected")
	}
}

func TestProviderExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Profile{Sub: "42", Email: "murid@example.com", EmailVerified: true, Name: "Murid"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewProvider(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/callback",
		UserInfoURL:  srv.URL + "/userinfo",
		Endpoint: &oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})

	authURL, err := url.Parse(p.AuthCodeURL("state-xyz"))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if authURL.Query().Get("state") != "state-xyz" || !strings.Contains(authURL.Query().Get("scope"), "email") {
		t.Errorf("unexpected auth url %s", authURL)
	}

	profile, err := p.Exchange(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.Sub != "42" || profile.Email != "murid@example.com" || !profile.EmailVerified {
		t.Errorf("unexpected profile %+v", profile)
	}

	if _, err := p.Exchange(context.Background(), "bad-code"); err == nil {
		t.Error("expected error for rejected code")
	}
}

func TestNewProviderDisabled(t *testing.T) {
	if p := NewProvider(Config{}); p != nil {
		t.Error("expected nil provider without client id")
	}
}
