package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) PushDelivered(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[result]++
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newUser(t *testing.T, s *store.Store) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(), model.User{GoogleID: "g", Email: "u@example.com", Name: "U", Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

// browserKeys returns keys shaped like the ones a browser hands out.
func browserKeys(t *testing.T) Keys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return Keys{
		P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestService(t *testing.T, s *store.Store, rec Recorder) *Service {
	t.Helper()
	priv, pub, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	return New(s, Config{PublicKey: pub, PrivateKey: priv, Subject: "mailto:test@example.com"}, rec)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	uid := newUser(t, s)

	tests := []struct {
		name string
		sub  Subscription
	}{
		{"missing endpoint", Subscription{Keys: Keys{P256dh: "p", Auth: "a"}}},
		{"missing p256dh", Subscription{Endpoint: "https://push.example/1", Keys: Keys{Auth: "a"}}},
		{"missing auth", Subscription{Endpoint: "https://push.example/1", Keys: Keys{P256dh: "p"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Register(context.Background(), uid, tt.sub); !model.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSendToUser(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("expected aes128gcm body, got %q", r.Header.Get("Content-Encoding"))
		}
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	rec := &countingRecorder{}
	svc := newTestService(t, s, rec)
	uid := newUser(t, s)
	ctx := context.Background()

	for _, path := range []string{"/ok", "/gone", "/broken"} {
		if err := svc.Register(ctx, uid, Subscription{Endpoint: srv.URL + path, Keys: browserKeys(t)}); err != nil {
			t.Fatalf("Register %s: %v", path, err)
		}
	}

	ok, err := svc.SendStudyReminder(ctx, uid, "Biologi", "Time to revise cells")
	if err != nil {
		t.Fatalf("SendStudyReminder: %v", err)
	}
	if !ok {
		t.Error("expected at least one delivery")
	}
	mu.Lock()
	if hits["/ok"] != 1 || hits["/gone"] != 1 || hits["/broken"] != 1 {
		t.Errorf("unexpected hits %v", hits)
	}
	mu.Unlock()

	subs, err := s.ListActivePushSubscriptions(ctx, uid)
	if err != nil {
		t.Fatalf("ListActivePushSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected gone subscription to be deactivated, %d active", len(subs))
	}
	for _, sub := range subs {
		if sub.Endpoint == srv.URL+"/gone" {
			t.Error("gone endpoint still active")
		}
	}
	if rec.results["delivered"] != 1 || rec.results["expired"] != 1 || rec.results["failed"] != 1 {
		t.Errorf("unexpected recorded results %v", rec.results)
	}
}

func TestSendToUserWithoutSubscriptions(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	uid := newUser(t, s)

	ok, err := svc.SendProgressUpdate(context.Background(), uid, "Kimia", 40)
	if err != nil {
		t.Fatalf("SendProgressUpdate: %v", err)
	}
	if ok {
		t.Error("expected false without subscriptions")
	}
}

func TestDisabledService(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{}, nil)
	if svc.Enabled() {
		t.Fatal("expected disabled service without keys")
	}
	ok, err := svc.SendToUser(context.Background(), 1, "t", "b", nil)
	if err != nil || ok {
		t.Errorf("expected no-op, got ok=%v err=%v", ok, err)
	}
}

func TestUnregister(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	uid := newUser(t, s)
	ctx := context.Background()
	sub := Subscription{Endpoint: "https://push.example/x", Keys: browserKeys(t)}

	if err := svc.Register(ctx, uid, sub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ok, err := svc.Unregister(ctx, uid, sub.Endpoint)
	if err != nil || !ok {
		t.Errorf("Unregister: ok=%v err=%v", ok, err)
	}
	ok, _ = svc.Unregister(ctx, uid, "https://push.example/unknown")
	if ok {
		t.Error("expected false for unknown endpoint")
	}
}
