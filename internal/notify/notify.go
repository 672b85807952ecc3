// Package notify registers browser push subscriptions and delivers Web Push
// messages to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

const defaultTTL = 86400

// Subscription is the browser PushSubscription JSON.
type Subscription struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     Keys   `json:"keys" validate:"required"`
}

// Keys holds the subscription's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// Config holds VAPID credentials.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subject is a mailto: or https: contact for the push service.
	Subject    string
	TTL        int
	HTTPClient *http.Client
}

// Recorder receives delivery outcomes. It may be nil.
type Recorder interface {
	PushDelivered(result string)
}

// Service stores subscriptions and sends notifications.
type Service struct {
	store    *store.Store
	cfg      Config
	recorder Recorder
}

// New creates a Service.
func New(s *store.Store, cfg Config, rec Recorder) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Subject == "" {
		cfg.Subject = "mailto:admin@example.com"
	}
	return &Service{store: s, cfg: cfg, recorder: rec}
}

// Enabled reports whether VAPID keys are configured.
func (s *Service) Enabled() bool {
	return s.cfg.PublicKey != "" && s.cfg.PrivateKey != ""
}

// PublicKey returns the VAPID public key handed to browsers.
func (s *Service) PublicKey() string {
	return s.cfg.PublicKey
}

// Register stores a subscription for a user, reactivating it if known.
func (s *Service) Register(ctx context.Context, userID int64, sub Subscription) error {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return model.Validationf("subscription endpoint is required")
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return model.Validationf("subscription keys are required")
	}
	if err := s.store.UpsertPushSubscription(ctx, model.PushSubscription{
		UserID:    userID,
		Endpoint:  sub.Endpoint,
		P256dhKey: sub.Keys.P256dh,
		AuthKey:   sub.Keys.Auth,
	}); err != nil {
		return fmt.Errorf("register subscription: %w", err)
	}
	slog.Info("push subscription registered", "user", userID)
	return nil
}

// Unregister deactivates a subscription. It reports false when the endpoint
// was unknown.
func (s *Service) Unregister(ctx context.Context, userID int64, endpoint string) (bool, error) {
	return s.store.DeactivatePushSubscription(ctx, userID, endpoint)
}

// SendToUser pushes a notification to every active subscription of a user.
// It reports whether at least one push service accepted the message.
// Subscriptions the push service reports as gone are deactivated.
func (s *Service) SendToUser(ctx context.Context, userID int64, title, body string, data map[string]any) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	subs, err := s.store.ListActivePushSubscriptions(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return false, nil
	}

	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["title"] = title
	payload["body"] = body
	msg, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	delivered := false
	for _, sub := range subs {
		ok, err := s.send(ctx, sub, msg)
		if err != nil {
			slog.Warn("push delivery failed", "user", userID, "subscription", sub.ID, "error", err)
			continue
		}
		delivered = delivered || ok
	}
	return delivered, nil
}

func (s *Service) send(ctx context.Context, sub model.PushSubscription, msg []byte) (bool, error) {
	opts := &webpush.Options{
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
	}
	if s.cfg.HTTPClient != nil {
		opts.HTTPClient = s.cfg.HTTPClient
	}
	resp, err := webpush.SendNotificationWithContext(ctx, msg, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dhKey, Auth: sub.AuthKey},
	}, opts)
	if err != nil {
		s.record("failed")
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		s.record("delivered")
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		s.record("expired")
		if _, err := s.store.DeactivatePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			return false, fmt.Errorf("deactivate expired subscription: %w", err)
		}
		slog.Info("push subscription expired", "user", sub.UserID, "subscription", sub.ID)
		return false, nil
	default:
		s.record("failed")
		return false, fmt.Errorf("push service returned %d", resp.StatusCode)
	}
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.PushDelivered(result)
	}
}

// SendStudyReminder nudges a user to study a subject.
func (s *Service) SendStudyReminder(ctx context.Context, userID int64, subject, message string) (bool, error) {
	return s.SendToUser(ctx, userID, "Study Reminder: "+subject, message,
		map[string]any{"type": "study_reminder", "subject": subject})
}

// SendProgressUpdate reports a subject completion percentage.
func (s *Service) SendProgressUpdate(ctx context.Context, userID int64, subject string, progress float64) (bool, error) {
	return s.SendToUser(ctx, userID, "Progress Update: "+subject,
		fmt.Sprintf("You've completed %.0f%% of %s", progress, subject),
		map[string]any{"type": "progress_update", "subject": subject, "progress": progress})
}

// SendGradedNotice tells a user that an attempt has been fully graded.
func (s *Service) SendGradedNotice(ctx context.Context, a model.Attempt, assessmentTitle string) (bool, error) {
	return s.SendToUser(ctx, a.UserID, "Results ready: "+assessmentTitle,
		fmt.Sprintf("You scored %.1f/%d (%.0f%%)", a.Score, a.TotalMarks, a.Percentage),
		map[string]any{"type": "attempt_completed", "attempt_id": a.ID, "percentage": a.Percentage})
}

// GenerateVAPIDKeys returns a new VAPID key pair.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
