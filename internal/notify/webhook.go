package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/homesettle/internal/idgen"
	"github.com/mbd888/homesettle/internal/retry"
)

// Header names set on webhook deliveries.
const (
	HeaderEvent     = "X-Homesettle-Event"
	HeaderTimestamp = "X-Homesettle-Timestamp"
	HeaderSignature = "X-Homesettle-Signature"
)

// WebhookSender posts events to the platform's notification service, which
// owns push, SMS and in-app delivery.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

// NewWebhookSender creates a sender. An empty secret disables signing.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Default,
		now:    time.Now,
	}
}

type webhookPayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Send posts the event, retrying 5xx and transport errors. 4xx responses
// are not retried.
func (w *WebhookSender) Send(ctx context.Context, userID string, event Event) error {
	payload, err := json.Marshal(webhookPayload{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		UserID:    userID,
		Event:     event,
		Timestamp: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return retry.Do(ctx, w.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event.Type)
		req.Header.Set(HeaderTimestamp, ts)
		if w.secret != "" {
			req.Header.Set(HeaderSignature, Sign(w.secret, ts, payload))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("notification webhook rejected event: %d", resp.StatusCode))
		}
	})
}

// Sign computes the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
