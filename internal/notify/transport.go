package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/fastjson"
)

// Notification is the user-visible part of a push.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SendResult is the per-token outcome of a batch send. Gone marks the
// "destination no longer registered" class: the token must be retired
// and never retried. Any other non-empty Error is transient from the
// engine's point of view and leaves the destination active.
type SendResult struct {
	Token string
	Error string
	Gone  bool
}

// Transport delivers one notification to a batch of destination tokens
// in a single upstream call.
type Transport interface {
	Send(ctx context.Context, tokens []string, n Notification, data map[string]string) ([]SendResult, error)
}

// goneErrors are the FCM error classes meaning the token will never
// work again.
var goneErrors = map[string]struct{}{
	"NotRegistered":       {},
	"InvalidRegistration": {},
	"MismatchSenderId":    {},
}

// FCMTransport talks to the FCM legacy HTTP endpoint. A transport-level
// failure (network, 5xx) is returned as an error and retried by the
// queue; per-token outcomes are reported in the result slice.
type FCMTransport struct {
	client    *http.Client
	endpoint  string
	serverKey string
	parsers   fastjson.ParserPool
}

func NewFCMTransport(serverKey string) *FCMTransport {
	return &FCMTransport{
		client:    &http.Client{Timeout: 15 * time.Second},
		endpoint:  "https://fcm.googleapis.com/fcm/send",
		serverKey: serverKey,
	}
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    Notification      `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

// Send implements Transport.
func (t *FCMTransport) Send(ctx context.Context, tokens []string, n Notification, data map[string]string) ([]SendResult, error) {
	body, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    n,
		Data:            data,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+t.serverKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push transport responded with status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	parser := t.parsers.Get()
	defer t.parsers.Put(parser)
	v, err := parser.ParseBytes(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing push transport response: %w", err)
	}

	// The results array is positional: results[i] belongs to tokens[i].
	items := v.GetArray("results")
	out := make([]SendResult, len(tokens))
	for i, token := range tokens {
		out[i].Token = token
		if i >= len(items) {
			continue
		}
		if errVal := items[i].GetStringBytes("error"); errVal != nil {
			out[i].Error = string(errVal)
			_, out[i].Gone = goneErrors[out[i].Error]
		}
	}
	return out, nil
}
