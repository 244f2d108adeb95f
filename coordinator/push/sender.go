// Package push delivers out-of-band wake-up notifications through the
// configured vendor. Delivery is strictly best-effort: the retry loop in the
// orchestrator owns re-attempts, so Send never returns an error, only
// whether anything got through.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/observability"
	"github.com/playloop/rendezvous/coordinator/store"
)

// Payload is the notification content fanned out to a user's devices.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// TokenSource provides device tokens and prunes the dead ones.
type TokenSource interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	RemovePushToken(ctx context.Context, userID, token string) error
}

type vendorRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type vendorResponse struct {
	Error string `json:"error"`
}

// Sender posts one vendor request per registered device. Tokens the vendor
// reports as gone are removed from the record store so they are never tried
// again.
type Sender struct {
	apiURL  string
	apiKey  string
	client  *http.Client
	records TokenSource
	breaker *Breaker
	log     *logrus.Entry
}

func NewSender(apiURL, apiKey string, records TokenSource, clock clockwork.Clock, log *logrus.Entry) *Sender {
	if apiURL == "" {
		log.Warn("push vendor not configured, deliveries disabled")
	}
	return &Sender{
		apiURL:  apiURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
		records: records,
		breaker: NewBreaker(clock),
		log:     log,
	}
}

// Breaker exposes the breaker for health reporting.
func (s *Sender) Breaker() *Breaker { return s.breaker }

// Send delivers the payload to every device of the user and reports whether
// at least one delivery succeeded.
func (s *Sender) Send(ctx context.Context, userID string, payload Payload) bool {
	if s.apiURL == "" {
		observability.PushDeliveries.WithLabelValues("disabled").Inc()
		return false
	}

	user, err := s.records.GetUser(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("push target lookup failed")
		return false
	}
	if user == nil || len(user.PushTokens) == 0 {
		return false
	}

	delivered := 0
	var dead []string
	for _, token := range user.PushTokens {
		if !s.breaker.Allow() {
			observability.PushDeliveries.WithLabelValues("breaker_open").Inc()
			continue
		}
		ok, gone := s.deliver(ctx, token, payload)
		switch {
		case ok:
			delivered++
			observability.PushDeliveries.WithLabelValues("delivered").Inc()
		case gone:
			dead = append(dead, token)
			observability.PushDeliveries.WithLabelValues("dead_token").Inc()
		default:
			observability.PushDeliveries.WithLabelValues("failed").Inc()
		}
	}

	for _, token := range dead {
		if err := s.records.RemovePushToken(ctx, userID, token); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("dead token prune failed")
		}
	}
	if len(dead) > 0 {
		s.log.WithFields(logrus.Fields{"user_id": userID, "count": len(dead)}).Info("pruned dead push tokens")
	}

	return delivered > 0
}

// deliver posts one vendor request. The second result reports a dead token:
// the vendor answered 404/410 or flagged the token invalid or unregistered.
func (s *Sender) deliver(ctx context.Context, token string, payload Payload) (bool, bool) {
	body, err := json.Marshal(vendorRequest{
		Token: token,
		Title: payload.Title,
		Body:  payload.Body,
		Data:  payload.Data,
	})
	if err != nil {
		return false, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/send", bytes.NewReader(body))
	if err != nil {
		return false, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		s.log.WithError(err).Debug("push vendor unreachable")
		return false, false
	}
	defer resp.Body.Close()

	// The vendor answered, so transport is healthy regardless of outcome.
	s.breaker.RecordSuccess()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return false, true
	case http.StatusOK:
		var vr vendorResponse
		if err := json.NewDecoder(resp.Body).Decode(&vr); err == nil && vr.Error != "" {
			if vr.Error == "invalid" || vr.Error == "unregistered" {
				return false, true
			}
			return false, false
		}
		return true, false
	default:
		s.log.WithField("status", resp.StatusCode).Debug("push vendor rejected delivery")
		return false, false
	}
}
