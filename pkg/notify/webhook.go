// Package notify delivers finalized submission entries to a downstream
// webhook. Delivery is best effort: the submission is already persisted
// when a notification goes out, so a failing downstream never blocks an
// intake session.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/intake-form-server/internal/domain"
)

// WebhookNotifier implements domain.SubmissionNotifier over HTTP POST.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	log        *logrus.Logger
}

// NewWebhookNotifier creates a webhook notifier from configuration. With an
// empty URL it is nil; callers treat a nil notifier as disabled.
func NewWebhookNotifier(config domain.WebhookConfig, logger *logrus.Logger) *WebhookNotifier {
	if config.URL == "" {
		return nil
	}

	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "submission-webhook",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Webhook circuit breaker state changed")
		},
	})

	return &WebhookNotifier{
		url: config.URL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit:  rate.NewLimiter(rate.Limit(rateLimit), 1),
		breaker:    breaker,
		maxRetries: config.MaxRetries,
		log:        logger,
	}
}

// Notify posts the entry to the webhook, retrying transient failures with
// backoff. The circuit breaker stops hammering a downstream that keeps
// failing.
func (n *WebhookNotifier) Notify(ctx context.Context, entry *domain.EntryRecord) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	var lastErr error
	attempts := n.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := n.rateLimit.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for webhook rate limit: %w", err)
		}

		_, err := n.breaker.Execute(func() (interface{}, error) {
			return nil, n.post(ctx, payload)
		})
		if err == nil {
			n.log.WithFields(logrus.Fields{
				"entry_id": entry.ID,
				"attempt":  attempt + 1,
			}).Info("Submission webhook delivered")
			return nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
	}

	n.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"error":    lastErr,
	}).Error("Submission webhook delivery failed")
	return fmt.Errorf("delivering submission webhook: %w", lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
