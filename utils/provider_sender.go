package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dripsend/engine"
)

// ProviderSender delivers messages through an external HTTP email provider.
// The provider returns a message id used later to correlate feedback
// webhook events back to the dispatch ledger.
type ProviderSender struct {
	URL        string
	APIKey     string
	FromEmail  string
	FromName   string
	HTTPClient *http.Client
}

func NewProviderSender(url, apiKey, fromEmail, fromName string, timeout time.Duration) *ProviderSender {
	return &ProviderSender{
		URL:       url,
		APIKey:    apiKey,
		FromEmail: fromEmail,
		FromName:  fromName,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type providerPayload struct {
	From        string `json:"from"`
	FromName    string `json:"from_name"`
	To          string `json:"to"`
	ToName      string `json:"to_name,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	TemplateRef string `json:"template_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send posts one message to the provider. Classification follows the
// response status: 5xx and transport errors are retryable, 4xx are
// permanent, and the provider's invalid-address code is a hard bounce.
func (ps *ProviderSender) Send(ctx context.Context, msg engine.Message) (string, error) {
	payload := providerPayload{
		From:        ps.FromEmail,
		FromName:    ps.FromName,
		To:          msg.To,
		ToName:      msg.ToName,
		Subject:     msg.Subject,
		Body:        msg.Body,
		TemplateRef: msg.TemplateRef,
		// Stable per (enrollment, step) so a provider-side retry of the same
		// claimed attempt cannot double-deliver.
		IdempotencyKey: fmt.Sprintf("%d:%d", msg.EnrollmentID, msg.StepIndex),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", engine.PermanentError("failed to encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.URL, bytes.NewReader(body))
	if err != nil {
		return "", engine.PermanentError("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ps.APIKey)

	resp, err := ps.HTTPClient.Do(req)
	if err != nil {
		// Includes context deadline: a timed-out send is retryable, never an
		// ambiguous state.
		return "", engine.RetryableError("provider request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed providerResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.MessageID == "" {
			parsed.MessageID = uuid.NewString()
		}
		return parsed.MessageID, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Provider rejected the address itself.
		return "", engine.BounceError(fmt.Sprintf("provider rejected address: %s", parsed.Error), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return "", engine.PermanentError(fmt.Sprintf("provider rejected message (%d): %s", resp.StatusCode, parsed.Error), nil)
	default:
		return "", engine.RetryableError(fmt.Sprintf("provider error (%d)", resp.StatusCode), nil)
	}
}
