package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tripdesk/internal/config"
)

// metaAPIBaseURL is a var so tests can override it with an httptest.Server URL.
var metaAPIBaseURL = "https://graph.facebook.com"

var deliveryClient = &http.Client{Timeout: 10 * time.Second}

// DeliveryError reports a non-2xx response from the channel API, keeping the
// upstream status and body for diagnostics.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("whatsapp: delivery failed (status %d): %s", e.StatusCode, e.Body)
}

// sendText delivers a reply to the recipient, threaded onto the inbound
// message when inReplyTo is set.
func sendText(ctx context.Context, cfg *config.Config, to, body, inReplyTo string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        body,
		},
	}
	if inReplyTo != "" {
		payload["context"] = map[string]string{"message_id": inReplyTo}
	}
	return postMessages(ctx, cfg, payload)
}

// markAsRead acknowledges the inbound message with a read receipt.
func markAsRead(ctx context.Context, cfg *config.Config, messageID string) error {
	return postMessages(ctx, cfg, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
}

func postMessages(ctx context.Context, cfg *config.Config, payload map[string]any) error {
	url := fmt.Sprintf("%s/%s/%s/messages", metaAPIBaseURL, cfg.MetaAPIVersion, cfg.MetaPhoneNumberID)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.MetaAccessToken)

	resp, err := deliveryClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
