// smoketest verifies live connectivity for the local API, the Amadeus token
// endpoint, and the Gemini OpenAI-compatible endpoint.
// Run with: go run ./cmd/smoketest/main.go
// Reads the same env vars as the main server (source .env.dev first).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const localAPI = "http://localhost:8080"

func main() {
	passed := 0
	failed := 0

	run := func(name string, fn func() error) {
		fmt.Printf("  %-55s", name)
		if err := fn(); err != nil {
			fmt.Printf("FAIL — %v\n", err)
			failed++
		} else {
			fmt.Printf("OK\n")
			passed++
		}
	}

	fmt.Println("\n── Local API ───────────────────────────────────────────────")
	run("GET /health returns 200 + {status:healthy}", checkHealth)

	fmt.Println("\n── Webhook verification ────────────────────────────────────")
	run("GET /whatsapp/webhook with correct token", checkWebhookVerify)
	run("GET /whatsapp/webhook with wrong token returns error body", checkWebhookWrongToken)

	fmt.Println("\n── Amadeus connectivity ────────────────────────────────────")
	run("POST client-credentials exchange returns a token", checkAmadeusToken)

	fmt.Println("\n── Gemini connectivity ─────────────────────────────────────")
	run("GET /models on the OpenAI-compatible endpoint", checkGemini)

	fmt.Printf("\n%d passed, %d failed\n\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func checkHealth() error {
	resp, err := get(localAPI + "/health")
	if err != nil {
		return fmt.Errorf("could not reach server (is it running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("expected status=healthy, got %q", body["status"])
	}
	return nil
}

func checkWebhookVerify() error {
	token := requireEnv("WHATSAPP_CLOUD_API_WEBHOOK_VERIFICATION_TOKEN")
	url := fmt.Sprintf("%s/whatsapp/webhook?hub.mode=subscribe&hub.challenge=ping&hub.verify_token=%s", localAPI, token)
	resp, err := get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ping" {
		return fmt.Errorf("expected challenge=ping, got %q", string(b))
	}
	return nil
}

func checkWebhookWrongToken() error {
	url := fmt.Sprintf("%s/whatsapp/webhook?hub.mode=subscribe&hub.challenge=ping&hub.verify_token=WRONG", localAPI)
	resp, err := get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "Error verifying token" {
		return fmt.Errorf("expected error body, got %q", string(b))
	}
	return nil
}

func checkAmadeusToken() error {
	key := requireEnv("AMADEUS_API_KEY")
	secret := requireEnv("AMADEUS_API_SECRET")

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", key)
	form.Set("client_secret", secret)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://test.api.amadeus.com/v1/security/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Amadeus returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return fmt.Errorf("response missing access_token")
	}
	return nil
}

func checkGemini() error {
	apiKey := requireEnv("GEMINI_API_KEY")
	base := os.Getenv("GEMINI_BASE_URL")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("model endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func get(url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Printf("\n  WARN: %s is not set — test will fail\n", key)
	}
	return v
}
