// Package genai talks to the external text-generation provider. The provider
// acknowledges a dispatch synchronously with an opaque request id and delivers
// the actual result later through a webhook; this package only covers the
// outbound half.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUpstream marks provider-side dispatch failures. They are terminal for
// the attempt: no retries, the caller's token slot is left untouched.
var ErrUpstream = errors.New("generation provider rejected request")

type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type request struct {
	Model       string    `json:"model"`
	TopP        float64   `json:"top_p"`
	CallbackURL string    `json:"callback_url"`
	Messages    []Message `json:"messages"`
}

type ack struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

type ClientOptions struct {
	BaseURL     string
	Model       string
	TopP        float64
	CallbackURL string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

type Client struct {
	baseURL     string
	model       string
	topP        float64
	callbackURL string
	httpClient  *http.Client
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "daybook-writer-1"
	}
	topP := opts.TopP
	if topP <= 0 || topP > 1 {
		topP = 0.9
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:       model,
		topP:        topP,
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		httpClient:  httpClient,
	}
}

// Dispatch submits a generation job and returns the provider's correlation
// token. A non-success status or a missing request_id is an ErrUpstream;
// nothing has been persisted on our side at that point.
func (c *Client) Dispatch(ctx context.Context, messages []Message) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("%w: client not configured", ErrUpstream)
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("dispatch requires at least one message")
	}

	bodyBytes, err := json.Marshal(request{
		Model:       c.model,
		TopP:        c.topP,
		CallbackURL: c.callbackURL,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUpstream, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed ack
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode acknowledgment: %v", ErrUpstream, err)
	}
	if parsed.Status != "success" || strings.TrimSpace(parsed.RequestID) == "" {
		return "", fmt.Errorf("%w: status=%q request_id=%q", ErrUpstream, parsed.Status, parsed.RequestID)
	}
	return parsed.RequestID, nil
}
