package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/guest-messaging/internal/retry"
)

// HTTP posts each message as JSON to a single endpoint and expects a 202
// carrying the provider message id. It fronts carrier simulators and relays.
type HTTP struct {
	url    string
	client *http.Client
	pacer  pacer
}

func NewHTTP(url string, ratePerSecond float64, concurrency int) *HTTP {
	return &HTTP{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		pacer: newPacer(ratePerSecond, concurrency),
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *HTTP) Name() string { return "http" }

func (c *HTTP) SendBulk(ctx context.Context, msgs []Outbound) (BulkResult, error) {
	return c.pacer.sendEach(ctx, c.Name(), msgs, func(ctx context.Context, m Outbound) SendResult {
		id, err := c.Send(ctx, m.To, m.Body)
		return SendResult{ProviderID: id, Err: err}
	})
}

func (c *HTTP) Send(ctx context.Context, phoneNumber, message string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", &retry.StatusError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}
