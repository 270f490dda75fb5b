package airdropmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SaveEventTextPath is the backend endpoint that stores event text blobs.
const SaveEventTextPath = "/api/saveEvenText"

// SaveEventRequest is the body of a saveEvenText call.
type SaveEventRequest struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// BackendClient handles HTTP requests to the event backend
type BackendClient struct {
	host   string
	client *http.Client
}

// NewBackendClient creates a new backend client
func NewBackendClient(host string) *BackendClient {
	return &BackendClient{
		host: strings.TrimRight(host, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SaveEventText stores a text blob for address. idempotencyKey is sent as
// the Idempotency-Key header so that a resent event is stored once.
func (c *BackendClient) SaveEventText(ctx context.Context, req SaveEventRequest, idempotencyKey string) (interface{}, error) {
	if req.Address == "" || req.Text == "" {
		return nil, &InvalidParamError{Message: "address and text are required"}
	}

	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	resp, err := c.doRequest(ctx, http.MethodPost, SaveEventTextPath, req, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeJSONResponseInterface(resp)
}

// doRequest performs an HTTP request
func (c *BackendClient) doRequest(ctx context.Context, method, endpoint string, body interface{}, headers map[string]string) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := fmt.Sprintf("%s%s", c.host, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// decodeJSONResponseInterface reads the response body, checks HTTP status, and decodes JSON into interface{}
func (c *BackendClient) decodeJSONResponseInterface(resp *http.Response) (interface{}, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Check HTTP status code before attempting to decode JSON
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		bodyStr := string(bodyBytes)
		if bodyStr == "" {
			bodyStr = resp.Status
		}
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: bodyStr}
	}

	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil, nil
	}

	var result interface{}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		// If JSON decode fails, include the body in the error for debugging
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		return nil, fmt.Errorf("failed to decode JSON response: %w (body: %s)", err, bodyStr)
	}

	return result, nil
}
