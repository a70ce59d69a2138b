package actions

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

type HTTPOption func(*HTTPInvoker)

// HTTPInvoker performs operations against a command host over HTTP. The host
// exposes a single POST endpoint and routes on the operation name.
type HTTPInvoker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPInvoker(baseURL string, opts ...HTTPOption) *HTTPInvoker {
	inv := &HTTPInvoker{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(inv *HTTPInvoker) {
		if client != nil {
			inv.httpClient = client
		}
	}
}

type performRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

type performResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

var _ Invoker = (*HTTPInvoker)(nil)

func (inv *HTTPInvoker) Perform(ctx context.Context, op string, params map[string]any) (json.RawMessage, error) {
	if inv.baseURL == "" {
		return nil, fmt.Errorf("command host url is required")
	}

	body, err := json.Marshal(performRequest{Operation: op, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal operation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.baseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build operation request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call command host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("command host status %d: %s", resp.StatusCode, message)
	}

	var parsed performResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode operation response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("operation %s failed: %s", op, parsed.Error)
	}
	return parsed.Result, nil
}
