package fc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MCPForwarder executes tool calls the server does not know how to run
// itself by forwarding them to an external HTTP endpoint. The contract is
// deliberately narrow: send {name, arguments}, expect {result} or {error}.
type MCPForwarder struct {
	endpoint string
	client   *http.Client
}

// NewMCPForwarder builds a forwarder; an empty endpoint disables it.
func NewMCPForwarder(endpoint string) *MCPForwarder {
	return &MCPForwarder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether an endpoint is configured. Unknown tools are
// refused, not guessed, when no endpoint exists.
func (f *MCPForwarder) Enabled() bool {
	return f.endpoint != ""
}

// Execute forwards one call and returns the result payload.
func (f *MCPForwarder) Execute(ctx context.Context, name, arguments string) (string, error) {
	if !f.Enabled() {
		return "", fmt.Errorf("mcp: no endpoint configured, refusing to execute unknown tool %q", name)
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"name":      json.RawMessage(fmt.Sprintf("%q", name)),
		"arguments": json.RawMessage(normalizeArguments(arguments)),
	})
	if err != nil {
		return "", fmt.Errorf("mcp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mcp: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("mcp: read response: %w", err)
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err = json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("mcp: malformed response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("mcp: tool %q failed: %s", name, parsed.Error)
	}
	return string(parsed.Result), nil
}
