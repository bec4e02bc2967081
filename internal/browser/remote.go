package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// RemoteFacade implements Facade against the automation driver sidecar: a
// separate process that owns the real browser and exposes each page
// operation as a JSON call. Keeping the driver out of process means a
// browser crash never takes the queue and the ledger down with it.
type RemoteFacade struct {
	endpoint string
	client   *http.Client
}

// NewRemoteFacade builds the driver client.
func NewRemoteFacade(endpoint string) *RemoteFacade {
	return &RemoteFacade{
		endpoint: endpoint,
		// Page operations can legitimately block for minutes; per-call
		// deadlines come from the caller's context.
		client: &http.Client{},
	}
}

type driverRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type driverResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// call invokes one driver method and decodes the result into out when out is
// non-nil.
func (f *RemoteFacade) call(ctx context.Context, method string, params any, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("driver: marshal %s params: %w", method, err)
		}
		rawParams = encoded
	}
	payload, err := json.Marshal(driverRequest{Method: method, Params: rawParams})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("driver: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("driver: %s read: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver: %s returned %d", method, resp.StatusCode)
	}

	var decoded driverResponse
	if err = json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("driver: %s malformed response: %w", method, err)
	}
	if decoded.Error != "" {
		return fmt.Errorf("driver: %s: %s", method, decoded.Error)
	}
	if out != nil && len(decoded.Result) > 0 {
		if err = json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("driver: %s decode result: %w", method, err)
		}
	}
	return nil
}

// probe is call for the synchronous status accessors, bounded so they never
// hang a health check.
func (f *RemoteFacade) probe(method string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var state bool
	if err := f.call(ctx, method, nil, &state); err != nil {
		return false
	}
	return state
}

func (f *RemoteFacade) OpenPage(ctx context.Context) error {
	return f.call(ctx, "open_page", nil, nil)
}

func (f *RemoteFacade) Refresh(ctx context.Context) error {
	return f.call(ctx, "refresh", nil, nil)
}

func (f *RemoteFacade) Connected() bool {
	return f.probe("connected")
}

func (f *RemoteFacade) PageReady() bool {
	return f.probe("page_ready")
}

func (f *RemoteFacade) ActivateProfile(ctx context.Context, path string) error {
	return f.call(ctx, "activate_profile", map[string]string{"path": path}, nil)
}

func (f *RemoteFacade) ListModels(ctx context.Context) ([]string, error) {
	var models []string
	if err := f.call(ctx, "list_models", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (f *RemoteFacade) SwitchModel(ctx context.Context, modelID string) error {
	return f.call(ctx, "switch_model", map[string]string{"model_id": modelID}, nil)
}

func (f *RemoteFacade) SetParameter(ctx context.Context, name string, value any) error {
	return f.call(ctx, "set_parameter", map[string]any{"name": name, "value": value}, nil)
}

func (f *RemoteFacade) SubmitPrompt(ctx context.Context, prompt string, attachments []interfaces.Attachment, correlationID string) error {
	type wireAttachment struct {
		Name     string `json:"name"`
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	}
	encoded := make([]wireAttachment, 0, len(attachments))
	for _, att := range attachments {
		encoded = append(encoded, wireAttachment{
			Name:     att.Name,
			MimeType: att.MimeType,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
		})
	}
	return f.call(ctx, "submit_prompt", map[string]any{
		"prompt":         prompt,
		"attachments":    encoded,
		"correlation_id": correlationID,
	}, nil)
}

func (f *RemoteFacade) GenerationActive(ctx context.Context) (bool, error) {
	var active bool
	err := f.call(ctx, "generation_active", nil, &active)
	return active, err
}

func (f *RemoteFacade) ResponseStable(ctx context.Context) (bool, error) {
	var stable bool
	err := f.call(ctx, "response_stable", nil, &stable)
	return stable, err
}

func (f *RemoteFacade) FinalText(ctx context.Context) (string, error) {
	var text string
	err := f.call(ctx, "final_text", nil, &text)
	return text, err
}

func (f *RemoteFacade) ReasoningText(ctx context.Context) (string, error) {
	var text string
	err := f.call(ctx, "reasoning_text", nil, &text)
	return text, err
}

func (f *RemoteFacade) FunctionCallWidgets(ctx context.Context) ([]FunctionCallWidget, error) {
	var widgets []struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	if err := f.call(ctx, "function_call_widgets", nil, &widgets); err != nil {
		return nil, err
	}
	out := make([]FunctionCallWidget, 0, len(widgets))
	for _, w := range widgets {
		out = append(out, FunctionCallWidget{Name: w.Name, ArgumentsJSON: w.Arguments})
	}
	return out, nil
}

func (f *RemoteFacade) ClickStop(ctx context.Context) error {
	return f.call(ctx, "click_stop", nil, nil)
}

func (f *RemoteFacade) SetFunctionToggle(ctx context.Context, enabled bool) error {
	return f.call(ctx, "set_function_toggle", map[string]bool{"enabled": enabled}, nil)
}

func (f *RemoteFacade) FunctionToggleEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := f.call(ctx, "function_toggle_enabled", nil, &enabled)
	return enabled, err
}

func (f *RemoteFacade) InstallDeclarations(ctx context.Context, canonicalJSON string) error {
	return f.call(ctx, "install_declarations", map[string]string{"declarations": canonicalJSON}, nil)
}

func (f *RemoteFacade) ClearChat(ctx context.Context) error {
	return f.call(ctx, "clear_chat", nil, nil)
}
