// Package openai implements the /v1/chat/completions and /v1/models
// endpoints of the OpenAI-compatible surface.
package openai

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/api/handlers"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/fc"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/queue"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/sse"
)

// Handler serves the OpenAI-compatible chat endpoints.
type Handler struct {
	*handlers.BaseHandler
}

// NewHandler wraps the base handler.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{BaseHandler: base}
}

// Models lists the advertised models.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Core.Registry.List(),
	})
}

// ChatCompletions accepts one chat completion, queues it and renders the
// outcome, streaming or buffered.
func (h *Handler) ChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.Error(c, interfaces.NewError(interfaces.KindValidation, "invalid_request", "unreadable body"))
		return
	}
	body := gjson.ParseBytes(raw)

	req, perr := h.buildRequest(c, body)
	if perr != nil {
		h.Error(c, perr)
		return
	}

	if req.Stream {
		h.streamCompletion(c, req)
		return
	}
	h.bufferedCompletion(c, req, body)
}

// buildRequest validates the body and constructs the queue request bound to
// the client connection.
func (h *Handler) buildRequest(c *gin.Context, body gjson.Result) (*queue.Request, *interfaces.ProxyError) {
	if !body.IsObject() {
		return nil, interfaces.NewError(interfaces.KindValidation, "invalid_request", "body must be a JSON object")
	}

	model := body.Get("model").String()
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindValidation, "invalid_request", "model is required")
	}
	if models := h.Core.Registry.List(); len(models) > 0 && !h.Core.Registry.Has(model) {
		return nil, interfaces.NewErrorf(interfaces.KindValidation, "model_not_available",
			"model %q is not offered by the current profile", model)
	}

	messages := body.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, interfaces.NewError(interfaces.KindValidation, "invalid_request", "messages must be a non-empty array")
	}

	params := interfaces.Params{
		ReasoningEffort: body.Get("reasoning_effort").String(),
		GoogleSearch:    h.Cfg.EnableGoogleSearch,
		URLContext:      h.Cfg.EnableURLContext,
	}
	if v := body.Get("temperature"); v.Exists() {
		t := v.Float()
		params.Temperature = &t
	}
	if v := body.Get("top_p"); v.Exists() {
		t := v.Float()
		params.TopP = &t
	}
	if v := body.Get("max_completion_tokens"); v.Exists() {
		t := int(v.Int())
		params.MaxOutputTokens = &t
	} else if v = body.Get("max_tokens"); v.Exists() {
		t := int(v.Int())
		params.MaxOutputTokens = &t
	}
	if stop := body.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				params.StopSequences = append(params.StopSequences, s.String())
			}
		} else {
			params.StopSequences = append(params.StopSequences, stop.String())
		}
	}

	req := queue.NewRequest(c.Request.Context(), model, body.Get("stream").Bool(),
		messages, body.Get("tools"), params)
	return req, nil
}

// bufferedCompletion waits for the full response and renders one
// chat.completion object.
func (h *Handler) bufferedCompletion(c *gin.Context, req *queue.Request, body gjson.Result) {
	if perr := h.Core.Queue.Enqueue(req); perr != nil {
		h.Error(c, perr)
		return
	}

	outcome := <-req.Result()
	if outcome.Err != nil {
		h.Error(c, outcome.Err)
		return
	}
	resp := outcome.Response

	payload, _ := sjson.Set(`{}`, "id", "chatcmpl-"+req.ID)
	payload, _ = sjson.Set(payload, "object", "chat.completion")
	payload, _ = sjson.Set(payload, "created", time.Now().Unix())
	payload, _ = sjson.Set(payload, "model", req.Model)
	payload, _ = sjson.Set(payload, "choices.0.index", 0)
	payload, _ = sjson.Set(payload, "choices.0.message.role", "assistant")
	payload, _ = sjson.Set(payload, "choices.0.message.content", resp.Content)
	if resp.Reasoning != "" {
		payload, _ = sjson.Set(payload, "choices.0.message.reasoning_content", resp.Reasoning)
	}
	if len(resp.ToolCalls) > 0 {
		payload, _ = sjson.SetRaw(payload, "choices.0.message.tool_calls", fc.FormatToolCalls(resp.ToolCalls))
	}
	payload, _ = sjson.Set(payload, "choices.0.finish_reason", resp.FinishReason)
	payload, _ = sjson.Set(payload, "usage.prompt_tokens", resp.Usage.PromptTokens)
	payload, _ = sjson.Set(payload, "usage.completion_tokens", resp.Usage.CompletionTokens)
	payload, _ = sjson.Set(payload, "usage.total_tokens", resp.Usage.TotalTokens)
	for _, warning := range resp.Warnings {
		payload, _ = sjson.Set(payload, "warnings.-1", warning)
	}

	payload = h.applyMCP(payload, resp, body)

	c.Data(http.StatusOK, "application/json", []byte(payload))
}

// streamCompletion renders the response as chat.completion.chunk SSE frames
// while the worker produces it.
func (h *Handler) streamCompletion(c *gin.Context, req *queue.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	writer := sse.NewChunkWriter(c.Writer, flusher, req.Model)

	req.OnDelta = func(event interfaces.StreamEvent) error {
		switch event.Type {
		case interfaces.EventReasoningDelta:
			return writer.WriteReasoningDelta(event.Text)
		default:
			return writer.WriteContentDelta(event.Text)
		}
	}

	if perr := h.Core.Queue.Enqueue(req); perr != nil {
		h.Error(c, perr)
		return
	}

	outcome := <-req.Result()
	if outcome.Err != nil {
		h.streamError(c, writer, outcome.Err)
		return
	}
	resp := outcome.Response

	if outcome.StreamedTail != "" {
		if err := writer.WriteContentDelta(outcome.StreamedTail); err != nil {
			return
		}
	}
	for i, call := range resp.ToolCalls {
		if err := writer.WriteToolCallDelta(i, call.ID, call.Name, call.Arguments); err != nil {
			return
		}
	}
	if err := writer.WriteFinish(resp.FinishReason, &resp.Usage); err != nil {
		log.Debugf("openai: finish write failed: %v", err)
	}
}

// streamError terminates the SSE stream. A stream that already carried
// chunks ends with a finish_reason "error" frame; one that never started
// falls back to a plain error payload with the mapped status.
func (h *Handler) streamError(c *gin.Context, writer *sse.ChunkWriter, perr *interfaces.ProxyError) {
	if writer.Started() {
		_ = writer.WriteErrorFinish(perr)
		return
	}
	if perr.Kind == interfaces.KindClientClosed {
		// Nothing was written and nobody is listening.
		c.Status(499)
		return
	}
	_ = writer.WriteError(perr)
}

// applyMCP executes the returned tool calls against the MCP endpoint when
// the request opted in with mcp_auto_execute. The results are attached as an
// mcp_results extension; the contract is a single round, no re-prompting.
func (h *Handler) applyMCP(payload string, resp *interfaces.InternalResponse, body gjson.Result) string {
	if !body.Get("mcp_auto_execute").Bool() || len(resp.ToolCalls) == 0 {
		return payload
	}
	endpoint := body.Get("mcp_endpoint").String()
	if endpoint == "" {
		endpoint = h.Cfg.MCPEndpoint
	}
	forwarder := fc.NewMCPForwarder(endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, call := range resp.ToolCalls {
		result, err := forwarder.Execute(ctx, call.Name, call.Arguments)
		entry, _ := sjson.Set(`{}`, "tool_call_id", call.ID)
		if err != nil {
			entry, _ = sjson.Set(entry, "error", err.Error())
		} else {
			if result == "" {
				result = "null"
			}
			entry, _ = sjson.SetRaw(entry, "result", result)
		}
		payload, _ = sjson.SetRaw(payload, "mcp_results.-1", entry)
	}
	return payload
}
