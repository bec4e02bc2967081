package sse

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// doneFinishReasons are the finish reasons after which [DONE] is emitted.
// Error terminations end the stream without it.
var doneFinishReasons = map[string]bool{
	interfaces.FinishStop:      true,
	interfaces.FinishLength:    true,
	interfaces.FinishToolCalls: true,
}

// ChunkWriter renders chat.completion.chunk frames onto an SSE response.
// One writer per streaming request; not safe for concurrent use.
type ChunkWriter struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	model   string
	created int64

	roleSent  bool
	toolIDs   map[int]string
	toolNames map[int]bool
}

// NewChunkWriter prepares a writer for one streaming response. The flusher
// may be nil in tests.
func NewChunkWriter(w io.Writer, flusher http.Flusher, model string) *ChunkWriter {
	return &ChunkWriter{
		w:         w,
		flusher:   flusher,
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		toolIDs:   make(map[int]string),
		toolNames: make(map[int]bool),
	}
}

// ID returns the completion id shared by every chunk of this stream.
func (c *ChunkWriter) ID() string {
	return c.id
}

// Started reports whether any chunk has been written yet.
func (c *ChunkWriter) Started() bool {
	return c.roleSent
}

func (c *ChunkWriter) envelope() string {
	payload, _ := sjson.Set(`{}`, "id", c.id)
	payload, _ = sjson.Set(payload, "object", "chat.completion.chunk")
	payload, _ = sjson.Set(payload, "created", c.created)
	payload, _ = sjson.Set(payload, "model", c.model)
	payload, _ = sjson.SetRaw(payload, "choices.0", `{"index":0,"delta":{},"finish_reason":null}`)
	return payload
}

func (c *ChunkWriter) emit(payload string) error {
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// WriteRole sends the initial role delta. Called lazily before the first
// content-bearing chunk.
func (c *ChunkWriter) WriteRole() error {
	if c.roleSent {
		return nil
	}
	c.roleSent = true
	payload, _ := sjson.Set(c.envelope(), "choices.0.delta.role", "assistant")
	return c.emit(payload)
}

// WriteContentDelta sends a text delta.
func (c *ChunkWriter) WriteContentDelta(text string) error {
	if err := c.WriteRole(); err != nil {
		return err
	}
	payload, _ := sjson.Set(c.envelope(), "choices.0.delta.content", text)
	return c.emit(payload)
}

// WriteReasoningDelta sends a reasoning delta on the reasoning_content
// extension field.
func (c *ChunkWriter) WriteReasoningDelta(text string) error {
	if err := c.WriteRole(); err != nil {
		return err
	}
	payload, _ := sjson.Set(c.envelope(), "choices.0.delta.reasoning_content", text)
	return c.emit(payload)
}

// WriteToolCallDelta sends one tool-call fragment. The id and name are sent
// only on the first fragment of each index, matching OpenAI's incremental
// tool_calls framing.
func (c *ChunkWriter) WriteToolCallDelta(index int, id, name, argsFragment string) error {
	if err := c.WriteRole(); err != nil {
		return err
	}
	payload := c.envelope()
	prefix := "choices.0.delta.tool_calls.0"
	payload, _ = sjson.Set(payload, prefix+".index", index)
	if !c.toolNames[index] {
		c.toolNames[index] = true
		if id == "" {
			id = c.toolIDs[index]
		}
		c.toolIDs[index] = id
		payload, _ = sjson.Set(payload, prefix+".id", id)
		payload, _ = sjson.Set(payload, prefix+".type", "function")
		payload, _ = sjson.Set(payload, prefix+".function.name", name)
	}
	payload, _ = sjson.Set(payload, prefix+".function.arguments", argsFragment)
	return c.emit(payload)
}

// WriteFinish sends the finish chunk and, for normal terminations, [DONE].
func (c *ChunkWriter) WriteFinish(reason string, usage *interfaces.Usage) error {
	if err := c.WriteRole(); err != nil {
		return err
	}
	payload, _ := sjson.Set(c.envelope(), "choices.0.finish_reason", reason)
	if usage != nil {
		payload, _ = sjson.Set(payload, "usage.prompt_tokens", usage.PromptTokens)
		payload, _ = sjson.Set(payload, "usage.completion_tokens", usage.CompletionTokens)
		payload, _ = sjson.Set(payload, "usage.total_tokens", usage.TotalTokens)
	}
	if err := c.emit(payload); err != nil {
		return err
	}
	if doneFinishReasons[reason] {
		if _, err := io.WriteString(c.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		if c.flusher != nil {
			c.flusher.Flush()
		}
	}
	return nil
}

// WriteError sends a terminal error frame. No [DONE] follows an error.
func (c *ChunkWriter) WriteError(perr *interfaces.ProxyError) error {
	payload, _ := sjson.Set(`{}`, "error.message", perr.Message)
	payload, _ = sjson.Set(payload, "error.type", perr.Kind.String())
	payload, _ = sjson.Set(payload, "error.code", perr.Code)
	return c.emit(payload)
}

// WriteErrorFinish terminates an already-open stream: a final chunk with
// finish_reason "error" carrying the error detail. No [DONE] follows.
func (c *ChunkWriter) WriteErrorFinish(perr *interfaces.ProxyError) error {
	payload, _ := sjson.Set(c.envelope(), "choices.0.finish_reason", interfaces.FinishError)
	payload, _ = sjson.Set(payload, "error.message", perr.Message)
	payload, _ = sjson.Set(payload, "error.type", perr.Kind.String())
	payload, _ = sjson.Set(payload, "error.code", perr.Code)
	return c.emit(payload)
}
