// Package interfaces defines the shared types carried between the request
// queue, the response acquisition pipeline, the streaming controller and the
// public API surface. Every stage of the engine depends on these shapes and
// nothing else, so the packages stay decoupled from each other.
package interfaces

// FinishReason values reported at the end of a response.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// StreamEventType tags the variants of StreamEvent.
type StreamEventType int

const (
	// EventTextDelta carries a fragment of visible answer text.
	EventTextDelta StreamEventType = iota
	// EventReasoningDelta carries a fragment of the model's thinking text.
	EventReasoningDelta
	// EventFunctionCallChunk carries a fragment of a function call. Name is
	// set on the first fragment of each call, ArgsFragment on every one.
	EventFunctionCallChunk
	// EventFinish terminates the stream with a finish reason.
	EventFinish
	// EventTransportError reports a wire-level failure mid-stream.
	EventTransportError
)

// StreamEvent is the tagged union published by the acquisition layers and
// consumed by the streaming lifecycle controller.
type StreamEvent struct {
	Type StreamEventType

	// Text is the delta payload for text and reasoning events.
	Text string

	// Name identifies the function on the first fragment of a call.
	Name string
	// ArgsFragment is a piece of the serialized arguments object.
	ArgsFragment string
	// CallIndex groups fragments belonging to the same call.
	CallIndex int

	// FinishReason is set on EventFinish.
	FinishReason string

	// ErrKind and ErrDetail describe an EventTransportError.
	ErrKind   string
	ErrDetail string
}

// ToolCall is one extracted function call ready for the OpenAI formatter.
// Arguments is always the serialization of a JSON object, "{}" when empty.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage is a token usage estimate attached to a finished response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InternalResponse is the canonical representation emitted by the response
// assembler. If ToolCalls is non-empty, FinishReason is FinishToolCalls and
// Content may be empty.
type InternalResponse struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage

	// Warnings carries non-fatal notices surfaced in response metadata,
	// e.g. tools disabled because native function calling was active.
	Warnings []string
}

// Attachment references a file uploaded alongside a prompt.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}
