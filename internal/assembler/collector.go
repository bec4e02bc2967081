package assembler

import (
	"strings"
	"unicode/utf8"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/fc"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Collector accumulates stream deltas into the pieces the worker assembles
// the final response from. One collector per request.
type Collector struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     []fc.ParsedCall
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Apply folds one delta event in. Finish and transport events are handled by
// the lifecycle controller and ignored here.
func (c *Collector) Apply(event interfaces.StreamEvent) {
	switch event.Type {
	case interfaces.EventTextDelta:
		c.content.WriteString(event.Text)
	case interfaces.EventReasoningDelta:
		c.reasoning.WriteString(event.Text)
	case interfaces.EventFunctionCallChunk:
		for len(c.calls) <= event.CallIndex {
			c.calls = append(c.calls, fc.ParsedCall{})
		}
		call := &c.calls[event.CallIndex]
		if event.Name != "" {
			call.Name = event.Name
		}
		call.Arguments += event.ArgsFragment
	}
}

// Content returns the accumulated answer text.
func (c *Collector) Content() string {
	return c.content.String()
}

// Reasoning returns the accumulated thinking text.
func (c *Collector) Reasoning() string {
	return c.reasoning.String()
}

// Calls returns the accumulated wire function calls, dropping index slots
// that never received a name.
func (c *Collector) Calls() []fc.ParsedCall {
	var calls []fc.ParsedCall
	for _, call := range c.calls {
		if call.Name != "" {
			calls = append(calls, call)
		}
	}
	return calls
}

// ReconcileFinal merges the settled DOM text over the streamed content. When
// the DOM text extends what streamed, the tail is returned so a streaming
// response can flush it before finishing; otherwise the longer of the two
// wins and no tail is emitted.
func (c *Collector) ReconcileFinal(finalText string) (full, tail string) {
	streamed := c.content.String()
	if finalText == "" {
		return streamed, ""
	}
	if strings.HasPrefix(finalText, streamed) && len(finalText) > len(streamed) {
		return finalText, finalText[len(streamed):]
	}
	if len(finalText) > len(streamed) {
		return finalText, ""
	}
	return streamed, ""
}

// EstimateUsage fills a rough token accounting from character counts. The
// page exposes no token counts, so a 4-chars-per-token heuristic is the best
// available signal.
func EstimateUsage(prompt, completion string) interfaces.Usage {
	usage := interfaces.Usage{
		PromptTokens:     utf8.RuneCountInString(prompt) / 4,
		CompletionTokens: utf8.RuneCountInString(completion) / 4,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
