package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func TestCollectorAccumulatesDeltas(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventReasoningDelta, Text: "thinking "})
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "Hello"})
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: " world"})
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventReasoningDelta, Text: "done"})

	assert.Equal(t, "Hello world", c.Content())
	assert.Equal(t, "thinking done", c.Reasoning())
	assert.Empty(t, c.Calls())
}

func TestCollectorGroupsCallFragments(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventFunctionCallChunk, CallIndex: 0, Name: "get_weather", ArgsFragment: `{"loc`})
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventFunctionCallChunk, CallIndex: 0, ArgsFragment: `ation":"Berlin"}`})
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventFunctionCallChunk, CallIndex: 1, Name: "get_time", ArgsFragment: "{}"})

	calls := c.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, `{"location":"Berlin"}`, calls[0].Arguments)
	assert.Equal(t, "get_time", calls[1].Name)
}

func TestCollectorDropsNamelessCallSlots(t *testing.T) {
	c := NewCollector()
	// A fragment for index 1 arrives without index 0 ever being named.
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventFunctionCallChunk, CallIndex: 1, Name: "real_call", ArgsFragment: "{}"})

	calls := c.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "real_call", calls[0].Name)
}

func TestReconcileFinalExtension(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "Hello"})

	full, tail := c.ReconcileFinal("Hello world")
	assert.Equal(t, "Hello world", full)
	assert.Equal(t, " world", tail)
}

func TestReconcileFinalRewriteWins(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "Hi"})

	// A longer rewrite replaces the streamed text with no flushable tail.
	full, tail := c.ReconcileFinal("Hello there")
	assert.Equal(t, "Hello there", full)
	assert.Empty(t, tail)
}

func TestReconcileFinalStreamedLongerWins(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "Hello world"})

	full, tail := c.ReconcileFinal("Hello")
	assert.Equal(t, "Hello world", full)
	assert.Empty(t, tail)
}

func TestReconcileFinalEmptyDOM(t *testing.T) {
	c := NewCollector()
	c.Apply(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "streamed"})
	full, tail := c.ReconcileFinal("")
	assert.Equal(t, "streamed", full)
	assert.Empty(t, tail)
}

func TestGrowth(t *testing.T) {
	assert.Equal(t, "Hello", growth("", "Hello"))
	assert.Equal(t, " world", growth("Hello", "Hello world"))
	assert.Empty(t, growth("Hello", "Hello"))
	// A non-extension rewrite yields nothing until finalization.
	assert.Empty(t, growth("Hello", "Goodbye"))
}

func TestEstimateUsage(t *testing.T) {
	usage := EstimateUsage("12345678", "1234")
	assert.Equal(t, 2, usage.PromptTokens)
	assert.Equal(t, 1, usage.CompletionTokens)
	assert.Equal(t, 3, usage.TotalTokens)

	// Runes, not bytes.
	multibyte := EstimateUsage("éééééééé", "")
	assert.Equal(t, 2, multibyte.PromptTokens)
}
