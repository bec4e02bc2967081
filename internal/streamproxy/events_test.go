package streamproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func parseAll(t *testing.T, body string) []interfaces.StreamEvent {
	t.Helper()
	var events []interfaces.StreamEvent
	ParseEvents(strings.NewReader(body), func(event interfaces.StreamEvent) {
		events = append(events, event)
	})
	return events
}

func TestParseEventsTextAndFinish(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}
data: {"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}]}
data: [DONE]
`
	events := parseAll(t, body)
	require.Len(t, events, 3)
	assert.Equal(t, interfaces.EventTextDelta, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
	assert.Equal(t, interfaces.EventFinish, events[2].Type)
	assert.Equal(t, interfaces.FinishStop, events[2].FinishReason)
}

func TestParseEventsThoughtParts(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"pondering","thought":true},{"text":"answer"}]}}]}
`
	events := parseAll(t, body)
	require.Len(t, events, 2)
	assert.Equal(t, interfaces.EventReasoningDelta, events[0].Type)
	assert.Equal(t, "pondering", events[0].Text)
	assert.Equal(t, interfaces.EventTextDelta, events[1].Type)
}

func TestParseEventsFunctionCalls(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"location":"Berlin"}}}]}}]}
data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_time"}}]},"finishReason":"STOP"}]}
`
	events := parseAll(t, body)
	require.Len(t, events, 3)

	assert.Equal(t, interfaces.EventFunctionCallChunk, events[0].Type)
	assert.Equal(t, "get_weather", events[0].Name)
	assert.Equal(t, 0, events[0].CallIndex)
	assert.JSONEq(t, `{"location":"Berlin"}`, events[0].ArgsFragment)

	assert.Equal(t, "get_time", events[1].Name)
	assert.Equal(t, 1, events[1].CallIndex)
	assert.Equal(t, "{}", events[1].ArgsFragment)
}

func TestParseEventsUpstreamQuotaError(t *testing.T) {
	body := `data: {"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded for model"}}
`
	events := parseAll(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.EventTransportError, events[0].Type)
	assert.Equal(t, "quota_exceeded", events[0].ErrKind)
	assert.Contains(t, events[0].ErrDetail, "Quota exceeded")
}

func TestParseEventsUpstreamRateLimit(t *testing.T) {
	body := `data: {"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Too many requests"}}
`
	events := parseAll(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "rate_limit", events[0].ErrKind)
}

func TestParseEventsUpstreamServerError(t *testing.T) {
	body := `data: {"error":{"code":500,"status":"INTERNAL","message":"boom"}}
`
	events := parseAll(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "bad_gateway", events[0].ErrKind)
}

func TestParseEventsIgnoresGarbage(t *testing.T) {
	body := "not json\ndata: {truncated\n\ndata: {\"unrelated\": true}\n"
	assert.Empty(t, parseAll(t, body))
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, interfaces.FinishStop, mapFinishReason("STOP"))
	assert.Equal(t, interfaces.FinishLength, mapFinishReason("MAX_TOKENS"))
	assert.Equal(t, interfaces.FinishContentFilter, mapFinishReason("SAFETY"))
	assert.Equal(t, interfaces.FinishContentFilter, mapFinishReason("RECITATION"))
	assert.Equal(t, interfaces.FinishStop, mapFinishReason("OTHER"))
}
