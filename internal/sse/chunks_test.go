package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// frames splits an SSE body into the JSON payloads of its data lines.
func frames(body string) []string {
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if strings.HasPrefix(block, "data: ") {
			out = append(out, strings.TrimPrefix(block, "data: "))
		}
	}
	return out
}

func TestChunkWriterTextStream(t *testing.T) {
	var buf strings.Builder
	w := NewChunkWriter(&buf, nil, "gemini-pro")
	assert.False(t, w.Started())

	require.NoError(t, w.WriteContentDelta("hel"))
	assert.True(t, w.Started())
	require.NoError(t, w.WriteContentDelta("lo"))
	require.NoError(t, w.WriteFinish(interfaces.FinishStop, &interfaces.Usage{
		PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8,
	}))

	payloads := frames(buf.String())
	// role, two deltas, finish, [DONE]
	require.Len(t, payloads, 5)
	assert.Equal(t, "[DONE]", payloads[4])

	role := gjson.Parse(payloads[0])
	assert.Equal(t, "chat.completion.chunk", role.Get("object").String())
	assert.Equal(t, "assistant", role.Get("choices.0.delta.role").String())
	assert.True(t, strings.HasPrefix(role.Get("id").String(), "chatcmpl-"))
	assert.Equal(t, "gemini-pro", role.Get("model").String())

	assert.Equal(t, "hel", gjson.Get(payloads[1], "choices.0.delta.content").String())
	assert.Equal(t, "lo", gjson.Get(payloads[2], "choices.0.delta.content").String())

	finish := gjson.Parse(payloads[3])
	assert.Equal(t, "stop", finish.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(8), finish.Get("usage.total_tokens").Int())

	// Every chunk shares one id.
	for _, payload := range payloads[:4] {
		assert.Equal(t, w.ID(), gjson.Get(payload, "id").String())
	}
}

func TestChunkWriterReasoningDelta(t *testing.T) {
	var buf strings.Builder
	w := NewChunkWriter(&buf, nil, "gemini-pro")
	require.NoError(t, w.WriteReasoningDelta("thinking..."))

	payloads := frames(buf.String())
	require.Len(t, payloads, 2)
	assert.Equal(t, "thinking...", gjson.Get(payloads[1], "choices.0.delta.reasoning_content").String())
	assert.False(t, gjson.Get(payloads[1], "choices.0.delta.content").Exists())
}

func TestChunkWriterToolCallFraming(t *testing.T) {
	var buf strings.Builder
	w := NewChunkWriter(&buf, nil, "gemini-pro")

	require.NoError(t, w.WriteToolCallDelta(0, "call_aaaaaaaaaaaaaaaaaaaaaaaa", "get_weather", `{"loc`))
	require.NoError(t, w.WriteToolCallDelta(0, "", "", `ation":"Berlin"}`))
	require.NoError(t, w.WriteFinish(interfaces.FinishToolCalls, nil))

	payloads := frames(buf.String())
	require.Len(t, payloads, 5)

	first := gjson.Parse(payloads[1])
	assert.Equal(t, "call_aaaaaaaaaaaaaaaaaaaaaaaa", first.Get("choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "function", first.Get("choices.0.delta.tool_calls.0.type").String())
	assert.Equal(t, "get_weather", first.Get("choices.0.delta.tool_calls.0.function.name").String())

	second := gjson.Parse(payloads[2])
	assert.False(t, second.Get("choices.0.delta.tool_calls.0.id").Exists())
	assert.False(t, second.Get("choices.0.delta.tool_calls.0.function.name").Exists())
	assert.Equal(t, `ation":"Berlin"}`, second.Get("choices.0.delta.tool_calls.0.function.arguments").String())

	assert.Equal(t, "[DONE]", payloads[4])
}

func TestChunkWriterErrorFinishNoDone(t *testing.T) {
	var buf strings.Builder
	w := NewChunkWriter(&buf, nil, "gemini-pro")
	require.NoError(t, w.WriteContentDelta("partial"))
	require.NoError(t, w.WriteErrorFinish(interfaces.NewError(interfaces.KindGatewayTimeout,
		"stale_timeout", "stream stalled")))

	body := buf.String()
	assert.NotContains(t, body, "[DONE]")

	payloads := frames(body)
	last := gjson.Parse(payloads[len(payloads)-1])
	assert.Equal(t, "error", last.Get("choices.0.finish_reason").String())
	assert.Equal(t, "stale_timeout", last.Get("error.code").String())
	assert.Equal(t, "gateway_timeout", last.Get("error.type").String())
}

func TestChunkWriterErrorFrame(t *testing.T) {
	var buf strings.Builder
	w := NewChunkWriter(&buf, nil, "gemini-pro")
	require.NoError(t, w.WriteError(interfaces.NewError(interfaces.KindBadGateway,
		"bad_gateway", "upstream stream failed")))

	payloads := frames(buf.String())
	require.Len(t, payloads, 1)
	parsed := gjson.Parse(payloads[0])
	assert.Equal(t, "bad_gateway", parsed.Get("error.code").String())
	assert.Equal(t, "upstream stream failed", parsed.Get("error.message").String())
	assert.NotContains(t, buf.String(), "[DONE]")
}
