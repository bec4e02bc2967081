package queue

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestComposePromptSimpleConversation(t *testing.T) {
	messages := gjson.Parse(`[
		{"role": "system", "content": "Be terse."},
		{"role": "user", "content": "What is Go?"},
		{"role": "assistant", "content": "A programming language."},
		{"role": "user", "content": "Who made it?"}
	]`)

	prompt, attachments := ComposePrompt(messages, "", false)
	assert.Empty(t, attachments)
	assert.Contains(t, prompt, "System: Be terse.")
	assert.Contains(t, prompt, "User: What is Go?")
	assert.Contains(t, prompt, "Assistant: A programming language.")
	// The live turn carries no role label and comes last.
	assert.True(t, strings.HasSuffix(prompt, "Who made it?"))
	assert.NotContains(t, prompt, "User: Who made it?")
}

func TestComposePromptToolHistory(t *testing.T) {
	messages := gjson.Parse(`[
		{"role": "user", "content": "Weather in Berlin?"},
		{"role": "assistant", "tool_calls": [
			{"id": "call_abc", "function": {"name": "get_weather", "arguments": "{\"location\":\"Berlin\"}"}}
		]},
		{"role": "tool", "tool_call_id": "call_abc", "content": "{\"temp\": 21}"},
		{"role": "user", "content": "And tomorrow?"}
	]`)

	prompt, _ := ComposePrompt(messages, "", false)
	assert.Contains(t, prompt, `Requested function call: get_weather {"location":"Berlin"}`)
	assert.Contains(t, prompt, `Tool result (tool_call_id=call_abc): {"temp": 21}`)
	assert.True(t, strings.HasSuffix(prompt, "And tomorrow?"))
}

func TestComposePromptPreambleFirst(t *testing.T) {
	messages := gjson.Parse(`[{"role": "user", "content": "hi"}]`)
	prompt, _ := ComposePrompt(messages, "You have access to the following functions:\n- get_weather\n", false)
	assert.True(t, strings.HasPrefix(prompt, "You have access to the following functions:"))
	assert.True(t, strings.HasSuffix(prompt, "hi"))
}

func TestComposePromptDeveloperRole(t *testing.T) {
	messages := gjson.Parse(`[
		{"role": "developer", "content": "Use JSON."},
		{"role": "user", "content": "go"}
	]`)
	prompt, _ := ComposePrompt(messages, "", false)
	assert.Contains(t, prompt, "System: Use JSON.")
}

func TestComposePromptContentParts(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake-png"))
	messages := gjson.Parse(`[
		{"role": "user", "content": [
			{"type": "text", "text": "Describe this."},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,` + payload + `"}}
		]}
	]`)

	prompt, attachments := ComposePrompt(messages, "", true)
	assert.Contains(t, prompt, "Describe this.")
	require.Len(t, attachments, 1)
	assert.Equal(t, "image/png", attachments[0].MimeType)
	assert.Equal(t, []byte("fake-png"), attachments[0].Data)
}

func TestComposePromptOnlyCurrentAttachments(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("old"))
	messages := gjson.Parse(`[
		{"role": "user", "content": [
			{"type": "text", "text": "earlier"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,` + payload + `"}}
		]},
		{"role": "user", "content": "latest"}
	]`)

	_, restricted := ComposePrompt(messages, "", true)
	assert.Empty(t, restricted)

	_, all := ComposePrompt(messages, "", false)
	assert.Len(t, all, 1)
}

func TestComposePromptIgnoresRemoteImageURLs(t *testing.T) {
	messages := gjson.Parse(`[
		{"role": "user", "content": [
			{"type": "text", "text": "look"},
			{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
		]}
	]`)
	_, attachments := ComposePrompt(messages, "", false)
	assert.Empty(t, attachments)
}

func TestComposePromptEmptyMessages(t *testing.T) {
	prompt, attachments := ComposePrompt(gjson.Parse(`[]`), "", false)
	assert.Empty(t, prompt)
	assert.Empty(t, attachments)
}
