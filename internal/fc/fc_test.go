package fc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func TestParseEmulatedText(t *testing.T) {
	text := "Let me check the weather.\n" +
		"Request function call: get_weather\n" +
		`{"location": "Berlin", "unit": "celsius"}` + "\n" +
		"Done."

	calls := ParseEmulatedText(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.JSONEq(t, `{"location": "Berlin", "unit": "celsius"}`, calls[0].Arguments)
}

func TestParseEmulatedTextWithoutObject(t *testing.T) {
	calls := ParseEmulatedText("Request function call: list_files")
	require.Len(t, calls, 1)
	assert.Equal(t, "list_files", calls[0].Name)
	assert.Equal(t, "{}", calls[0].Arguments)
}

func TestParseEmulatedTextMultipleCalls(t *testing.T) {
	text := "Request function call: first\n{\"a\": 1}\n" +
		"some prose\n" +
		"Request function call: second\n{\"b\": {\"nested\": true}}"

	calls := ParseEmulatedText(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
	assert.JSONEq(t, `{"b": {"nested": true}}`, calls[1].Arguments)
}

func TestParseEmulatedTextBracesInsideStrings(t *testing.T) {
	text := "Request function call: run\n" + `{"cmd": "echo {not a brace}", "note": "quote \" here"}`
	calls := ParseEmulatedText(text)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"cmd": "echo {not a brace}", "note": "quote \" here"}`, calls[0].Arguments)
}

func TestParseEmulatedTextUnbalancedObject(t *testing.T) {
	calls := ParseEmulatedText("Request function call: broken\n{\"a\": {\"b\": 1}")
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Arguments)
}

func TestRemoveEmulatedCalls(t *testing.T) {
	text := "I will look that up.\n" +
		"Request function call: search\n{\"q\": \"golang\"}\n" +
		"One moment."

	cleaned := RemoveEmulatedCalls(text)
	assert.NotContains(t, cleaned, "Request function call")
	assert.NotContains(t, cleaned, "golang")
	assert.Contains(t, cleaned, "I will look that up.")
	assert.Contains(t, cleaned, "One moment.")
}

func TestRemoveEmulatedCallsNoCalls(t *testing.T) {
	text := "Plain answer with {json: looking} text."
	assert.Equal(t, text, RemoveEmulatedCalls(text))
}

func TestResolveName(t *testing.T) {
	registered := map[string]struct{}{
		"gh_grep_searchGitHub": {},
		"get_weather":          {},
	}

	name, ok := ResolveName("get_weather", registered, 0.7)
	require.True(t, ok)
	assert.Equal(t, "get_weather", name)

	// Truncated name repaired by common prefix.
	name, ok = ResolveName("gh_grep_searchGit", registered, 0.7)
	require.True(t, ok)
	assert.Equal(t, "gh_grep_searchGitHub", name)

	// Prefix share below the threshold is refused.
	_, ok = ResolveName("gh", registered, 0.7)
	assert.False(t, ok)

	_, ok = ResolveName("unrelated_tool", registered, 0.7)
	assert.False(t, ok)

	_, ok = ResolveName("anything", map[string]struct{}{}, 0.7)
	assert.False(t, ok)
}

func TestConvertToolsStripsUnsupportedKeywords(t *testing.T) {
	tools := gjson.Parse(`[{
		"type": "function",
		"function": {
			"name": "lookup",
			"description": "Find a record",
			"parameters": {
				"type": "object",
				"strict": true,
				"$schema": "http://json-schema.org/draft-07/schema#",
				"properties": {
					"id": {"type": "string", "pattern": "^[a-z]+$", "minLength": 1}
				}
			}
		}
	}]`)

	decls, perr := ConvertTools(tools)
	require.Nil(t, perr)
	require.NotNil(t, decls)
	assert.Contains(t, decls.Names, "lookup")
	assert.NotContains(t, decls.CanonicalJSON, "strict")
	assert.NotContains(t, decls.CanonicalJSON, "$schema")
	assert.NotContains(t, decls.CanonicalJSON, "pattern")
	assert.NotContains(t, decls.CanonicalJSON, "minLength")
	assert.Contains(t, decls.CanonicalJSON, `"id"`)
}

func TestConvertToolsDigestStableAcrossKeyOrder(t *testing.T) {
	a := gjson.Parse(`[{"type":"function","function":{"name":"f","parameters":{"type":"object","properties":{"x":{"type":"string"}}}}}]`)
	b := gjson.Parse(`[{"function":{"parameters":{"properties":{"x":{"type":"string"}},"type":"object"},"name":"f"},"type":"function"}]`)

	declsA, perr := ConvertTools(a)
	require.Nil(t, perr)
	declsB, perr := ConvertTools(b)
	require.Nil(t, perr)
	assert.Equal(t, declsA.Digest, declsB.Digest)
}

func TestConvertToolsRejectsUnnamedTool(t *testing.T) {
	tools := gjson.Parse(`[{"type":"function","function":{"description":"nameless"}}]`)
	decls, perr := ConvertTools(tools)
	assert.Nil(t, decls)
	require.NotNil(t, perr)
	assert.Equal(t, interfaces.KindValidation, perr.Kind)
	assert.Equal(t, "invalid_tool", perr.Code)
}

func TestConvertToolsSkipsPseudoTools(t *testing.T) {
	tools := gjson.Parse(`[{"type":"google_search"},{"type":"url_context"}]`)
	decls, perr := ConvertTools(tools)
	assert.Nil(t, perr)
	assert.Nil(t, decls)
}

func TestConvertToolsEmpty(t *testing.T) {
	decls, perr := ConvertTools(gjson.Parse(`[]`))
	assert.Nil(t, perr)
	assert.Nil(t, decls)

	decls, perr = ConvertTools(gjson.Result{})
	assert.Nil(t, perr)
	assert.Nil(t, decls)
}

func TestNewCallIDShape(t *testing.T) {
	pattern := regexp.MustCompile(`^call_[0-9a-f]{24}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id := NewCallID()
		assert.Regexp(t, pattern, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 50)
}

func TestCallManagerLookup(t *testing.T) {
	m := NewCallManager()
	id := m.Register("get_weather", `{"location":"Berlin"}`)
	name, args, ok := m.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "get_weather", name)
	assert.Equal(t, `{"location":"Berlin"}`, args)

	_, _, ok = m.Lookup("call_000000000000000000000000")
	assert.False(t, ok)
}

func TestFormatToolCalls(t *testing.T) {
	calls := []interfaces.ToolCall{
		{ID: "call_aaaaaaaaaaaaaaaaaaaaaaaa", Name: "first", Arguments: `{"a":1}`},
		{ID: "call_bbbbbbbbbbbbbbbbbbbbbbbb", Name: "second", Arguments: ""},
	}
	out := gjson.Parse(FormatToolCalls(calls))
	require.True(t, out.IsArray())
	require.Len(t, out.Array(), 2)
	assert.Equal(t, "call_aaaaaaaaaaaaaaaaaaaaaaaa", out.Get("0.id").String())
	assert.Equal(t, "function", out.Get("0.type").String())
	assert.Equal(t, "first", out.Get("0.function.name").String())
	assert.Equal(t, `{"a":1}`, out.Get("0.function.arguments").String())
	assert.Equal(t, "{}", out.Get("1.function.arguments").String())
}

func TestFormatToolCallsRejectsMalformedArguments(t *testing.T) {
	calls := []interfaces.ToolCall{
		{ID: "call_cccccccccccccccccccccccc", Name: "broken", Arguments: `{"loc`},
		{ID: "call_dddddddddddddddddddddddd", Name: "array", Arguments: `["not","an","object"]`},
	}
	out := gjson.Parse(FormatToolCalls(calls))
	assert.Equal(t, "{}", out.Get("0.function.arguments").String())
	assert.Equal(t, "{}", out.Get("1.function.arguments").String())
}

func TestBuildEmulatedPreamble(t *testing.T) {
	tools := gjson.Parse(`[{"type":"function","function":{"name":"get_weather","description":"Weather lookup.\nSecond line.","parameters":{"type":"object"}}}]`)
	preamble := BuildEmulatedPreamble(tools)
	assert.Contains(t, preamble, "get_weather")
	assert.Contains(t, preamble, "Weather lookup.")
	assert.NotContains(t, preamble, "Second line.")
	assert.Contains(t, preamble, "Request function call: <name>")
}

func testOrchestrator() *Orchestrator {
	cfg := &config.Config{}
	cfg.FunctionCalling.FuzzyMatchThreshold = 0.7
	return NewOrchestrator(cfg)
}

func TestExtractCallsPrefersWireOverText(t *testing.T) {
	o := testOrchestrator()
	registered := map[string]struct{}{"get_weather": {}}

	wire := []ParsedCall{{Name: "get_weather", Arguments: `{"location":"Berlin"}`}}
	finalText := "Request function call: get_weather\n{\"location\":\"Paris\"}"

	calls, warnings := o.ExtractCalls(wire, nil, finalText, registered)
	require.Len(t, calls, 1)
	assert.Empty(t, warnings)
	assert.Contains(t, calls[0].Arguments, "Berlin")
}

func TestExtractCallsFallsBackToText(t *testing.T) {
	o := testOrchestrator()
	registered := map[string]struct{}{"get_weather": {}}

	calls, warnings := o.ExtractCalls(nil, nil, "Request function call: get_weather\n{\"location\":\"Paris\"}", registered)
	require.Len(t, calls, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, calls[0].ID)
}

func TestExtractCallsRepairsTruncatedName(t *testing.T) {
	o := testOrchestrator()
	registered := map[string]struct{}{"gh_grep_searchGitHub": {}}

	calls, warnings := o.ExtractCalls(nil, nil, "Request function call: gh_grep_searchGit\n{}", registered)
	require.Len(t, calls, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, "gh_grep_searchGitHub", calls[0].Name)
}

func TestExtractCallsUnknownToolBecomesWarning(t *testing.T) {
	o := testOrchestrator()
	registered := map[string]struct{}{"get_weather": {}}

	calls, warnings := o.ExtractCalls(nil, nil, "Request function call: delete_everything\n{}", registered)
	assert.Empty(t, calls)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "delete_everything")
}

func TestMCPForwarderExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"result": {"temp": 21}}`))
	}))
	defer server.Close()

	f := NewMCPForwarder(server.URL)
	result, err := f.Execute(context.Background(), "get_weather", `{"location":"Berlin"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp": 21}`, result)
}

func TestMCPForwarderToolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": "no such tool"}`))
	}))
	defer server.Close()

	f := NewMCPForwarder(server.URL)
	_, err := f.Execute(context.Background(), "missing", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tool")
}

func TestMCPForwarderDisabled(t *testing.T) {
	f := NewMCPForwarder("")
	assert.False(t, f.Enabled())
	_, err := f.Execute(context.Background(), "anything", "{}")
	assert.Error(t, err)
}
