package fc

import (
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// FormatToolCalls renders extracted calls as the OpenAI tool_calls array.
// Arguments is always a JSON-encoded string field, "{}" when the call has
// none. Order follows extraction order.
func FormatToolCalls(calls []interfaces.ToolCall) string {
	out := "[]"
	for i, call := range calls {
		entry := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
		entry, _ = sjson.Set(entry, "id", call.ID)
		entry, _ = sjson.Set(entry, "function.name", call.Name)
		entry, _ = sjson.Set(entry, "function.arguments", normalizeArguments(call.Arguments))
		out, _ = sjson.SetRaw(out, fmt.Sprintf("%d", i), entry)
	}
	return out
}
