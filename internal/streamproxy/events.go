package streamproxy

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// parseStream reads the upstream streaming body line by line and publishes
// the decoded events on the correlation channel.
func (i *Interceptor) parseStream(r io.Reader, correlationID string, statusCode int) {
	if statusCode == 429 {
		i.publish(correlationID, interfaces.StreamEvent{
			Type:    interfaces.EventTransportError,
			ErrKind: "rate_limit",
		})
	} else if statusCode >= 500 {
		i.publish(correlationID, interfaces.StreamEvent{
			Type:    interfaces.EventTransportError,
			ErrKind: "bad_gateway",
		})
	}
	ParseEvents(r, func(event interfaces.StreamEvent) {
		i.publish(correlationID, event)
	})
}

// ParseEvents decodes an upstream streaming body into events. The upstream
// frames chunks as SSE-style "data:" lines carrying candidate JSON; anything
// else is ignored. Shared between the wire tee and the helper client.
func ParseEvents(r io.Reader, emit func(interfaces.StreamEvent)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	callIndex := -1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "data: [DONE]" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if !gjson.Valid(line) {
			continue
		}
		chunk := gjson.Parse(line)

		if upstreamErr := chunk.Get("error"); upstreamErr.Exists() {
			emit(decodeUpstreamError(upstreamErr))
			continue
		}

		candidate := chunk.Get("candidates.0")
		if !candidate.Exists() {
			continue
		}

		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if call := part.Get("functionCall"); call.Exists() {
				callIndex++
				args := call.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				emit(interfaces.StreamEvent{
					Type:         interfaces.EventFunctionCallChunk,
					Name:         call.Get("name").String(),
					ArgsFragment: args,
					CallIndex:    callIndex,
				})
				return true
			}
			if text := part.Get("text"); text.Exists() {
				eventType := interfaces.EventTextDelta
				if part.Get("thought").Bool() {
					eventType = interfaces.EventReasoningDelta
				}
				emit(interfaces.StreamEvent{Type: eventType, Text: text.String()})
			}
			return true
		})

		if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
			emit(interfaces.StreamEvent{
				Type:         interfaces.EventFinish,
				FinishReason: mapFinishReason(finish.String()),
			})
		}
	}
}

func decodeUpstreamError(upstreamErr gjson.Result) interfaces.StreamEvent {
	status := upstreamErr.Get("status").String()
	code := upstreamErr.Get("code").Int()
	kind := "bad_gateway"
	switch {
	case status == "RESOURCE_EXHAUSTED" && strings.Contains(strings.ToLower(upstreamErr.Get("message").String()), "quota"):
		kind = "quota_exceeded"
	case status == "RESOURCE_EXHAUSTED" || code == 429:
		kind = "rate_limit"
	}
	return interfaces.StreamEvent{
		Type:      interfaces.EventTransportError,
		ErrKind:   kind,
		ErrDetail: upstreamErr.Get("message").String(),
	}
}

func mapFinishReason(upstream string) string {
	switch strings.ToUpper(upstream) {
	case "STOP", "FINISH_REASON_STOP":
		return interfaces.FinishStop
	case "MAX_TOKENS":
		return interfaces.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return interfaces.FinishContentFilter
	default:
		return interfaces.FinishStop
	}
}
