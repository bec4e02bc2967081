package queue

import (
	"encoding/base64"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// ComposePrompt flattens the OpenAI messages array into the single prompt
// typed into the page. Everything before the last user message becomes a
// labelled context block; the last user message is the live turn. preamble
// is the emulated function-calling catalog, prepended ahead of everything
// when non-empty.
//
// onlyCurrent restricts attachment collection to the live user turn;
// otherwise attachments from earlier user messages are uploaded too.
func ComposePrompt(messages gjson.Result, preamble string, onlyCurrent bool) (string, []interfaces.Attachment) {
	items := messages.Array()
	lastUser := -1
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Get("role").String() == "user" {
			lastUser = i
			break
		}
	}

	var b strings.Builder
	var attachments []interfaces.Attachment
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}

	for i, msg := range items {
		if i == lastUser {
			continue
		}
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			writeBlock(&b, "System", contentText(msg.Get("content")))
		case "user":
			text, atts := contentParts(msg.Get("content"))
			writeBlock(&b, "User", text)
			if !onlyCurrent {
				attachments = append(attachments, atts...)
			}
		case "assistant":
			text := contentText(msg.Get("content"))
			if calls := msg.Get("tool_calls"); calls.Exists() {
				var lines []string
				calls.ForEach(func(_, call gjson.Result) bool {
					lines = append(lines, fmt.Sprintf("Requested function call: %s %s",
						call.Get("function.name").String(),
						call.Get("function.arguments").String()))
					return true
				})
				if text != "" {
					text += "\n"
				}
				text += strings.Join(lines, "\n")
			}
			writeBlock(&b, "Assistant", text)
		case "tool":
			writeBlock(&b, "", fmt.Sprintf("Tool result (tool_call_id=%s): %s",
				msg.Get("tool_call_id").String(), contentText(msg.Get("content"))))
		}
	}

	if lastUser >= 0 {
		text, atts := contentParts(items[lastUser].Get("content"))
		attachments = append(attachments, atts...)
		b.WriteString(text)
	}

	return strings.TrimRight(b.String(), "\n"), attachments
}

func writeBlock(b *strings.Builder, label, text string) {
	if text == "" {
		return
	}
	if label != "" {
		b.WriteString(label)
		b.WriteString(": ")
	}
	b.WriteString(text)
	b.WriteString("\n\n")
}

// contentText flattens a content value to plain text, ignoring non-text
// parts.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// contentParts flattens a content value and collects uploadable attachments
// from data-URL image parts.
func contentParts(content gjson.Result) (string, []interfaces.Attachment) {
	if content.Type == gjson.String {
		return content.String(), nil
	}
	var texts []string
	var attachments []interfaces.Attachment
	index := 0
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			texts = append(texts, part.Get("text").String())
		case "image_url":
			index++
			if att, ok := decodeDataURL(part.Get("image_url.url").String(), fmt.Sprintf("image_%d", index)); ok {
				attachments = append(attachments, att)
			}
		}
		return true
	})
	return strings.Join(texts, "\n"), attachments
}

// decodeDataURL parses a data: URL into an attachment. Remote URLs are not
// fetched; the page cannot upload them anyway.
func decodeDataURL(url, name string) (interfaces.Attachment, bool) {
	if !strings.HasPrefix(url, "data:") {
		return interfaces.Attachment{}, false
	}
	rest := url[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return interfaces.Attachment{}, false
	}
	meta := rest[:comma]
	payload := rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return interfaces.Attachment{}, false
	}
	mime := strings.TrimSuffix(meta, ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		log.Debugf("queue: dropping undecodable attachment %s: %v", name, err)
		return interfaces.Attachment{}, false
	}
	return interfaces.Attachment{Name: name, MimeType: mime, Data: data}, true
}
