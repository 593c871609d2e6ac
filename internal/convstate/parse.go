package convstate

import (
	"strings"

	"github.com/tidwall/gjson"
)

// contentBlock is a normalized view over one Claude content-block object (or
// a bare string content item coerced into {type:"text"}).
type contentBlock struct {
	Type string

	Text string // type == "text" or "thinking"

	// type == "tool_use"
	ToolUseID string
	ToolName  string
	ToolInput gjson.Result

	// type == "tool_result"
	ToolResultForID string
	ToolResultText  string

	// type == "image"
	ImageMediaType string
	ImageData      string
	ImageURL       string
}

// rawMessage is a normalized view over one Claude messages[] entry, read
// directly off the request bytes with gjson rather than through a mirrored
// struct — the same path-based reading technique the request translators
// elsewhere in this codebase use.
type rawMessage struct {
	Role    string
	Content []contentBlock
}

// parsedInput holds the {messages, system, tools, thinkingEnabled, model,
// stream} fields parseRequest extracts from a raw Claude Messages API
// request body.
type parsedInput struct {
	Messages        []rawMessage
	System          string
	Tools           []gjson.Result
	ThinkingEnabled bool
	Model           string
	Stream          bool
}

func parseRequest(raw []byte) parsedInput {
	root := gjson.ParseBytes(raw)

	var out parsedInput
	out.Model = root.Get("model").String()
	out.Stream = root.Get("stream").Bool()

	if sys := root.Get("system"); sys.Exists() {
		if sys.IsArray() {
			var sb strings.Builder
			sys.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" || !block.IsObject() {
					if sb.Len() > 0 {
						sb.WriteString("\n")
					}
					if block.IsObject() {
						sb.WriteString(block.Get("text").String())
					} else {
						sb.WriteString(block.String())
					}
				}
				return true
			})
			out.System = sb.String()
		} else {
			out.System = sys.String()
		}
	}

	if thinking := root.Get("thinking"); thinking.Exists() {
		out.ThinkingEnabled = thinking.Get("type").String() == "enabled"
	}

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, t gjson.Result) bool {
			out.Tools = append(out.Tools, t)
			return true
		})
	}

	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		out.Messages = append(out.Messages, parseMessage(m))
		return true
	})

	return out
}

func parseMessage(m gjson.Result) rawMessage {
	rm := rawMessage{Role: m.Get("role").String()}
	content := m.Get("content")
	if content.Type == gjson.String {
		rm.Content = append(rm.Content, contentBlock{Type: "text", Text: content.String()})
		return rm
	}
	content.ForEach(func(_, block gjson.Result) bool {
		rm.Content = append(rm.Content, parseBlock(block))
		return true
	})
	return rm
}

func parseBlock(block gjson.Result) contentBlock {
	t := block.Get("type").String()
	switch t {
	case "tool_use":
		return contentBlock{
			Type:      "tool_use",
			ToolUseID: block.Get("id").String(),
			ToolName:  block.Get("name").String(),
			ToolInput: block.Get("input"),
		}
	case "tool_result":
		return contentBlock{
			Type:            "tool_result",
			ToolResultForID: block.Get("tool_use_id").String(),
			ToolResultText:  extractToolResultText(block),
		}
	case "image":
		return contentBlock{
			Type:           "image",
			ImageMediaType: block.Get("source.media_type").String(),
			ImageData:      block.Get("source.data").String(),
			ImageURL:       block.Get("image_url.url").String(),
		}
	case "thinking":
		return contentBlock{Type: "thinking", Text: block.Get("thinking").String()}
	default:
		return contentBlock{Type: "text", Text: block.Get("text").String()}
	}
}

func extractToolResultText(block gjson.Result) string {
	content := block.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, c gjson.Result) bool {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		if c.Get("type").String() == "text" || c.Get("text").Exists() {
			sb.WriteString(c.Get("text").String())
		} else {
			sb.WriteString(c.String())
		}
		return true
	})
	return sb.String()
}

func blockText(blocks []contentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if sb.Len() > 0 && b.Text != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		case "thinking":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("<thinking>" + b.Text + "</thinking>\n")
		}
	}
	return sb.String()
}
