// Package ssetranslate turns the normalized internal events produced by the
// event-stream codec (C1) into the Claude-compatible SSE chunk sequence.
package ssetranslate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiro-gateway/kirogate/internal/convstate"
	"github.com/kiro-gateway/kirogate/internal/eventstream"
)

// Chunk is one emitted SSE event: "event: <Type>\ndata: <Data>\n\n".
type Chunk struct {
	Type string
	Data []byte
}

func sseEvent(eventType string, payload any) Chunk {
	b, _ := json.Marshal(payload)
	return Chunk{Type: eventType, Data: b}
}

// Encode renders a Chunk in wire form.
func (c Chunk) Encode() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", c.Type, c.Data))
}

type blockState int

const (
	blockNone blockState = iota
	blockText
	blockThinking
	blockToolUse
)

type pendingTool struct {
	id       string
	name     string
	input    strings.Builder
	blockIdx int
}

// Translator holds per-request state while converting upstream events into
// the outbound Claude SSE sequence.
type Translator struct {
	messageID    string
	nextIndex    int
	state        blockState
	activeIdx    int
	lastContent  string
	inputTokens  int
	tools        map[string]*pendingTool
	toolOrder    []string
	completedIDs map[string]bool
	codeRefSent  bool
	thinkingTag  tagSplitter
}

// New creates a Translator for one request. inputTokens is the pre-computed
// token estimate for the outbound message_start event.
func New(inputTokens int) *Translator {
	return &Translator{
		messageID:    "msg_" + uuid.NewString(),
		state:        blockNone,
		activeIdx:    -1,
		inputTokens:  inputTokens,
		tools:        make(map[string]*pendingTool),
		completedIDs: make(map[string]bool),
	}
}

// Start emits the initial message_start chunk.
func (t *Translator) Start() Chunk {
	return sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         "",
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": t.inputTokens, "output_tokens": 0},
		},
	})
}

// Feed processes one upstream internal event and returns zero or more
// outbound chunks, in emission order.
func (t *Translator) Feed(ev eventstream.Event) []Chunk {
	switch ev.Kind {
	case eventstream.EventContent:
		return t.feedContent(ev.Text)
	case eventstream.EventThinking:
		return t.feedThinking(ev.Text)
	case eventstream.EventToolUse:
		t.tools[ev.ToolUseID] = &pendingTool{id: ev.ToolUseID, name: ev.ToolName}
		t.toolOrder = append(t.toolOrder, ev.ToolUseID)
		if ev.ToolInput != "" {
			t.tools[ev.ToolUseID].input.WriteString(ev.ToolInput)
		}
		return nil
	case eventstream.EventToolUseInput:
		if p, ok := t.tools[ev.ToolUseID]; ok {
			p.input.WriteString(ev.ToolInput)
		}
		return nil
	case eventstream.EventToolUseStop:
		return t.emitToolUse(ev.ToolUseID)
	case eventstream.EventCodeReference:
		return t.feedCodeReference(ev.CodeReferences)
	default:
		return nil
	}
}

func (t *Translator) closeActive() []Chunk {
	if t.state == blockNone {
		return nil
	}
	idx := t.activeIdx
	t.state = blockNone
	t.activeIdx = -1
	return []Chunk{sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})}
}

func (t *Translator) feedContent(text string) []Chunk {
	if text == "" || text == t.lastContent {
		return nil
	}
	t.lastContent = text

	var out []Chunk
	pieces := t.thinkingTag.Feed(text)
	for _, p := range pieces {
		switch {
		case p.closesThinking:
			out = append(out, t.closeActive()...)
		case p.thinking:
			out = append(out, t.openBlock(blockThinking)...)
			out = append(out, sseEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": t.activeIdx,
				"delta": map[string]any{"type": "thinking_delta", "thinking": p.text},
			}))
		case p.text != "":
			out = append(out, t.openBlock(blockText)...)
			out = append(out, sseEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": t.activeIdx,
				"delta": map[string]any{"type": "text_delta", "text": p.text},
			}))
		}
	}
	return out
}

func (t *Translator) feedThinking(text string) []Chunk {
	if text == "" {
		return nil
	}
	out := t.openBlock(blockThinking)
	out = append(out, sseEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": t.activeIdx,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text},
	}))
	return out
}

func (t *Translator) openBlock(kind blockState) []Chunk {
	if t.state == kind {
		return nil
	}
	var out []Chunk
	out = append(out, t.closeActive()...)
	idx := t.nextIndex
	t.nextIndex++
	t.activeIdx = idx
	t.state = kind

	blockType := "text"
	if kind == blockThinking {
		blockType = "thinking"
	}
	out = append(out, sseEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{"type": blockType},
	}))
	return out
}

func (t *Translator) emitToolUse(id string) []Chunk {
	p, ok := t.tools[id]
	if !ok || t.completedIDs[id] {
		return nil
	}
	t.completedIDs[id] = true

	var input map[string]any
	raw := p.input.String()
	if raw == "" {
		input = map[string]any{}
	} else if err := json.Unmarshal([]byte(raw), &input); err != nil {
		input = map[string]any{"_raw": raw}
	}
	input = convstate.RenameReverse(p.name, input)

	var out []Chunk
	out = append(out, t.closeActive()...)
	idx := t.nextIndex
	t.nextIndex++
	t.state = blockToolUse
	t.activeIdx = idx

	out = append(out, sseEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{"type": "tool_use", "id": p.id, "name": p.name, "input": map[string]any{}},
	}))
	inputJSON, _ := json.Marshal(input)
	out = append(out, sseEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": idx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(inputJSON)},
	}))
	out = append(out, t.closeActive()...)
	return out
}

func (t *Translator) feedCodeReference(refs []eventstream.CodeReference) []Chunk {
	if t.codeRefSent || len(refs) == 0 {
		return nil
	}
	t.codeRefSent = true
	b, _ := json.Marshal(refs)
	return []Chunk{sseEvent("code_references", map[string]any{"type": "code_references", "references": json.RawMessage(b)})}
}

// Finish emits the terminal sequence: any still-open block close, the
// message_delta with stop_reason/usage, then message_stop.
func (t *Translator) Finish(outputTokens int) []Chunk {
	var out []Chunk
	out = append(out, t.closeActive()...)

	stopReason := "end_turn"
	if len(t.completedIDs) > 0 {
		stopReason = "tool_use"
	}
	out = append(out, sseEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": outputTokens},
	}))
	out = append(out, sseEvent("message_stop", map[string]any{"type": "message_stop"}))
	return out
}

// Error builds the in-band error chunk emitted when a stream fails after
// message_start has already been written.
func Error(errType, message string) Chunk {
	return sseEvent("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	})
}

// EstimateTokens approximates a token count from raw text using a
// character-count heuristic (len/4); no tokenizer dependency is introduced.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
