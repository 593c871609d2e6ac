package convstate

import (
	"encoding/json"
	"testing"
)

func TestBuildBasicTurn(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"stream": true,
		"system": "Be concise.",
		"messages": [
			{"role":"user","content":"Hello"},
			{"role":"assistant","content":"Hi there"},
			{"role":"user","content":"How are you?"}
		]
	}`)

	res, err := Build(raw, BuildOptions{})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if !res.Stream {
		t.Fatalf("expected stream=true")
	}

	var cs ConversationState
	if err := json.Unmarshal(res.ConversationState, &cs); err != nil {
		t.Fatalf("unmarshal conversationState: %v", err)
	}
	if cs.CurrentMessage.UserInputMessage.Content != "How are you?" {
		t.Fatalf("current message content = %q", cs.CurrentMessage.UserInputMessage.Content)
	}
	if len(cs.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(cs.History))
	}
	if cs.History[0].UserInputMessage == nil {
		t.Fatalf("expected first history entry to be a user message")
	}
}

func TestBuildToolResultDedupAndTruncate(t *testing.T) {
	bigText := make([]byte, toolResultMaxBytes+100)
	for i := range bigText {
		bigText[i] = 'x'
	}
	raw := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"messages": [
			{"role":"user","content":"run it"},
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}}]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"t1","content":"` + string(bigText) + `"},
				{"type":"tool_result","tool_use_id":"t1","content":"dup, should be dropped"}
			]}
		]
	}`)

	res, err := Build(raw, BuildOptions{})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	var cs ConversationState
	if err := json.Unmarshal(res.ConversationState, &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ctx := cs.CurrentMessage.UserInputMessage.UserInputMessageContext
	if ctx == nil || len(ctx.ToolResults) != 1 {
		t.Fatalf("expected exactly one deduped tool result, got %+v", ctx)
	}
	if len(ctx.ToolResults[0].Content[0].Text) > toolResultMaxBytes+50 {
		t.Fatalf("tool result text not truncated: len=%d", len(ctx.ToolResults[0].Content[0].Text))
	}
}

func TestBuildDanglingToolUseStripped(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"messages": [
			{"role":"user","content":"run it"},
			{"role":"assistant","content":[{"type":"tool_use","id":"orphan","name":"bash","input":{}}]},
			{"role":"user","content":"continue without a tool_result"}
		]
	}`)
	res, err := Build(raw, BuildOptions{})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	var cs ConversationState
	if err := json.Unmarshal(res.ConversationState, &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, h := range cs.History {
		if h.AssistantResponseMessage != nil && len(h.AssistantResponseMessage.ToolUses) != 0 {
			t.Fatalf("expected dangling tool use to be stripped, got %+v", h.AssistantResponseMessage.ToolUses)
		}
	}
}

func TestBuildToolCap(t *testing.T) {
	toolsJSON := "["
	for i := 0; i < 30; i++ {
		if i > 0 {
			toolsJSON += ","
		}
		toolsJSON += `{"name":"tool` + itoa(i) + `","description":"d","input_schema":{"type":"object"}}`
	}
	toolsJSON += "]"

	raw := []byte(`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}],"tools":` + toolsJSON + `}`)
	res, err := Build(raw, BuildOptions{})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	var cs ConversationState
	if err := json.Unmarshal(res.ConversationState, &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ctx := cs.CurrentMessage.UserInputMessage.UserInputMessageContext
	if ctx == nil || len(ctx.Tools) != maxTools {
		t.Fatalf("expected %d tools, got %+v", maxTools, ctx)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
