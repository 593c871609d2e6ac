package convstate

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// BuildOptions carries the caller-supplied overrides the orchestrator (C8)
// resolves from configuration before invoking the builder.
type BuildOptions struct {
	SystemOverride     string
	SystemOverrideMode string // "overwrite" | "append" | "" (no override)
	ThinkingDefault    bool   // used when the request carries no thinking field
}

// BuildResult is the builder's output.
type BuildResult struct {
	ConversationState []byte
	Model             string
	Stream            bool
	ThinkingEnabled   bool
	ConversationID    string
}

// Build translates a raw Claude Messages API request body into the upstream
// conversationState document.
func Build(raw []byte, opts BuildOptions) (BuildResult, error) {
	parsed := parseRequest(raw)

	system := parsed.System
	if opts.SystemOverrideMode == "overwrite" && opts.SystemOverride != "" {
		system = opts.SystemOverride
	} else if opts.SystemOverrideMode == "append" && opts.SystemOverride != "" {
		if system != "" {
			system = system + "\n\n" + opts.SystemOverride
		} else {
			system = opts.SystemOverride
		}
	}

	thinkingEnabled := parsed.ThinkingEnabled
	if !parsed.ThinkingEnabled && opts.ThinkingDefault {
		thinkingEnabled = true
	}
	if thinkingEnabled {
		if system != "" {
			system = thinkingInstruction + "\n\n" + system
		} else {
			system = thinkingInstruction
		}
	}

	messages := sanitizeMessages(parsed.Messages)
	toolNameByID := toolUseNameByID(messages)
	tools := buildTools(parsed.Tools)
	var declaredToolNames []string
	for _, t := range parsed.Tools {
		if n := t.Get("name").String(); n != "" {
			declaredToolNames = append(declaredToolNames, n)
		}
	}
	removedTools := removedToolNames(declaredToolNames, tools)

	state := ConversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.NewString(),
	}

	if len(messages) == 0 {
		messages = []rawMessage{{Role: "user", Content: []contentBlock{{Type: "text", Text: "Continue"}}}}
	}

	last := messages[len(messages)-1]
	historySrc := messages[:len(messages)-1]

	var current UserInputMessage
	if last.Role == "assistant" {
		historySrc = messages
		current = UserInputMessage{Content: "Continue"}
	} else {
		current = buildUserInputMessage(last, toolNameByID, removedTools)
	}

	history := buildHistory(historySrc, toolNameByID, removedTools)

	if system != "" {
		if len(history) > 0 && history[0].UserInputMessage != nil {
			history[0].UserInputMessage.Content = system + "\n\n" + history[0].UserInputMessage.Content
		} else {
			systemEntry := HistoryEntry{UserInputMessage: &UserInputMessage{Content: system}}
			history = append([]HistoryEntry{systemEntry}, history...)
		}
	}

	if len(tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &UserInputMessageContext{}
		}
		current.UserInputMessageContext.Tools = tools
	}

	history = sanitizeHistoryToolPairing(history, current)

	state.History = history
	state.CurrentMessage = CurrentMessage{UserInputMessage: current}

	body, err := json.Marshal(state)
	if err != nil {
		return BuildResult{}, err
	}

	return BuildResult{
		ConversationState: body,
		Model:             parsed.Model,
		Stream:            parsed.Stream,
		ThinkingEnabled:   thinkingEnabled,
		ConversationID:    state.ConversationID,
	}, nil
}

func removedToolNames(declaredNames []string, kept []ToolSpec) map[string]bool {
	keptSet := make(map[string]bool, len(kept))
	for _, k := range kept {
		keptSet[k.ToolSpecification.Name] = true
	}
	removed := make(map[string]bool)
	for _, n := range declaredNames {
		if !keptSet[n] {
			removed[n] = true
		}
	}
	return removed
}

func buildUserInputMessage(m rawMessage, toolNameByID map[string]string, removedTools map[string]bool) UserInputMessage {
	var results []ToolResult
	seen := make(map[string]bool)
	var images []Image
	for _, b := range m.Content {
		switch b.Type {
		case "tool_result":
			if name := toolNameByID[b.ToolResultForID]; name != "" && removedTools[name] {
				continue
			}
			if seen[b.ToolResultForID] {
				continue
			}
			seen[b.ToolResultForID] = true
			results = append(results, ToolResult{
				ToolUseID: b.ToolResultForID,
				Status:    "success",
				Content:   []ToolResultContent{{Text: truncateToolResult(b.ToolResultText)}},
			})
		case "image":
			images = append(images, buildImage(b))
		}
	}

	text := blockText(m.Content)
	if text == "" {
		if len(results) > 0 {
			text = "Tool results provided."
		} else {
			text = "Continue"
		}
	}

	msg := UserInputMessage{Content: text, Images: images}
	if len(results) > 0 {
		msg.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
	}
	return msg
}

func buildAssistantResponseMessage(m rawMessage, removedTools map[string]bool) AssistantResponseMessage {
	var uses []ToolUse
	for _, b := range m.Content {
		if b.Type != "tool_use" {
			continue
		}
		if removedTools[b.ToolName] {
			continue
		}
		uses = append(uses, ToolUse{
			ToolUseID: b.ToolUseID,
			Name:      b.ToolName,
			Input:     renameForward(b.ToolName, toolInputMap(b.ToolInput)),
		})
	}

	text := blockText(m.Content)
	if text == "" {
		if len(uses) > 0 {
			text = "Calling tools..."
		} else {
			text = "..."
		}
	}
	return AssistantResponseMessage{Content: text, ToolUses: uses}
}

func buildHistory(messages []rawMessage, toolNameByID map[string]string, removedTools map[string]bool) []HistoryEntry {
	var out []HistoryEntry
	for _, m := range messages {
		if m.Role == "assistant" {
			arm := buildAssistantResponseMessage(m, removedTools)
			out = append(out, HistoryEntry{AssistantResponseMessage: &arm})
		} else {
			uim := buildUserInputMessage(m, toolNameByID, removedTools)
			out = append(out, HistoryEntry{UserInputMessage: &uim})
		}
	}
	return out
}

func buildImage(b contentBlock) Image {
	format := resolveImageFormat(b)
	data := b.ImageData
	if data == "" && b.ImageURL != "" {
		if idx := strings.Index(b.ImageURL, ","); idx >= 0 && strings.HasPrefix(b.ImageURL, "data:") {
			data = b.ImageURL[idx+1:]
		}
	}
	return Image{Format: format, Source: ImageSource{Bytes: data}}
}

func resolveImageFormat(b contentBlock) string {
	if b.ImageMediaType != "" {
		parts := strings.SplitN(b.ImageMediaType, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(b.ImageData); err == nil {
		switch {
		case len(raw) >= 8 && raw[0] == 0x89 && raw[1] == 'P':
			return "png"
		case len(raw) >= 3 && raw[0] == 0xFF && raw[1] == 0xD8:
			return "jpeg"
		case len(raw) >= 6 && string(raw[0:3]) == "GIF":
			return "gif"
		}
	}
	return "jpeg"
}

// sanitizeHistoryToolPairing strips toolUses entries that have no matching
// toolResults later in history or in the current message, so upstream never
// sees a dangling tool call.
func sanitizeHistoryToolPairing(history []HistoryEntry, current UserInputMessage) []HistoryEntry {
	haveResult := make(map[string]bool)
	for _, h := range history {
		if h.UserInputMessage != nil && h.UserInputMessage.UserInputMessageContext != nil {
			for _, r := range h.UserInputMessage.UserInputMessageContext.ToolResults {
				haveResult[r.ToolUseID] = true
			}
		}
	}
	if current.UserInputMessageContext != nil {
		for _, r := range current.UserInputMessageContext.ToolResults {
			haveResult[r.ToolUseID] = true
		}
	}

	for i := range history {
		arm := history[i].AssistantResponseMessage
		if arm == nil || len(arm.ToolUses) == 0 {
			continue
		}
		var kept []ToolUse
		for _, u := range arm.ToolUses {
			if haveResult[u.ToolUseID] {
				kept = append(kept, u)
			}
		}
		arm.ToolUses = kept
	}
	return history
}
