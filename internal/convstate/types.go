// Package convstate translates a Claude Messages API request body into the
// upstream CodeWhisperer conversationState document.
package convstate

// ToolSpec is the upstream shape attached to currentMessage.userInputMessageContext.tools.
type ToolSpec struct {
	ToolSpecification struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema struct {
			JSON map[string]any `json:"json"`
		} `json:"inputSchema"`
	} `json:"toolSpecification"`
}

// ToolUse is the upstream shape inside assistantResponseMessage.toolUses.
type ToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// ToolResultContent is one text entry of a toolResults[].content array.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ToolResult is the upstream shape inside userInputMessageContext.toolResults.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status"`
	Content   []ToolResultContent `json:"content"`
}

// ImageSource carries base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Image is the upstream shape inside userInputMessage.images.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// UserInputMessageContext carries tools and tool results attached to a turn.
type UserInputMessageContext struct {
	Tools       []ToolSpec   `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// UserInputMessage is one history/current user turn.
type UserInputMessage struct {
	Content    string                   `json:"content"`
	Images     []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// AssistantResponseMessage is one history assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// HistoryEntry is a discriminated union: exactly one of the two fields is set.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CurrentMessage wraps the final turn sent upstream.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// ConversationState is the full upstream request body.
type ConversationState struct {
	ChatTriggerType        string         `json:"chatTriggerType"`
	ConversationID         string         `json:"conversationId"`
	AgentContinuationID    string         `json:"agentContinuationId,omitempty"`
	AgentTaskType          string         `json:"agentTaskType,omitempty"`
	History                []HistoryEntry `json:"history,omitempty"`
	CurrentMessage         CurrentMessage `json:"currentMessage"`
}

const (
	toolDescriptionMaxLen = 4000
	toolResultMaxBytes    = 64 * 1024
	maxTools              = 25
)

const thinkingInstruction = "You should use your thinking budget to reason step by step before answering. Wrap your reasoning in <thinking></thinking> tags."

var builtinToolAllowList = map[string]bool{
	"web_search":                   true,
	"bash":                         true,
	"code_execution":               true,
	"computer":                     true,
	"str_replace_editor":           true,
	"str_replace_based_edit_tool":  true,
}

// toolRemovalList names additional tools stripped regardless of the
// built-in allow-list (e.g. client-local tools upstream cannot execute).
var toolRemovalList = map[string]bool{}

// forwardParamRename maps {toolName: {clientParam: upstreamParam}} renames
// applied when building an outbound tool-use/tool-schema entry.
var forwardParamRename = map[string]map[string]string{}

// reverseParamRename is the inverse of forwardParamRename, applied by the
// stream translator (C3) when reconstructing a client-shaped tool_use block.
var reverseParamRename = map[string]map[string]string{}
