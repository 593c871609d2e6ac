package eventstream

import "encoding/json"

// EventKind tags the variant of an Event.
type EventKind int

const (
	EventContent EventKind = iota
	EventThinking
	EventToolUse
	EventToolUseInput
	EventToolUseStop
	EventMetering
	EventFollowup
	EventCodeReference
	EventMetadata
)

// Event is the normalized, upstream-order-preserving internal event that C1
// hands to the stream translator (C3).
type Event struct {
	Kind EventKind

	Text string // EventContent, EventThinking, EventFollowup

	ToolUseID   string // EventToolUse, EventToolUseInput, EventToolUseStop
	ToolName    string // EventToolUse
	ToolInput   string // EventToolUseInput: partial JSON fragment
	ToolStopped bool   // EventToolUseStop

	MeteringUnits float64 // EventMetering

	CodeReferences []CodeReference // EventCodeReference

	ConversationID string // EventMetadata
}

// CodeReference mirrors one entry of an upstream codeReferenceEvent.
type CodeReference struct {
	LicenseName    string `json:"licenseName"`
	RepositoryName string `json:"repository"`
	URL            string `json:"url"`
}

type assistantResponseEvent struct {
	Content string `json:"content"`
}

type toolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

type meteringEvent struct {
	Usage *float64 `json:"usage"`
}

type reasoningContentEvent struct {
	Text          string `json:"text"`
	ReasoningText string `json:"reasoningText"`
}

type followupPromptEvent struct {
	FollowupPrompt struct {
		Content string `json:"content"`
	} `json:"followupPrompt"`
}

type codeReferenceEvent struct {
	References []CodeReference `json:"references"`
}

type messageMetadataEvent struct {
	ConversationID string `json:"conversationId"`
}

// ToEvent maps one decoded frame into zero or one internal Event. A frame
// whose JSON payload does not carry the fields its event type expects is
// skipped (ok=false) rather than failing the whole stream.
func ToEvent(msg Message) (ev Event, ok bool) {
	switch msg.EventType() {
	case "assistantResponseEvent":
		var e assistantResponseEvent
		if json.Unmarshal(msg.Payload, &e) != nil || e.Content == "" {
			return Event{}, false
		}
		return Event{Kind: EventContent, Text: e.Content}, true

	case "toolUseEvent":
		var e toolUseEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			return Event{}, false
		}
		if e.Stop {
			return Event{Kind: EventToolUseStop, ToolUseID: e.ToolUseID, ToolStopped: true}, true
		}
		if e.Name != "" {
			return Event{Kind: EventToolUse, ToolUseID: e.ToolUseID, ToolName: e.Name, ToolInput: e.Input}, true
		}
		return Event{Kind: EventToolUseInput, ToolUseID: e.ToolUseID, ToolInput: e.Input}, true

	case "meteringEvent":
		var e meteringEvent
		if json.Unmarshal(msg.Payload, &e) != nil || e.Usage == nil {
			return Event{}, false
		}
		return Event{Kind: EventMetering, MeteringUnits: *e.Usage}, true

	case "reasoningContentEvent":
		var e reasoningContentEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			return Event{}, false
		}
		text := e.Text
		if text == "" {
			text = e.ReasoningText
		}
		if text == "" {
			return Event{}, false
		}
		return Event{Kind: EventThinking, Text: text}, true

	case "followupPromptEvent":
		var e followupPromptEvent
		if json.Unmarshal(msg.Payload, &e) != nil || e.FollowupPrompt.Content == "" {
			return Event{}, false
		}
		return Event{Kind: EventFollowup, Text: e.FollowupPrompt.Content}, true

	case "codeReferenceEvent":
		var e codeReferenceEvent
		if json.Unmarshal(msg.Payload, &e) != nil || len(e.References) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventCodeReference, CodeReferences: e.References}, true

	case "messageMetadataEvent":
		var e messageMetadataEvent
		if json.Unmarshal(msg.Payload, &e) != nil || e.ConversationID == "" {
			return Event{}, false
		}
		return Event{Kind: EventMetadata, ConversationID: e.ConversationID}, true

	default:
		return Event{}, false
	}
}
