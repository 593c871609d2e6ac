package ssetranslate

import (
	"testing"

	"github.com/kiro-gateway/kirogate/internal/eventstream"
)

func TestTranslatorTextOnlySequence(t *testing.T) {
	tr := New(10)
	var chunks []Chunk
	chunks = append(chunks, tr.Start())
	chunks = append(chunks, tr.Feed(eventstream.Event{Kind: eventstream.EventContent, Text: "Hello"})...)
	chunks = append(chunks, tr.Feed(eventstream.Event{Kind: eventstream.EventContent, Text: "Hello world"})...)
	chunks = append(chunks, tr.Finish(5)...)

	if chunks[0].Type != "message_start" {
		t.Fatalf("first chunk = %s, want message_start", chunks[0].Type)
	}
	last := chunks[len(chunks)-1]
	if last.Type != "message_stop" {
		t.Fatalf("last chunk = %s, want message_stop", last.Type)
	}

	starts, stops := 0, 0
	for _, c := range chunks {
		if c.Type == "content_block_start" {
			starts++
		}
		if c.Type == "content_block_stop" {
			stops++
		}
	}
	if starts != stops {
		t.Fatalf("unbalanced blocks: %d starts, %d stops", starts, stops)
	}
}

func TestTranslatorToolUseStopReason(t *testing.T) {
	tr := New(10)
	tr.Start()
	tr.Feed(eventstream.Event{Kind: eventstream.EventToolUse, ToolUseID: "t1", ToolName: "bash"})
	tr.Feed(eventstream.Event{Kind: eventstream.EventToolUseInput, ToolUseID: "t1", ToolInput: `{"cmd":"ls"}`})
	tr.Feed(eventstream.Event{Kind: eventstream.EventToolUseStop, ToolUseID: "t1", ToolStopped: true})
	chunks := tr.Finish(5)

	found := false
	for _, c := range chunks {
		if c.Type == "message_delta" {
			found = true
			if !contains(string(c.Data), `"stop_reason":"tool_use"`) {
				t.Fatalf("expected tool_use stop reason, got %s", c.Data)
			}
		}
	}
	if !found {
		t.Fatalf("no message_delta chunk emitted")
	}
}

func TestThinkingTagSplitter(t *testing.T) {
	var s tagSplitter
	pieces := s.Feed("A<thinking>B</thinking>C")

	var gotText, gotThinking string
	for _, p := range pieces {
		if p.thinking {
			gotThinking += p.text
		} else if !p.closesThinking {
			gotText += p.text
		}
	}
	if gotThinking != "B" {
		t.Fatalf("thinking text = %q, want B", gotThinking)
	}
	if gotText != "AC" {
		t.Fatalf("text = %q, want AC", gotText)
	}
}

func TestThinkingTagSplitterAcrossChunks(t *testing.T) {
	var s tagSplitter
	var gotThinking string
	for _, chunk := range []string{"A<thin", "king>B</th", "inking>C"} {
		for _, p := range s.Feed(chunk) {
			if p.thinking {
				gotThinking += p.text
			}
		}
	}
	if gotThinking != "B" {
		t.Fatalf("thinking text across chunk boundaries = %q, want B", gotThinking)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
