package ssetranslate

import "strings"

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// piece is one slice of a content delta after thinking-tag extraction.
type piece struct {
	text           string
	thinking       bool
	closesThinking bool // true on the empty-text marker piece emitted for each close tag
}

// tagSplitter incrementally splits a stream of text deltas around
// <thinking>...</thinking> spans, holding back a suffix that might be the
// prefix of a tag split across two chunks (the same cross-chunk boundary
// problem the pack's own Kiro-streaming fork solves with a pending-suffix
// buffer).
type tagSplitter struct {
	inside  bool
	pending string
}

// Feed appends text and returns the pieces that are now safe to emit. Any
// suffix that could still be the start of an open/close tag is held back
// for the next call.
func (s *tagSplitter) Feed(text string) []piece {
	s.pending += text
	var out []piece

	for {
		if !s.inside {
			idx := strings.Index(s.pending, openTag)
			if idx == -1 {
				safe, hold := splitSafeSuffix(s.pending, openTag)
				if safe != "" {
					out = append(out, piece{text: safe})
				}
				s.pending = hold
				return out
			}
			if idx > 0 {
				out = append(out, piece{text: s.pending[:idx]})
			}
			s.pending = s.pending[idx+len(openTag):]
			s.inside = true
			continue
		}

		idx := strings.Index(s.pending, closeTag)
		if idx == -1 {
			safe, hold := splitSafeSuffix(s.pending, closeTag)
			if safe != "" {
				out = append(out, piece{text: safe, thinking: true})
			}
			s.pending = hold
			return out
		}
		if idx > 0 {
			out = append(out, piece{text: s.pending[:idx], thinking: true})
		}
		s.pending = s.pending[idx+len(closeTag):]
		s.inside = false
		out = append(out, piece{text: "", closesThinking: true})
	}
}

// splitSafeSuffix returns the prefix of s that cannot possibly be the start
// of tag, and the remaining suffix that must be held for more input.
func splitSafeSuffix(s, tag string) (safe, hold string) {
	maxHold := len(tag) - 1
	if maxHold > len(s) {
		maxHold = len(s)
	}
	for n := maxHold; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[:len(s)-n], s[len(s)-n:]
		}
	}
	return s, ""
}
