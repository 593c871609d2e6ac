package convstate

// sanitizeMessages merges adjacent same-role messages and drops a trailing
// assistant artifact message whose only content is the literal "{".
func sanitizeMessages(in []rawMessage) []rawMessage {
	in = dropTrailingArtifact(in)

	var out []rawMessage
	for _, m := range in {
		if len(m.Content) == 0 {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func dropTrailingArtifact(in []rawMessage) []rawMessage {
	if len(in) == 0 {
		return in
	}
	last := in[len(in)-1]
	if last.Role != "assistant" || len(last.Content) != 1 {
		return in
	}
	if last.Content[0].Type == "text" && last.Content[0].Text == "{" {
		return in[:len(in)-1]
	}
	return in
}

// toolUseNameByID indexes every assistant tool_use block by id, across the
// full message list, so later passes can resolve a tool_result's owning
// tool name without re-scanning.
func toolUseNameByID(messages []rawMessage) map[string]string {
	idx := make(map[string]string)
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, b := range m.Content {
			if b.Type == "tool_use" {
				idx[b.ToolUseID] = b.ToolName
			}
		}
	}
	return idx
}
