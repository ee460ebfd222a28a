// Package history repairs conversation transcripts before they are sent to
// the model. The API requires strict user/assistant alternation, a user
// message first, and every tool_use answered by a tool_result in the next
// user message; persisted histories from crashed or interrupted sessions
// violate all of these. Normalize applies a fixed pipeline of repair stages
// and never fails: input beyond repair degrades to an empty history.
package history

import (
	"log/slog"
	"reflect"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// Normalize repairs a transcript. The result always satisfies: first message
// is a user message, last is an assistant message, roles strictly alternate,
// and tool_use/tool_result pairing holds across adjacent messages. Gaps are
// filled with placeholder messages. Normalize is idempotent: applying it to
// its own output changes nothing. logger may be nil.
func Normalize(msgs []models.Message, logger *slog.Logger) []models.Message {
	if logger == nil {
		logger = slog.Default()
	}
	if len(msgs) == 0 {
		return nil
	}

	out := clean(msgs)
	out = collapseRepeats(out)
	out = enforceAlternation(out)
	out = removeSandwiches(out)
	out = collapseRuns(out)
	out = collapsePlaceholderRuns(out)
	out = bookend(out)
	out = repairToolPairing(out)
	return verify(out, logger)
}

// clean drops empty text blocks, dedupes identical text bodies within a
// message keeping the first, and drops messages left without content.
func clean(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		seen := make(map[string]bool)
		blocks := make([]models.ContentBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			if b.Kind == models.BlockText {
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
				if seen[b.Text] {
					continue
				}
				seen[b.Text] = true
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			continue
		}
		m.Blocks = blocks
		out = append(out, m)
	}
	return out
}

// collapseRepeats resolves the duplicated-message artifact: a message, a
// persisted placeholder, and the same message again. The placeholder and the
// older copy are dropped. Placeholders inserted by this run carry the
// Synthetic flag and are exempt, which keeps the pipeline idempotent.
func collapseRepeats(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	i := 0
	for i < len(msgs) {
		if i+2 < len(msgs) &&
			msgs[i+1].IsPlaceholder() && !msgs[i+1].Synthetic &&
			msgs[i].Role == msgs[i+2].Role &&
			sameContent(msgs[i], msgs[i+2]) {
			// Keep the newer copy; it becomes the head of the next window.
			i += 2
			continue
		}
		out = append(out, msgs[i])
		i++
	}
	return out
}

// enforceAlternation inserts placeholders between same-role neighbors. Two
// consecutive assistant messages where the first ends in a tool_use get a
// tool_result placeholder so pairing holds; every other gap gets a plain text
// placeholder of the opposite role.
func enforceAlternation(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]models.Message, 0, len(msgs))
	out = append(out, msgs[0])
	for _, m := range msgs[1:] {
		prev := out[len(out)-1]
		if m.Role == prev.Role {
			out = append(out, fillerAfter(prev))
		}
		out = append(out, m)
	}
	return out
}

// fillerAfter returns the placeholder that restores alternation after the
// given message.
func fillerAfter(prev models.Message) models.Message {
	if prev.Role == models.RoleAssistant {
		if tu, ok := prev.LastToolUse(); ok {
			return toolResultPlaceholder(prev, tu.ToolUseID)
		}
		return models.UserPlaceholder()
	}
	return models.AssistantPlaceholder()
}

// toolResultPlaceholder answers every tool_use of the assistant message, not
// just the last one, so pairing holds for parallel tool calls.
func toolResultPlaceholder(assistant models.Message, lastID string) models.Message {
	ids := assistant.ToolUseIDs()
	if len(ids) <= 1 {
		return models.UserToolResultPlaceholder(lastID)
	}
	m := models.Message{
		Role:      models.RoleUser,
		Synthetic: true,
		Blocks:    []models.ContentBlock{models.TextBlock(models.PlaceholderUserToolResult)},
	}
	for _, id := range ids {
		m.Blocks = append(m.Blocks, models.ToolResultBlock(id, models.PlaceholderUserToolResult, false))
	}
	return m
}

// removeSandwiches deletes a real message wedged between two persisted
// placeholders: the surrounding artifacts mean the middle message belongs to
// an aborted exchange. Synthetic placeholders never form sandwiches.
func removeSandwiches(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	i := 0
	for i < len(msgs) {
		if i+2 < len(msgs) &&
			msgs[i].IsPlaceholder() && !msgs[i].Synthetic &&
			!msgs[i+1].IsPlaceholder() &&
			msgs[i+2].IsPlaceholder() && !msgs[i+2].Synthetic {
			i += 3
			continue
		}
		out = append(out, msgs[i])
		i++
	}
	return out
}

// collapseRuns reduces each run of same-role messages to its last member.
func collapseRuns(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1] = m
			continue
		}
		out = append(out, m)
	}
	return out
}

// collapsePlaceholderRuns removes runs of adjacent persisted placeholders,
// keeping the first, then re-collapses any same-role run the removal exposed.
// Placeholders inserted by this pass never count toward a run.
func collapsePlaceholderRuns(msgs []models.Message) []models.Message {
	for {
		changed := false
		out := make([]models.Message, 0, len(msgs))
		for _, m := range msgs {
			if len(out) > 0 &&
				out[len(out)-1].IsPlaceholder() && !out[len(out)-1].Synthetic &&
				m.IsPlaceholder() && !m.Synthetic {
				changed = true
				continue
			}
			out = append(out, m)
		}
		if !changed {
			return out
		}
		msgs = collapseRuns(out)
	}
}

// bookend pins the transcript boundaries: a user message first, an assistant
// message last, and a tool_result answer when the transcript ends on an
// assistant tool_use.
func bookend(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	if msgs[0].Role != models.RoleUser {
		msgs = append([]models.Message{models.UserPlaceholder()}, msgs...)
	}
	last := msgs[len(msgs)-1]
	if last.Role == models.RoleAssistant {
		if tu, ok := last.LastToolUse(); ok {
			msgs = append(msgs, toolResultPlaceholder(last, tu.ToolUseID))
		}
	}
	if msgs[len(msgs)-1].Role == models.RoleUser {
		msgs = append(msgs, models.AssistantPlaceholder())
	}
	return msgs
}

// repairToolPairing makes tool pairing hold across adjacent messages: every
// assistant tool_use is answered in the following user message, and user
// tool_results without a matching tool_use in the preceding assistant message
// are dropped.
func repairToolPairing(msgs []models.Message) []models.Message {
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case models.RoleAssistant:
			ids := m.ToolUseIDs()
			if len(ids) == 0 || i+1 >= len(msgs) || msgs[i+1].Role != models.RoleUser {
				continue
			}
			answered := make(map[string]bool)
			for _, id := range msgs[i+1].ToolResultIDs() {
				answered[id] = true
			}
			for _, id := range ids {
				if !answered[id] {
					msgs[i+1].Blocks = append(msgs[i+1].Blocks,
						models.ToolResultBlock(id, models.PlaceholderUserToolResult, false))
				}
			}
		case models.RoleUser:
			if len(m.ToolResultIDs()) == 0 {
				continue
			}
			known := make(map[string]bool)
			if i > 0 && msgs[i-1].Role == models.RoleAssistant {
				for _, id := range msgs[i-1].ToolUseIDs() {
					known[id] = true
				}
			}
			blocks := m.Blocks[:0]
			for _, b := range m.Blocks {
				if b.Kind == models.BlockToolResult && !known[b.ToolUseID] {
					continue
				}
				blocks = append(blocks, b)
			}
			if len(blocks) == 0 {
				ph := models.UserPlaceholder()
				m.Blocks = ph.Blocks
				m.Synthetic = true
				continue
			}
			m.Blocks = blocks
		}
	}
	return msgs
}

// verify checks the final shape and, when it does not hold, salvages the
// longest alternating subsequence starting at the first user message. A
// transcript with nothing to salvage becomes empty.
func verify(msgs []models.Message, logger *slog.Logger) []models.Message {
	if wellFormed(msgs) {
		return msgs
	}
	logger.Warn("history failed verification, salvaging alternating subsequence",
		"messages", len(msgs))

	start := -1
	for i, m := range msgs {
		if m.Role == models.RoleUser {
			start = i
			break
		}
	}
	if start < 0 {
		logger.Warn("history beyond repair, discarding", "messages", len(msgs))
		return nil
	}

	out := make([]models.Message, 0, len(msgs)-start)
	expect := models.RoleUser
	for _, m := range msgs[start:] {
		if m.Role != expect {
			continue
		}
		out = append(out, m)
		if expect == models.RoleUser {
			expect = models.RoleAssistant
		} else {
			expect = models.RoleUser
		}
	}
	if len(out) > 0 && out[len(out)-1].Role == models.RoleUser {
		out = append(out, models.AssistantPlaceholder())
	}
	return out
}

// wellFormed reports whether the transcript already satisfies the output
// contract.
func wellFormed(msgs []models.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	if msgs[0].Role != models.RoleUser || msgs[len(msgs)-1].Role != models.RoleAssistant {
		return false
	}
	for i, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return false
		}
		if i > 0 && m.Role == msgs[i-1].Role {
			return false
		}
	}
	return true
}

// sameContent reports whether two messages carry identical blocks.
func sameContent(a, b models.Message) bool {
	return reflect.DeepEqual(a.Blocks, b.Blocks)
}
