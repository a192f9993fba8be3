package tern

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// maxToolResultLen is the hard ceiling on tool_result content. It wins
	// over any configured cap.
	maxToolResultLen = 100_000
	// minToolResultKeep is the floor below which truncation never cuts.
	minToolResultKeep = 1_000
	// truncMarkerReserve is headroom subtracted from the cap so content plus
	// marker stays near the cap.
	truncMarkerReserve = 100
)

var truncMarkerRe = regexp.MustCompile(`\n\n\[truncated: showing \d+ of \d+ chars\]$`)

// ContextPolicy bounds what PrepareContext sends upstream.
type ContextPolicy struct {
	// MaxTurns is the number of most-recent user turns to keep. Zero or
	// negative disables windowing.
	MaxTurns int
	// ToolResultCap is the per-block rune cap on tool_result content. The
	// hard ceiling applies regardless; zero or negative means the ceiling
	// alone applies.
	ToolResultCap int
}

// PrepareContext derives the bounded message list for one upstream call.
// It never mutates its input; any block it rewrites is a copy. The three
// stages run in a fixed order: turn windowing, then tool_result truncation,
// then orphaned tool_result cleanup. Applying it twice with the same policy
// yields the same result as applying it once.
func PrepareContext(messages []Message, policy ContextPolicy) []Message {
	out := windowTurns(messages, policy.MaxTurns)
	out = truncateToolResults(out, policy.ToolResultCap)
	return dropOrphanResults(out)
}

// windowTurns keeps the suffix containing at most maxTurns user messages.
// Counting walks backward; the user message that exceeds the limit is
// dropped along with everything before it, so the assistant reply that
// followed it survives.
func windowTurns(messages []Message, maxTurns int) []Message {
	if maxTurns <= 0 {
		return messages
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		seen++
		if seen > maxTurns {
			return messages[i+1:]
		}
	}
	return messages
}

func truncateToolResults(messages []Message, configured int) []Message {
	limit := maxToolResultLen
	if configured > 0 && configured < limit {
		limit = configured
	}
	out := messages
	copied := false
	for i, msg := range messages {
		var rewritten []ContentBlock
		for j, blk := range msg.Blocks {
			if blk.Type != BlockToolResult {
				continue
			}
			cut, ok := truncateResult(blk.Content, limit)
			if !ok {
				continue
			}
			if rewritten == nil {
				rewritten = append([]ContentBlock(nil), msg.Blocks...)
			}
			rewritten[j].Content = cut
		}
		if rewritten != nil {
			if !copied {
				out = append([]Message(nil), messages...)
				copied = true
			}
			out[i].Blocks = rewritten
		}
	}
	return out
}

// truncateResult cuts content down to roughly limit runes and appends a
// marker citing how much of the original survives. The floor wins over the
// limit. Content carrying a marker from an earlier pass is left alone, and a
// cut that would not shrink the content is skipped; together these make
// repeated preparation a no-op.
func truncateResult(content string, limit int) (string, bool) {
	runes := []rune(content)
	total := len(runes)
	if total <= limit {
		return "", false
	}
	if truncMarkerRe.MatchString(content) {
		return "", false
	}
	keep := limit - truncMarkerReserve
	if keep < minToolResultKeep {
		keep = minToolResultKeep
	}
	if keep >= total {
		return "", false
	}
	// Prefer a line boundary in the tail fifth of the kept range.
	cut := keep
	floor := keep * 8 / 10
	if idx := lastNewline(runes[:keep], floor); idx >= 0 {
		cut = idx
	}
	marker := fmt.Sprintf("\n\n[truncated: showing %d of %d chars]", cut, total)
	if cut+len(marker) >= total {
		return "", false
	}
	var b strings.Builder
	b.Grow(cut + len(marker))
	b.WriteString(string(runes[:cut]))
	b.WriteString(marker)
	return b.String(), true
}

// lastNewline returns the index of the last '\n' in runes at or after floor,
// or -1.
func lastNewline(runes []rune, floor int) int {
	if floor < 0 {
		floor = 0
	}
	for i := len(runes) - 1; i >= floor; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// dropOrphanResults removes tool_result blocks whose tool_use no longer
// exists in the surviving assistant messages, then removes messages the
// filtering emptied.
func dropOrphanResults(messages []Message) []Message {
	known := make(map[string]struct{})
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, blk := range msg.Blocks {
			if blk.Type == BlockToolUse {
				known[blk.ID] = struct{}{}
			}
		}
	}

	changed := false
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		kept := msg.Blocks
		if hasOrphan(msg, known) {
			kept = make([]ContentBlock, 0, len(msg.Blocks))
			for _, blk := range msg.Blocks {
				if blk.Type == BlockToolResult {
					if _, ok := known[blk.ToolUseID]; !ok {
						continue
					}
				}
				kept = append(kept, blk)
			}
			changed = true
		}
		if len(kept) == 0 && len(msg.Blocks) > 0 {
			continue
		}
		out = append(out, Message{Role: msg.Role, Blocks: kept})
	}
	if !changed {
		return messages
	}
	return out
}

func hasOrphan(msg Message, known map[string]struct{}) bool {
	for _, blk := range msg.Blocks {
		if blk.Type != BlockToolResult {
			continue
		}
		if _, ok := known[blk.ToolUseID]; !ok {
			return true
		}
	}
	return false
}
