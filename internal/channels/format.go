package channels

import "strings"

// ChunkMessage splits text into pieces no longer than maxLen, preferring to
// break on paragraph, then line, then word boundaries, and never splitting
// inside a fenced code block (```...```). A single fenced block longer than
// maxLen is emitted whole rather than corrupted, since a broken fence is
// worse than one oversized message.
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	segments := splitPreservingFences(text)

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, seg := range segments {
		if seg.isFence && len(seg.text) > maxLen {
			flush()
			chunks = append(chunks, seg.text) // emit the oversized fence whole
			continue
		}
		if cur.Len()+len(seg.text) <= maxLen {
			cur.WriteString(seg.text)
			continue
		}
		if seg.isFence {
			flush()
			cur.WriteString(seg.text)
			continue
		}
		// Plain-text segment too big to append as-is: break it internally
		// on paragraph/line/word boundaries.
		for _, piece := range breakPlainText(seg.text, maxLen, maxLen-cur.Len()) {
			if cur.Len()+len(piece) > maxLen {
				flush()
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return chunks
}

type fenceSegment struct {
	text    string
	isFence bool
}

// splitPreservingFences partitions text into alternating fenced/non-fenced
// segments so the chunker can treat a ``` block as atomic.
func splitPreservingFences(text string) []fenceSegment {
	lines := strings.SplitAfter(text, "\n")
	var segments []fenceSegment
	var cur strings.Builder
	inFence := false

	flushPlain := func() {
		if cur.Len() > 0 {
			segments = append(segments, fenceSegment{text: cur.String(), isFence: false})
			cur.Reset()
		}
	}

	var fenceBuf strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
			if !inFence {
				flushPlain()
				inFence = true
				fenceBuf.WriteString(line)
			} else {
				fenceBuf.WriteString(line)
				segments = append(segments, fenceSegment{text: fenceBuf.String(), isFence: true})
				fenceBuf.Reset()
				inFence = false
			}
			continue
		}
		if inFence {
			fenceBuf.WriteString(line)
		} else {
			cur.WriteString(line)
		}
	}
	if inFence {
		// Unterminated fence: treat what remains as a fence segment anyway
		// so it is never split mid-block.
		segments = append(segments, fenceSegment{text: fenceBuf.String(), isFence: true})
	} else {
		flushPlain()
	}
	return segments
}

// breakPlainText splits s into pieces that fit within maxLen, preferring
// paragraph breaks, then line breaks, then word boundaries. firstBudget is
// the remaining room in the chunk currently being built (may be smaller
// than maxLen); subsequent pieces use the full maxLen.
func breakPlainText(s string, maxLen, firstBudget int) []string {
	if firstBudget <= 0 {
		firstBudget = maxLen
	}
	var pieces []string
	budget := firstBudget
	for len(s) > 0 {
		if len(s) <= budget {
			pieces = append(pieces, s)
			break
		}
		cut := bestBreak(s, budget)
		pieces = append(pieces, s[:cut])
		s = s[cut:]
		budget = maxLen
	}
	return pieces
}

// bestBreak finds the split point <= limit, preferring (in order) a
// paragraph break "\n\n", a line break "\n", a space, falling back to a
// hard cut at limit if none exist.
func bestBreak(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	window := s[:limit]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx + 1
	}
	return limit
}
