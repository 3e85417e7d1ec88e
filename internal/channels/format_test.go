package channels

import (
	"strings"
	"testing"
)

func TestChunkMessage_BreaksOnParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 20) + "\n\n" + strings.Repeat("b", 20)
	chunks := ChunkMessage(text, 25)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0], strings.Repeat("a", 20)) {
		t.Fatalf("first chunk should contain the 'a' paragraph, got %q", chunks[0])
	}
}

func TestChunkMessage_NeverSplitsFencedCodeBlock(t *testing.T) {
	fence := "```go\n" + strings.Repeat("x = 1\n", 10) + "```"
	text := "intro text here\n" + fence + "\nmore text after"
	chunks := ChunkMessage(text, 30)

	var sawWholeFence bool
	for _, c := range chunks {
		if strings.Contains(c, "```go") {
			if !strings.Contains(c, "```\n") && !strings.HasSuffix(strings.TrimRight(c, "\n"), "```") {
				t.Fatalf("fence opened in chunk %q was not also closed in it", c)
			}
			sawWholeFence = true
		}
	}
	if !sawWholeFence {
		t.Fatalf("expected the fenced block to appear intact in some chunk")
	}
}

func TestChunkMessage_ShortTextUnchanged(t *testing.T) {
	chunks := ChunkMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("expected single unchanged chunk, got %+v", chunks)
	}
}
