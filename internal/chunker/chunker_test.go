package chunker

import (
	"strings"
	"testing"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	t.Parallel()
	c := New(DefaultWindow, DefaultOverlap)

	chunks := c.Split("hello world")
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "hello world" {
		t.Errorf("want %q, got %q", "hello world", chunks[0])
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	t.Parallel()
	c := New(DefaultWindow, DefaultOverlap)

	if got := c.Split("   \n\n  "); got != nil {
		t.Errorf("want nil for whitespace input, got %v", got)
	}
}

func TestSplit_ParagraphBoundaries(t *testing.T) {
	t.Parallel()
	c := New(100, 10)

	para := strings.Repeat("word ", 15) // 75 chars, fits alone but not doubled
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	chunks := c.Split(text)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks (one per paragraph), got %d: %v", len(chunks), chunks)
	}
	for i, ch := range chunks {
		if len(ch) > 100 {
			t.Errorf("chunk %d exceeds window: %d chars", i, len(ch))
		}
	}
}

func TestSplit_SentenceFallback(t *testing.T) {
	t.Parallel()
	c := New(60, 5)

	// One paragraph of sentences, each well under the window but together over it.
	text := "First sentence here. Second sentence here. Third sentence here. Fourth sentence here."

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > 60 {
			t.Errorf("chunk %d exceeds window: %d chars (%q)", i, len(ch), ch)
		}
	}
	// No text lost: every sentence appears in some chunk.
	joined := strings.Join(chunks, " ")
	for _, s := range []string{"First", "Second", "Third", "Fourth"} {
		if !strings.Contains(joined, s) {
			t.Errorf("sentence %q missing from output", s)
		}
	}
}

func TestSplit_HardCutWithOverlap(t *testing.T) {
	t.Parallel()
	c := New(50, 10)

	// A single "sentence" with no terminators, longer than the window.
	text := strings.Repeat("abcdefghij", 20) // 200 chars, no spaces

	chunks := c.Split(text)
	if len(chunks) < 4 {
		t.Fatalf("want >=4 chunks for 200 chars at window 50 step 40, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > 50 {
			t.Errorf("chunk %d exceeds window: %d chars", i, len(ch))
		}
	}
	// Adjacent hard-cut chunks share the overlap region.
	tail := chunks[0][len(chunks[0])-10:]
	if !strings.HasPrefix(chunks[1], tail) {
		t.Errorf("chunk 1 does not start with chunk 0's overlap tail %q", tail)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()
	c := New(120, 20)

	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)

	first := c.Split(text)
	second := c.Split(text)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestNew_ClampsOverlap(t *testing.T) {
	t.Parallel()

	c := New(100, 150)
	if c.overlap >= c.window {
		t.Errorf("overlap %d not clamped below window %d", c.overlap, c.window)
	}
}
