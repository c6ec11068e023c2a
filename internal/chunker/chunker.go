// Package chunker splits raw text into bounded-length fragments for
// embedding. Splitting is deterministic: identical input yields identical
// chunks across processes, which keeps re-ingests idempotent.
package chunker

import (
	"regexp"
	"strings"
)

// DefaultWindow is the target chunk size in characters.
const DefaultWindow = 1600

// DefaultOverlap is the number of characters shared by adjacent hard-cut
// chunks. Chunks packed from whole paragraphs or sentences do not overlap.
const DefaultOverlap = 200

// sentenceRe matches one sentence including its terminator. Text without
// terminators falls through to hard character cuts.
var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+\s*`)

// paragraphRe splits on one or more blank lines.
var paragraphRe = regexp.MustCompile(`\n\s*\n`)

// Chunker splits text into fragments of at most Window characters.
type Chunker struct {
	// window is the maximum fragment length in characters.
	window int
	// overlap is the character overlap between adjacent hard-cut fragments.
	overlap int
}

// New constructs a Chunker. Non-positive window falls back to DefaultWindow;
// an overlap at or above the window is clamped to a tenth of it.
func New(window, overlap int) *Chunker {
	if window <= 0 {
		window = DefaultWindow
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= window {
		overlap = window / 10
	}
	return &Chunker{window: window, overlap: overlap}
}

// Split returns the ordered chunk sequence for text. Paragraphs are packed
// greedily up to the window; an oversized paragraph is split on sentence
// boundaries, and an oversized sentence is hard-cut on character boundaries.
// Whitespace-only input yields no chunks; any other short input yields
// exactly one chunk.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.window {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range paragraphRe.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// Paragraph fits into the current chunk.
		if current.Len()+len(para)+2 <= c.window {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}

		flush()

		if len(para) <= c.window {
			current.WriteString(para)
			continue
		}

		// Oversized paragraph: pack sentences, hard-cut what remains.
		for _, piece := range c.splitOversized(para) {
			if current.Len()+len(piece)+1 <= c.window {
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(piece)
				continue
			}
			flush()
			current.WriteString(piece)
		}
	}
	flush()

	return chunks
}

// splitOversized breaks a paragraph that exceeds the window into pieces no
// longer than the window: first on sentence boundaries, then hard cuts with
// overlap for sentences that are still too long.
func (c *Chunker) splitOversized(para string) []string {
	sentences := sentenceRe.FindAllString(para, -1)
	if joined := strings.Join(sentences, ""); len(joined) < len(para) {
		// Trailing text without a terminator (or none at all).
		sentences = append(sentences, para[len(joined):])
	}

	var pieces []string
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) <= c.window {
			pieces = append(pieces, s)
			continue
		}
		pieces = append(pieces, c.hardCut(s)...)
	}
	return pieces
}

// hardCut slices s into window-sized pieces with overlap between them.
func (c *Chunker) hardCut(s string) []string {
	step := c.window - c.overlap
	if step <= 0 {
		step = c.window
	}

	var pieces []string
	for start := 0; start < len(s); start += step {
		end := start + c.window
		if end > len(s) {
			end = len(s)
		}
		pieces = append(pieces, s[start:end])
		if end == len(s) {
			break
		}
	}
	return pieces
}
