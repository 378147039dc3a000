package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// chunker splits streamed generator text into sentence-sized chunks for the
// synthesizer and tracks the clause boundary up to which the assistant
// partial can be republished.
type chunker struct {
	full    strings.Builder
	pending strings.Builder
}

// write appends a text delta and returns every sentence it completed.
func (c *chunker) write(delta string) []string {
	c.full.WriteString(delta)
	c.pending.WriteString(delta)

	var out []string
	for {
		s := c.pending.String()
		idx := sentenceBoundary(s)
		if idx < 0 {
			return out
		}
		sentence := strings.TrimSpace(s[:idx])
		rest := strings.TrimLeftFunc(s[idx:], unicode.IsSpace)
		c.pending.Reset()
		c.pending.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// flush returns the unterminated tail, if any.
func (c *chunker) flush() string {
	s := strings.TrimSpace(c.pending.String())
	c.pending.Reset()
	return s
}

// text returns everything written so far.
func (c *chunker) text() string {
	return strings.TrimSpace(c.full.String())
}

// clauseText returns the written text up to and including the last
// sentence or clause boundary.
func (c *chunker) clauseText() string {
	s := c.full.String()
	if idx := lastClauseBoundary(s); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return ""
}

// sentenceBoundary returns the byte offset just past the first sentence
// terminator in s, or -1. ASCII terminators only count when followed by
// whitespace so that "3.5" and "e.g" stay intact; full-width terminators end
// a sentence on their own.
func sentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '.', '!', '?', '…':
			next := i + utf8.RuneLen(r)
			if next < len(s) && isSpaceByte(s[next]) {
				return next
			}
		}
	}
	return -1
}

// lastClauseBoundary returns the byte offset just past the last sentence or
// clause terminator that is followed by whitespace, or -1.
func lastClauseBoundary(s string) int {
	last := -1
	for i, r := range s {
		switch r {
		case '。', '！', '？', '，', '、':
			last = i + utf8.RuneLen(r)
		case '.', '!', '?', '…', ',', ';', ':':
			next := i + utf8.RuneLen(r)
			if next < len(s) && isSpaceByte(s[next]) {
				last = next
			}
		}
	}
	return last
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\n', '\r', '\t':
		return true
	}
	return false
}

// splitSentences chunks a complete text the same way streamed text is chunked.
func splitSentences(text string) []string {
	var c chunker
	out := c.write(text)
	if tail := c.flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}
