// Package chunk implements the deterministic sliding-window text splitter
// used at ingestion time and for notes.
//
// The splitter is streaming: text is pushed in arbitrary pieces and chunks
// are emitted whenever the carry buffer reaches the configured size. Each
// emitted chunk is exactly Size characters; the window then advances by
// Size-Overlap, leaving Overlap characters at the head of the next chunk
// for context continuity.
package chunk

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSize is the default chunk length in characters.
const DefaultSize = 2000

// DefaultOverlap is the default number of characters carried between
// adjacent chunks.
const DefaultOverlap = 200

// Splitter accumulates text and emits fixed-size overlapping chunks.
// Lengths are measured in runes so multi-byte input chunks predictably.
type Splitter struct {
	size    int
	overlap int
	carry   []rune
}

// NewSplitter creates a splitter. Size must be positive and overlap must be
// smaller than size.
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, size), got %d", overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Push appends text to the carry buffer and returns all full chunks that
// became available.
func (s *Splitter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.carry = append(s.carry, []rune(text)...)

	var chunks []string
	for len(s.carry) >= s.size {
		chunks = append(chunks, string(s.carry[:s.size]))
		s.carry = s.carry[s.size-s.overlap:]
	}
	return chunks
}

// Flush returns the trimmed trailing remainder as a final, possibly-short
// chunk, or "" if nothing meaningful remains. The splitter is reset.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(string(s.carry))
	s.carry = nil
	return rest
}

// Split chunks a complete text in one call.
func Split(text string, size, overlap int) ([]string, error) {
	s, err := NewSplitter(size, overlap)
	if err != nil {
		return nil, err
	}
	chunks := s.Push(text)
	if rest := s.Flush(); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks, nil
}

// LooksBinary reports whether a buffer appears to be binary content.
// A null byte is taken as a reliable binary signal; this is the single
// "binary probe" applied to the first buffer of a stream.
func LooksBinary(p []byte) bool {
	return bytes.IndexByte(p, 0) >= 0
}

// SplitCompleteRunes splits p into the longest prefix that ends on a UTF-8
// rune boundary and the remaining incomplete tail (at most 3 bytes).
// Streamed reads hand the tail back in front of the next buffer so runes
// never split across Push calls.
func SplitCompleteRunes(p []byte) (complete, rest []byte) {
	// Walk back over trailing continuation bytes to the start of the
	// last rune. Anything further back than UTFMax is invalid UTF-8 and
	// passes through as-is.
	i := len(p)
	for i > 0 && len(p)-i < utf8.UTFMax-1 && !utf8.RuneStart(p[i-1]) {
		i--
	}
	if i == 0 || !utf8.RuneStart(p[i-1]) {
		return p, nil
	}
	if utf8.FullRune(p[i-1:]) {
		return p, nil
	}
	return p[:i-1], p[i-1:]
}
