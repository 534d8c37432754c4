// ABOUTME: Re-chunks streamed text deltas into whole words
// ABOUTME: Used in standard mode so clients render word by word instead of token fragments

package conversation

import (
	"strings"
	"unicode"
)

// smoother buffers text until a word boundary. Each emitted chunk is a word
// followed by the whitespace after it.
type smoother struct {
	buf strings.Builder
}

// push adds a delta and returns the complete words now available.
func (s *smoother) push(delta string) []string {
	s.buf.WriteString(delta)
	pending := s.buf.String()

	var words []string
	start := 0
	inSpace := false
	for i, r := range pending {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			words = append(words, pending[start:i])
			start = i
		}
		inSpace = space
	}
	if inSpace {
		words = append(words, pending[start:])
		start = len(pending)
	}

	s.buf.Reset()
	s.buf.WriteString(pending[start:])
	return words
}

// flush returns whatever is left in the buffer.
func (s *smoother) flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}
