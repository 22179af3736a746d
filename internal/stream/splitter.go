// Package stream separates a streamed assistant reply into the text shown to
// the user and the hidden statement that follows the sentinel tag.
package stream

import (
	"strings"
	"unicode/utf8"
)

// Splitter partitions fragments around a sentinel. The last len(tag) bytes
// are withheld until more input arrives, so a tag split across fragments is
// still found.
type Splitter struct {
	tag       string
	pending   string
	visible   strings.Builder
	statement strings.Builder
	found     bool
}

// Split is the final partition of a stream.
type Split struct {
	Visible   string
	Statement string
	Found     bool
}

func NewSplitter(tag string) *Splitter {
	return &Splitter{tag: tag}
}

// Push consumes one fragment and returns the visible text so far. The
// returned text only ever grows.
func (s *Splitter) Push(fragment string) string {
	if s.found {
		s.statement.WriteString(fragment)
		return s.visible.String()
	}

	s.pending += fragment
	if i := strings.Index(s.pending, s.tag); i >= 0 {
		s.visible.WriteString(s.pending[:i])
		s.statement.WriteString(s.pending[i+len(s.tag):])
		s.pending = ""
		s.found = true
		return s.visible.String()
	}

	if len(s.pending) > len(s.tag) {
		cut := len(s.pending) - len(s.tag)
		for cut > 0 && !utf8.RuneStart(s.pending[cut]) {
			cut--
		}
		s.visible.WriteString(s.pending[:cut])
		s.pending = s.pending[cut:]
	}
	return s.visible.String()
}

// Close flushes the withheld remainder and returns the partition.
func (s *Splitter) Close() Split {
	if s.found {
		s.statement.WriteString(s.pending)
	} else {
		s.visible.WriteString(s.pending)
	}
	s.pending = ""
	return Split{
		Visible:   s.visible.String(),
		Statement: s.statement.String(),
		Found:     s.found,
	}
}
