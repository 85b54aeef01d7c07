// Package stanza extracts complete top-level XML elements from a byte stream
// that carries no length prefix and no delimiter.
//
// The framer finds the first element whose name starts with a letter (skipping
// declarations, comments and processing instructions), then searches for the
// literal closing tag </name>. The search is a plain substring search, not a
// depth count: a stanza that nests an element with the same name as its root
// ends at the first inner closing tag. Controller messages never nest their
// root element, so this is a known limitation rather than a defect to fix.
package stanza

import (
	"bytes"
	"slices"
)

// DefaultMaxSize bounds the buffered, not yet framed input.
const DefaultMaxSize = 16 * 1024 * 1024

// Framer is the per-connection framing state. It is not safe for concurrent use.
type Framer struct {
	maxSize int
	buf     []byte

	start      int // scan cursor for the next root candidate
	haveRoot   bool
	open       int // position of '<' of the root element
	close      int // search cursor for the closing tag
	checkEmpty bool
	name       []byte
	closing    []byte

	resets int
}

// Option configures a Framer.
type Option func(*Framer)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// NewFramer creates an empty framer.
func NewFramer(opts ...Option) *Framer {
	f := &Framer{maxSize: DefaultMaxSize, checkEmpty: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Buffered returns the number of bytes held waiting for the rest of a stanza.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Resets returns how many times the buffer overflowed and was discarded.
func (f *Framer) Resets() int {
	return f.resets
}

// Feed appends p and returns every stanza completed by it, in arrival order.
func (f *Framer) Feed(p []byte) [][]byte {
	if len(f.buf) > f.maxSize {
		f.buf = nil
		f.reset()
		f.resets++
	}
	f.buf = append(f.buf, p...)

	var out [][]byte
	for {
		if !f.haveRoot && !f.findRoot() {
			return out
		}

		if f.checkEmpty {
			if f.buf[f.close-1] == '/' {
				out = append(out, f.emit(f.open, f.close+1))
				continue
			}
			f.closing = slices.Concat([]byte("</"), f.name, []byte(">"))
			f.checkEmpty = false
		}

		idx := bytes.Index(f.buf[f.close:], f.closing)
		if idx < 0 {
			// Keep the tail that may hold the start of a split closing tag.
			f.close = max(0, len(f.buf)-len(f.closing))
			return out
		}
		out = append(out, f.emit(f.open, f.close+idx+len(f.closing)))
	}
}

// findRoot scans for the opening tag of the next stanza.
func (f *Framer) findRoot() bool {
	open := -1
	for {
		i := bytes.IndexByte(f.buf[f.start:], '<')
		if i < 0 {
			open = -1
			break
		}
		open = f.start + i
		j := bytes.IndexByte(f.buf[open:], '>')
		if j < 0 {
			break
		}
		closePos := open + j

		nameEnd := closePos
		if k := bytes.IndexAny(f.buf[open:closePos], " \t\r\n"); k >= 0 {
			nameEnd = open + k
		}
		name := f.buf[open+1 : nameEnd]
		f.start = closePos

		if len(name) > 0 && isAlpha(name[0]) {
			f.haveRoot = true
			f.open = open
			f.close = closePos
			f.name = slices.Clone(name)
			return true
		}
	}

	if open < 0 {
		f.start = len(f.buf)
	} else {
		f.start = open
	}
	return false
}

// emit returns buf[from:to] and drops everything up to to.
func (f *Framer) emit(from, to int) []byte {
	stanza := slices.Clone(f.buf[from:to])
	f.buf = slices.Clone(f.buf[to:])
	f.reset()
	return stanza
}

func (f *Framer) reset() {
	f.start = 0
	f.haveRoot = false
	f.open = 0
	f.close = 0
	f.checkEmpty = true
	f.name = nil
	f.closing = nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
