package stanza

import (
	"io"
)

// DefaultReadSize is the size of a single read from the underlying reader.
const DefaultReadSize = 4096

// Scanner yields stanzas read from r one at a time.
type Scanner struct {
	r       io.Reader
	framer  *Framer
	chunk   []byte
	pending [][]byte
	err     error
}

// NewScanner creates a scanner with its own framer state.
func NewScanner(r io.Reader, opts ...Option) *Scanner {
	return &Scanner{
		r:      r,
		framer: NewFramer(opts...),
		chunk:  make([]byte, DefaultReadSize),
	}
}

// Framer exposes the framing state, e.g. for buffer statistics.
func (s *Scanner) Framer() *Framer {
	return s.framer
}

// Next returns the next complete stanza. It returns io.EOF once the reader is
// exhausted; a partial trailing stanza is discarded. Other read errors are
// returned as is, after any stanzas already framed have been delivered.
func (s *Scanner) Next() ([]byte, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending = s.framer.Feed(s.chunk[:n])
		}
		if err != nil {
			s.err = err
		}
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}
