// ABOUTME: Boundary-safe scanner turning a raw byte stream into chat events.
// ABOUTME: Detects markers even when chunk boundaries split them across reads.

package streamproto

import (
	"io"
	"strings"
)

// Markers recognized in the stream. They are plain text and may arrive split
// across any number of reads.
const (
	// EndToken signals end-of-stream. It is consumed, never forwarded.
	EndToken = "<<END_OF_STREAM>>"

	// ErrMarker introduces a terminal error fragment. Everything after it,
	// up to EndToken or EOF, is the error text.
	ErrMarker = "<<ERR>>"

	// ToolMarker introduces an internal backend signal. The fragment runs to
	// the next newline and carries nothing user-visible.
	ToolMarker = "<<TOOL>>"

	// InvalidSessionText is the sub-marker searched for inside an error
	// fragment to distinguish an unknown-session error from a generic one.
	InvalidSessionText = "invalid session id"
)

// EventKind classifies a scanned stream event.
type EventKind string

const (
	EventText           EventKind = "text"            // visible content delta
	EventEnd            EventKind = "end"             // stream finished normally
	EventError          EventKind = "error"           // terminal backend error
	EventInvalidSession EventKind = "invalid_session" // backend rejected the session id
	EventToolSkip       EventKind = "tool_skip"       // internal signal, discard
)

// Event is one classified unit of the stream.
type Event struct {
	Kind EventKind
	Text string // content delta, error text, or skipped tool payload
}

// scanner modes
const (
	modeText = iota
	modeToolSkip
	modeError
	modeDone
)

// Scanner reads a raw stream and yields classified events. It keeps the
// classification logic in one place so it can be tested against arbitrary
// chunkings without any network in play.
type Scanner struct {
	r       io.Reader
	buf     []byte
	pending strings.Builder // error text being collected in modeError
	mode    int
	eof     bool
	readBuf []byte
}

// NewScanner wraps r. The reader is consumed incrementally; Scanner never
// reads past what it needs to classify the next event.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		r:       r,
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next classified event. After EventEnd, EventError, or
// EventInvalidSession it returns io.EOF. A stream that ends without EndToken
// or an error fragment yields its remaining text and then
// io.ErrUnexpectedEOF, so truncation is never mistaken for completion.
func (s *Scanner) Next() (Event, error) {
	for {
		if s.mode == modeDone {
			return Event{}, io.EOF
		}

		if ev, ok := s.scanBuffered(); ok {
			return ev, nil
		}

		if s.eof {
			return s.finish()
		}

		n, err := s.r.Read(s.readBuf)
		if n > 0 {
			s.buf = append(s.buf, s.readBuf[:n]...)
		}
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return Event{}, err
		}
	}
}

// scanBuffered tries to produce one event from the buffered bytes. Returns
// false when more input is needed.
func (s *Scanner) scanBuffered() (Event, bool) {
	switch s.mode {
	case modeText:
		return s.scanText()
	case modeToolSkip:
		return s.scanToolSkip()
	case modeError:
		// Error text runs to EOF (or EndToken); nothing to emit until then.
		if idx := strings.Index(string(s.buf), EndToken); idx >= 0 {
			s.pending.Write(s.buf[:idx])
			s.buf = nil
			return s.emitError()
		}
		keep := holdback(s.buf)
		s.pending.Write(s.buf[:len(s.buf)-keep])
		s.buf = s.buf[len(s.buf)-keep:]
		return Event{}, false
	}
	return Event{}, false
}

// scanText looks for the earliest marker in the buffer. Text before a marker
// is emitted eagerly; a suffix that could still grow into a marker is held.
func (s *Scanner) scanText() (Event, bool) {
	data := string(s.buf)

	idx, marker := earliestMarker(data)
	if idx >= 0 {
		if idx > 0 {
			// Emit the text preceding the marker first.
			s.buf = s.buf[idx:]
			return Event{Kind: EventText, Text: data[:idx]}, true
		}
		s.buf = s.buf[len(marker):]
		switch marker {
		case EndToken:
			s.mode = modeDone
			return Event{Kind: EventEnd}, true
		case ErrMarker:
			s.mode = modeError
			return Event{}, false
		case ToolMarker:
			s.mode = modeToolSkip
			return Event{}, false
		}
	}

	keep := holdback(s.buf)
	if emit := len(s.buf) - keep; emit > 0 {
		text := data[:emit]
		s.buf = s.buf[emit:]
		return Event{Kind: EventText, Text: text}, true
	}
	return Event{}, false
}

// scanToolSkip consumes up to the newline terminating a tool fragment.
func (s *Scanner) scanToolSkip() (Event, bool) {
	if idx := strings.IndexByte(string(s.buf), '\n'); idx >= 0 {
		payload := string(s.buf[:idx])
		s.buf = s.buf[idx+1:]
		s.mode = modeText
		return Event{Kind: EventToolSkip, Text: payload}, true
	}
	return Event{}, false
}

// finish handles EOF for whatever mode the scanner is in.
func (s *Scanner) finish() (Event, error) {
	switch s.mode {
	case modeText:
		if len(s.buf) > 0 {
			text := string(s.buf)
			s.buf = nil
			return Event{Kind: EventText, Text: text}, nil
		}
		s.mode = modeDone
		return Event{}, io.ErrUnexpectedEOF
	case modeToolSkip:
		// A tool fragment cut off by EOF is still a truncated stream; the
		// preceding text must not be mistaken for a completed answer.
		s.buf = nil
		s.mode = modeDone
		return Event{}, io.ErrUnexpectedEOF
	case modeError:
		s.pending.Write(s.buf)
		s.buf = nil
		ev, _ := s.emitError()
		return ev, nil
	}
	return Event{}, io.EOF
}

// emitError classifies and emits the collected error fragment.
func (s *Scanner) emitError() (Event, bool) {
	text := s.pending.String()
	s.pending.Reset()
	s.mode = modeDone
	if strings.Contains(text, InvalidSessionText) {
		return Event{Kind: EventInvalidSession, Text: text}, true
	}
	return Event{Kind: EventError, Text: text}, true
}

// earliestMarker returns the index and value of the first marker occurring in
// data, or (-1, "") when none is present.
func earliestMarker(data string) (int, string) {
	best := -1
	var found string
	for _, m := range []string{EndToken, ErrMarker, ToolMarker} {
		if idx := strings.Index(data, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			found = m
		}
	}
	return best, found
}

// holdback returns the length of the longest buffer suffix that is a proper
// prefix of any marker. Those bytes cannot be classified until more input
// arrives (or EOF proves they were plain text).
func holdback(buf []byte) int {
	max := 0
	for _, m := range []string{EndToken, ErrMarker, ToolMarker} {
		limit := len(m) - 1
		if limit > len(buf) {
			limit = len(buf)
		}
		for n := limit; n > max; n-- {
			if string(buf[len(buf)-n:]) == m[:n] {
				max = n
				break
			}
		}
	}
	return max
}
