// Package replay reads, writes and plays back recordings of the raw byte
// stream received from a serial GPS receiver.
//
// A recording is line-oriented text. Blank lines and lines starting with
// '#' are ignored. "START" opens a capture session, normally one per
// connection. Every other line is one chunk as it came off the serial line:
//
//	<ns since session start>,<hex bytes>
package replay

import "time"

const startMarker = "START"

// Record is one line of a recording. A nil Chunk marks a session start.
type Record struct {
	At    time.Duration
	Chunk []byte
}

func (r Record) IsSessionStart() bool { return r.Chunk == nil }

// Session is the chunks of one capture, with At relative to the capture
// start and never negative.
type Session []Record

// Duration is the offset of the last chunk.
func (s Session) Duration() time.Duration {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].At
}

func (s Session) Bytes() int {
	n := 0
	for _, r := range s {
		n += len(r.Chunk)
	}
	return n
}

// Sessions groups records by their START markers. Chunks ahead of the
// first marker form a session of their own; a marker with no chunks yields
// an empty session.
func Sessions(records []Record) []Session {
	var (
		out    []Session
		origin time.Duration
		open   bool
	)
	for _, r := range records {
		if r.IsSessionStart() {
			out = append(out, Session{})
			origin = r.At
			open = true
			continue
		}
		if !open {
			out = append(out, Session{})
			open = true
		}
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		out[len(out)-1] = append(out[len(out)-1], Record{At: at, Chunk: r.Chunk})
	}
	return out
}
