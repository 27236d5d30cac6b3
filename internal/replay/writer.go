package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var ErrWriterClosed = errors.New("replay: writer closed")

// Writer records chunks to a file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	chunks int // in the current session
	line   []byte
	closed bool
}

// CreateWriter truncates path and opens the first session.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &Writer{f: f, w: bufio.NewWriterSize(f, 64*1024), start: time.Now()}
	if _, err := ww.w.WriteString(startMarker + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ww, nil
}

// StartSession begins a new capture at now, typically on reconnect. A
// session with no chunks yet is restarted in place.
func (ww *Writer) StartSession(now time.Time) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return ErrWriterClosed
	}
	ww.start = now
	if ww.chunks == 0 {
		return nil
	}
	ww.chunks = 0
	_, err := ww.w.WriteString(startMarker + "\n")
	return err
}

// WriteChunk records chunk as received at now. Times before the session
// start are recorded as 0.
func (ww *Writer) WriteChunk(now time.Time, chunk []byte) error {
	if len(chunk) == 0 {
		return errEmptyChunk
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return ErrWriterClosed
	}
	at := now.Sub(ww.start)
	if at < 0 {
		at = 0
	}
	ww.line = strconv.AppendInt(ww.line[:0], at.Nanoseconds(), 10)
	ww.line = append(ww.line, ',')
	ww.line = append(ww.line, hex.EncodeToString(chunk)...) // hex.AppendEncode requires Go 1.22
	ww.line = append(ww.line, '\n')
	if _, err := ww.w.Write(ww.line); err != nil {
		return err
	}
	ww.chunks++
	return nil
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	return multierr.Append(ww.w.Flush(), ww.f.Close())
}
