package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxLine bounds one hex-encoded chunk line.
const maxLine = 1 << 20

var (
	errNoComma      = errors.New("missing comma")
	errEmptyField   = errors.New("empty field")
	errNegativeTime = errors.New("negative timestamp")
	errEmptyChunk   = errors.New("empty chunk")
)

// SyntaxError reports a malformed line and where it was found.
type SyntaxError struct {
	Line int
	Text string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("replay: line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Reader streams records from a recording.
type Reader struct {
	s    *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{s: s}
}

// Next returns the next record, or io.EOF at the end of the input.
func (rr *Reader) Next() (Record, error) {
	for rr.s.Scan() {
		rr.line++
		text := strings.TrimSpace(rr.s.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		rec, err := parseRecordLine(text)
		if err != nil {
			return Record{}, &SyntaxError{Line: rr.line, Text: text, Err: err}
		}
		return rec, nil
	}
	if err := rr.s.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (rr *Reader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

func parseRecordLine(text string) (Record, error) {
	if text == startMarker {
		return Record{}, nil
	}
	ts, payload, ok := strings.Cut(text, ",")
	if !ok {
		return Record{}, errNoComma
	}
	ts = strings.TrimSpace(ts)
	// Hand-edited logs may group bytes with spaces.
	payload = strings.ReplaceAll(strings.TrimSpace(payload), " ", "")
	if ts == "" || payload == "" {
		return Record{}, errEmptyField
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	if ns < 0 {
		return Record{}, errNegativeTime
	}
	chunk, err := hex.DecodeString(payload)
	if err != nil {
		return Record{}, fmt.Errorf("chunk: %w", err)
	}
	if len(chunk) == 0 {
		return Record{}, errEmptyChunk
	}
	return Record{At: time.Duration(ns), Chunk: chunk}, nil
}

// ReadFile loads every record of the recording at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}
