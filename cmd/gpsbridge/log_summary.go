package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/replay"
)

type logSummary struct {
	Segments    int
	Chunks      int
	Bytes       int
	MaxDuration time.Duration
	Messages    map[decode.MessageType]int
	Sentences   map[string]int
	ValidFixes  int
	NoFix       int
}

type summaryCounter struct{ s *logSummary }

func (c summaryCounter) OnLocation(fix decode.Fix) {
	if fix.Valid {
		c.s.ValidFixes++
	} else {
		c.s.NoFix++
	}
}

func (c summaryCounter) OnMessage([]byte, int, int, decode.MessageType) {}

func (c summaryCounter) RecordMessage(typ decode.MessageType, data []byte) {
	c.s.Messages[typ]++
	if typ != decode.MessageNMEA {
		return
	}
	// "$GPRMC,..." is counted as "GPRMC".
	tag := strings.TrimPrefix(string(data), "$")
	if i := strings.IndexAny(tag, ",*"); i != -1 {
		tag = tag[:i]
	}
	c.s.Sentences[tag]++
}

// summarizeRawLog decodes each recorded segment the way the live link would.
func summarizeRawLog(records []replay.Record) (logSummary, error) {
	s := logSummary{Messages: map[decode.MessageType]int{}, Sentences: map[string]int{}}
	counter := summaryCounter{&s}
	e, err := decode.New(counter, decode.Config{})
	if err != nil {
		return s, err
	}
	defer e.Close()
	e.AddTap(counter)

	var seg bytes.Buffer
	for _, sess := range replay.Sessions(records) {
		s.Segments++
		s.Chunks += len(sess)
		s.Bytes += sess.Bytes()
		if d := sess.Duration(); d > s.MaxDuration {
			s.MaxDuration = d
		}
		if len(sess) == 0 {
			continue
		}
		// Each session is decoded on its own, as one connection would be.
		seg.Reset()
		for _, r := range sess {
			seg.Write(r.Chunk)
		}
		if err := e.Run(bytes.NewReader(seg.Bytes()), nil); err != nil && !errors.Is(err, io.EOF) {
			return s, err
		}
	}
	return s, nil
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := summarizeRawLog(recs)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "chunks: %d\n", s.Chunks)
	fmt.Fprintf(w, "bytes: %d\n", s.Bytes)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	fmt.Fprintf(w, "nmea: %d\n", s.Messages[decode.MessageNMEA])
	fmt.Fprintf(w, "ubx: %d\n", s.Messages[decode.MessageUBX])
	fmt.Fprintf(w, "junk: %d\n", s.Messages[decode.MessageJunk])
	fmt.Fprintf(w, "valid_fixes: %d\n", s.ValidFixes)
	fmt.Fprintf(w, "no_fix: %d\n", s.NoFix)

	tags := make([]string, 0, len(s.Sentences))
	for k := range s.Sentences {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	fmt.Fprintf(w, "sentences:\n")
	for _, k := range tags {
		fmt.Fprintf(w, "  %s: %d\n", k, s.Sentences[k])
	}
	return nil
}
