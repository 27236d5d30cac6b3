package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/replay"
)

const (
	rmcPayload     = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230324,003.1,W"
	voidRMCPayload = "GPRMC,123520,V,,,,,,,230324,,"
	ggaPayload     = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func sentence(payload string) []byte { return []byte(decode.FormatSentence(payload)) }

func TestSummarizeRawLog(t *testing.T) {
	rmc := sentence(rmcPayload)
	recs := []replay.Record{
		{At: 0},
		// A sentence split across two chunks.
		{At: 10 * time.Millisecond, Chunk: rmc[:20]},
		{At: 20 * time.Millisecond, Chunk: rmc[20:]},
		{At: 30 * time.Millisecond, Chunk: []byte{0x00, 0x01, 0x02}},
		{At: 0},
		{At: 500 * time.Millisecond, Chunk: append(sentence(ggaPayload), sentence(voidRMCPayload)...)},
	}

	s, err := summarizeRawLog(recs)
	if err != nil {
		t.Fatalf("summarizeRawLog() error: %v", err)
	}
	if s.Segments != 2 || s.Chunks != 4 {
		t.Fatalf("segments=%d chunks=%d", s.Segments, s.Chunks)
	}
	if s.MaxDuration != 500*time.Millisecond {
		t.Fatalf("maxDuration=%s", s.MaxDuration)
	}
	if s.Messages[decode.MessageNMEA] != 3 || s.Messages[decode.MessageJunk] != 1 {
		t.Fatalf("messages=%v", s.Messages)
	}
	if s.Sentences["GPRMC"] != 2 || s.Sentences["GPGGA"] != 1 {
		t.Fatalf("sentences=%v", s.Sentences)
	}
	if s.ValidFixes != 1 || s.NoFix != 1 {
		t.Fatalf("valid=%d nofix=%d", s.ValidFixes, s.NoFix)
	}
}

func TestSummarizeRawLog_NoStartMarker(t *testing.T) {
	s, err := summarizeRawLog([]replay.Record{{At: time.Second, Chunk: sentence(rmcPayload)}})
	if err != nil {
		t.Fatalf("summarizeRawLog() error: %v", err)
	}
	if s.Segments != 1 || s.ValidFixes != 1 {
		t.Fatalf("summary=%+v", s)
	}
}

func writeRawLog(t *testing.T, chunks ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gps.log")
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	start := time.Now()
	for i, c := range chunks {
		if err := w.WriteChunk(start.Add(time.Duration(i)*10*time.Millisecond), c); err != nil {
			t.Fatalf("WriteChunk() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	return path
}

func TestPrintLogSummary(t *testing.T) {
	path := writeRawLog(t, sentence(rmcPayload), sentence(ggaPayload))

	var out bytes.Buffer
	if err := printLogSummary(&out, path); err != nil {
		t.Fatalf("printLogSummary() error: %v", err)
	}
	for _, want := range []string{"segments: 1\n", "nmea: 2\n", "valid_fixes: 1\n", "  GPGGA: 1\n", "  GPRMC: 1\n"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintLogSummary_EmptyPath(t *testing.T) {
	if err := printLogSummary(&bytes.Buffer{}, "  "); err == nil {
		t.Fatalf("expected error")
	}
}
