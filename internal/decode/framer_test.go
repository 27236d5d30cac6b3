package decode

import (
	"bytes"
	"testing"
)

type frame struct {
	typ  MessageType
	data string
}

func collect(f *framer, chunks ...[]byte) []frame {
	var out []frame
	for _, c := range chunks {
		f.push(c, func(buf []byte, offset, length int, typ MessageType) {
			out = append(out, frame{typ: typ, data: string(buf[offset : offset+length])})
		})
	}
	return out
}

func ubxFrame(class, id byte, payload []byte) []byte {
	b := []byte{ubxSync1, ubxSync2, class, id, byte(len(payload)), byte(len(payload) >> 8)}
	b = append(b, payload...)
	var ckA, ckB byte
	for _, c := range b[2:] {
		ckA += c
		ckB += ckA
	}
	return append(b, ckA, ckB)
}

func TestFramer_SplitsNMEAAcrossChunks(t *testing.T) {
	line := nmeaLine("GPTXT,01,01,02,ANTENNA OK") + "\r\n"
	var f framer
	got := collect(&f, []byte(line[:7]), []byte(line[7:]))
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d: %+v", len(got), got)
	}
	if got[0].typ != MessageNMEA || got[0].data != line {
		t.Fatalf("unexpected frame %+v", got[0])
	}
	if len(f.buf) != 0 {
		t.Fatalf("expected empty buffer, got %q", f.buf)
	}
}

func TestFramer_JunkBetweenFrames(t *testing.T) {
	a := nmeaLine("GPTXT,01,01,02,A") + "\r\n"
	b := nmeaLine("GPTXT,01,01,02,B") + "\r\n"
	var f framer
	got := collect(&f, []byte(a+"\x00\xff garbage"+b))
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(got), got)
	}
	if got[0].typ != MessageNMEA || got[1].typ != MessageJunk || got[2].typ != MessageNMEA {
		t.Fatalf("unexpected types %+v", got)
	}
	if got[1].data != "\x00\xff garbage" {
		t.Fatalf("junk=%q", got[1].data)
	}
}

func TestFramer_BadChecksumIsJunk(t *testing.T) {
	line := nmeaLine("GPTXT,01,01,02,A")
	line = line[:len(line)-2] + "00\r\n"
	var f framer
	got := collect(&f, []byte(line))
	if len(got) != 1 || got[0].typ != MessageJunk {
		t.Fatalf("expected one junk chunk, got %+v", got)
	}
}

func TestFramer_TruncatedSentenceBeforeNewOne(t *testing.T) {
	good := nmeaLine("GPTXT,01,01,02,A") + "\r\n"
	var f framer
	got := collect(&f, []byte("$GPRMC,1235"+good))
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %+v", got)
	}
	if got[0].typ != MessageJunk || got[0].data != "$GPRMC,1235" {
		t.Fatalf("unexpected junk %+v", got[0])
	}
	if got[1].typ != MessageNMEA {
		t.Fatalf("unexpected frame %+v", got[1])
	}
}

func TestFramer_OverlongSentenceIsJunk(t *testing.T) {
	long := "$" + string(bytes.Repeat([]byte("A"), maxNMEALen+10))
	var f framer
	got := collect(&f, []byte(long))
	for _, fr := range got {
		if fr.typ != MessageJunk {
			t.Fatalf("unexpected frame %+v", fr)
		}
	}
	if len(f.buf) >= maxNMEALen {
		t.Fatalf("buffer kept growing: %d", len(f.buf))
	}
}

func TestFramer_UBX(t *testing.T) {
	msg := ubxFrame(0x01, 0x07, []byte{1, 2, 3, 4})
	var f framer
	got := collect(&f, msg[:3], msg[3:])
	if len(got) != 1 || got[0].typ != MessageUBX || got[0].data != string(msg) {
		t.Fatalf("unexpected frames %+v", got)
	}

	bad := append([]byte(nil), msg...)
	bad[len(bad)-1] ^= 0xff
	f.reset()
	got = collect(&f, bad)
	for _, fr := range got {
		if fr.typ == MessageUBX {
			t.Fatalf("corrupt frame accepted")
		}
	}
}

func TestFramer_MixedStream(t *testing.T) {
	n := nmeaLine("GPTXT,01,01,02,X") + "\r\n"
	u := ubxFrame(0x05, 0x01, []byte{0x06, 0x01})
	stream := append([]byte(n), u...)
	stream = append(stream, n...)

	var f framer
	var got []frame
	for _, c := range stream {
		got = append(got, collect(&f, []byte{c})...)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %+v", got)
	}
	want := []MessageType{MessageNMEA, MessageUBX, MessageNMEA}
	for i, w := range want {
		if got[i].typ != w {
			t.Fatalf("frame %d: got %v want %v", i, got[i].typ, w)
		}
	}
}
