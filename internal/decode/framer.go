package decode

const (
	maxNMEALen    = 128
	maxUBXPayload = 2048

	ubxSync1 = 0xB5
	ubxSync2 = 0x62
)

type scanStatus int

const (
	scanNeedMore scanStatus = iota
	scanFrame
	scanJunk
)

type emitFunc func(buf []byte, offset, length int, typ MessageType)

// framer splits the raw byte stream into NMEA sentences, UBX frames and runs
// of junk. Emitted slices alias the internal buffer and are only valid for
// the duration of the emit call.
type framer struct {
	buf []byte
}

func (f *framer) reset() { f.buf = f.buf[:0] }

func (f *framer) push(p []byte, emit emitFunc) {
	f.buf = append(f.buf, p...)
	b := f.buf

	pos := 0
	junk := -1
	flushJunk := func(end int) {
		if junk >= 0 && end > junk {
			emit(b, junk, end-junk, MessageJunk)
		}
		junk = -1
	}

scan:
	for pos < len(b) {
		var (
			st  scanStatus
			n   int
			typ MessageType
		)
		switch b[pos] {
		case '$':
			st, n = scanNMEA(b[pos:])
			typ = MessageNMEA
		case ubxSync1:
			st, n = scanUBX(b[pos:])
			typ = MessageUBX
		default:
			st, n = scanJunk, 1
		}

		switch st {
		case scanNeedMore:
			break scan
		case scanJunk:
			if junk < 0 {
				junk = pos
			}
			pos += n
		case scanFrame:
			flushJunk(pos)
			emit(b, pos, n, typ)
			pos += n
		}
	}
	flushJunk(pos)

	rest := copy(f.buf, b[pos:])
	f.buf = f.buf[:rest]
}

func scanNMEA(b []byte) (scanStatus, int) {
	for i := 1; i < len(b) && i < maxNMEALen; i++ {
		switch b[i] {
		case '\n':
			if validNMEAChecksum(b[:i+1]) {
				return scanFrame, i + 1
			}
			return scanJunk, i + 1
		case '$':
			// Truncated sentence; a new one starts here.
			return scanJunk, i
		}
	}
	if len(b) >= maxNMEALen {
		return scanJunk, 1
	}
	return scanNeedMore, 0
}

func scanUBX(b []byte) (scanStatus, int) {
	if len(b) < 2 {
		return scanNeedMore, 0
	}
	if b[1] != ubxSync2 {
		return scanJunk, 1
	}
	if len(b) < 6 {
		return scanNeedMore, 0
	}
	l := int(b[4]) | int(b[5])<<8
	if l > maxUBXPayload {
		return scanJunk, 1
	}
	total := 8 + l
	if len(b) < total {
		return scanNeedMore, 0
	}
	var ckA, ckB byte
	for _, c := range b[2 : 6+l] {
		ckA += c
		ckB += ckA
	}
	if ckA != b[6+l] || ckB != b[7+l] {
		return scanJunk, 1
	}
	return scanFrame, total
}
