package datalogger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sigurn/crc16"
	"google.golang.org/protobuf/encoding/protowire"

	"gpsbridge/internal/transport"
)

// Track records are
//
//	varint(len(msg)) | msg | crc16-modbus(msg), big endian
//
// where msg is a protobuf-encoded point:
//
//	1: time, unix ms (varint)
//	2: latitude (double)
//	3: longitude (double)
//	4: altitude m (double, optional)
//	5: accuracy m (double, optional)
//	6: bearing deg (double, optional)
//	7: speed m/s (double, optional)
//	8: satellites (varint, optional)
const (
	fieldTime protowire.Number = iota + 1
	fieldLat
	fieldLon
	fieldAlt
	fieldAccuracy
	fieldBearing
	fieldSpeed
	fieldSatellites
)

const maxTrackRecord = 256

var (
	crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

	ErrTrackChecksum = errors.New("datalogger: track record checksum mismatch")
)

func appendTrackRecord(b []byte, loc transport.Location) []byte {
	msg := encodePoint(loc)
	b = protowire.AppendVarint(b, uint64(len(msg)))
	b = append(b, msg...)
	return binary.BigEndian.AppendUint16(b, crc16.Checksum(msg, crcTable))
}

func encodePoint(loc transport.Location) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(loc.Time.UnixMilli()))
	b = appendDouble(b, fieldLat, loc.Latitude)
	b = appendDouble(b, fieldLon, loc.Longitude)
	if loc.Altitude != nil {
		b = appendDouble(b, fieldAlt, *loc.Altitude)
	}
	if loc.Accuracy != nil {
		b = appendDouble(b, fieldAccuracy, *loc.Accuracy)
	}
	if loc.Bearing != nil {
		b = appendDouble(b, fieldBearing, *loc.Bearing)
	}
	if loc.Speed != nil {
		b = appendDouble(b, fieldSpeed, *loc.Speed)
	}
	if loc.Satellites != nil {
		b = protowire.AppendTag(b, fieldSatellites, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*loc.Satellites))
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func decodePoint(msg []byte) (transport.Location, error) {
	var loc transport.Location
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return loc, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return loc, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case fieldTime:
				loc.Time = timeFromMillis(int64(v))
			case fieldSatellites:
				sats := int(v)
				loc.Satellites = &sats
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(msg)
			if n < 0 {
				return loc, protowire.ParseError(n)
			}
			msg = msg[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldLat:
				loc.Latitude = f
			case fieldLon:
				loc.Longitude = f
			case fieldAlt:
				loc.Altitude = &f
			case fieldAccuracy:
				loc.Accuracy = &f
			case fieldBearing:
				loc.Bearing = &f
			case fieldSpeed:
				loc.Speed = &f
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return loc, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return loc, nil
}

// TrackReader reads records written by a track-format Logger.
type TrackReader struct {
	r *bufio.Reader
}

func NewTrackReader(r io.Reader) *TrackReader {
	return &TrackReader{r: bufio.NewReader(r)}
}

// Next returns the next point, or io.EOF at a clean end of file. A record
// cut short by a crash is reported as io.ErrUnexpectedEOF.
func (tr *TrackReader) Next() (transport.Location, error) {
	size, err := binary.ReadUvarint(tr.r)
	if err != nil {
		return transport.Location{}, err
	}
	if size > maxTrackRecord {
		return transport.Location{}, fmt.Errorf("datalogger: track record too large (%d bytes)", size)
	}
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return transport.Location{}, err
	}
	msg := buf[:size]
	if crc16.Checksum(msg, crcTable) != binary.BigEndian.Uint16(buf[size:]) {
		return transport.Location{}, ErrTrackChecksum
	}
	return decodePoint(msg)
}

func ReadTrackFile(path string) ([]transport.Location, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := NewTrackReader(f)
	var out []transport.Location
	for {
		loc, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, loc)
	}
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
