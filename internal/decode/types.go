package decode

import "time"

// MessageType classifies a chunk of the raw byte stream.
type MessageType int

const (
	// MessageJunk is a run of bytes that did not frame as any known message.
	MessageJunk MessageType = iota
	// MessageNMEA is an NMEA 0183 sentence with a valid checksum.
	MessageNMEA
	// MessageUBX is a u-blox binary frame with a valid checksum.
	MessageUBX
)

func (t MessageType) String() string {
	switch t {
	case MessageNMEA:
		return "nmea"
	case MessageUBX:
		return "ubx"
	default:
		return "junk"
	}
}

// Fix is one position reading as decoded from the receiver. Optional values
// are only meaningful when the matching Has flag is set.
type Fix struct {
	Time      time.Time
	Latitude  float64
	Longitude float64

	Altitude    float64 // meters above MSL
	HasAltitude bool
	Accuracy    float64 // meters, horizontal
	HasAccuracy bool
	Bearing     float64 // degrees true
	HasBearing  bool
	Speed       float64 // m/s over ground
	HasSpeed    bool

	// Satellites used in the solution; 0 when unknown.
	Satellites int

	Valid bool
}

type Stats struct {
	Running bool `json:"running"`

	BytesRead      uint64 `json:"bytes_read"`
	NMEAMessages   uint64 `json:"nmea_messages"`
	UBXMessages    uint64 `json:"ubx_messages"`
	JunkChunks     uint64 `json:"junk_chunks"`
	JunkBytes      uint64 `json:"junk_bytes"`
	Unsupported    uint64 `json:"unsupported_sentences"`
	ValidFixes     uint64 `json:"valid_fixes"`
	InvalidFixes   uint64 `json:"invalid_fixes"`
	MessageCbCalls uint64 `json:"message_callbacks"`

	LastMessageUTC string `json:"last_message_utc,omitempty"`
}
