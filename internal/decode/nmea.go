package decode

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const (
	knotsToMS = 0.514444
	kphToMS   = 1 / 3.6

	// uereM converts HDOP into a rough horizontal accuracy when the receiver
	// does not report GST.
	uereM = 5.0
)

// gst carries the position error estimates of a GST sentence, which
// go-nmea does not parse itself.
type gst struct {
	nmea.BaseSentence
	LatSigma float64 // meters
	LonSigma float64 // meters
}

// GST fields after the talker+type: 0 time, 1 rms, 2 semi-major,
// 3 semi-minor, 4 orientation, 5 lat sigma, 6 lon sigma, 7 alt sigma.
func newGST(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := gst{
		BaseSentence: s,
		LatSigma:     p.Float64(5, "latitude std dev"),
		LonSigma:     p.Float64(6, "longitude std dev"),
	}
	return m, p.Err()
}

// sentenceParser only reads its parser map, so engines may share it.
var sentenceParser = nmea.SentenceParser{
	CustomParsers: map[string]nmea.ParserFunc{"GST": newGST},
}

// normBearing folds a track in (-360, 720) into [0, 360) without touching
// values already in range.
func normBearing(b float64) float64 {
	if b < 0 {
		b += 360
	} else if b >= 360 {
		b -= 360
	}
	return b
}

type nmeaSentence struct {
	Type string
	// Fields is the comma-split NMEA payload (excluding $ and checksum).
	Fields []string
	Raw    string
}

// field returns Fields[i] trimmed, or "" when absent.
func (s nmeaSentence) field(i int) string {
	if i < 0 || i >= len(s.Fields) {
		return ""
	}
	return strings.TrimSpace(s.Fields[i])
}

func (s nmeaSentence) has(i int) bool { return s.field(i) != "" }

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	ck = ck[:2]
	want, err := hex.DecodeString(ck)
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	if nmeaChecksum(payload) != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// Accept GNxxx/GPxxx, etc; normalize to last 3 chars.
	t := typeField
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts, Raw: line}, nil
}

func validNMEAChecksum(line []byte) bool {
	for _, c := range line {
		// Anything outside printable ASCII means a rate mismatch.
		if (c < 0x20 || c > 0x7e) && c != '\r' && c != '\n' {
			return false
		}
	}
	_, err := parseNMEASentence(string(line))
	return err == nil
}

func nmeaChecksum(payload string) byte {
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	return got
}

// FormatSentence wraps an NMEA payload ("PMTK220,1000") into a full
// sentence with checksum and CRLF. A leading '$' and any existing checksum
// are dropped first.
func FormatSentence(payload string) string {
	payload = strings.TrimSpace(payload)
	payload = strings.TrimPrefix(payload, "$")
	if star := strings.IndexByte(payload, '*'); star != -1 {
		payload = payload[:star]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, nmeaChecksum(payload))
}

// fixState carries the values other sentences contribute to the next RMC.
type fixState struct {
	altM  float64
	altOK bool

	satellites int
	satsOK     bool

	hdop   float64
	hdopOK bool

	accM  float64
	accOK bool

	vtgSpeedMS float64
	vtgSpeedOK bool
	vtgTrack   float64
	vtgTrackOK bool
}

func (s *fixState) reset() { *s = fixState{} }

// decode folds one checksummed sentence into the state. It returns a Fix when
// the sentence completes a reading (RMC). Sentence types go-nmea does not
// know are returned as errors.
func (s *fixState) decode(nowUTC time.Time, raw nmeaSentence) (Fix, bool, error) {
	switch raw.Type {
	case "RMC":
		// go-nmea refuses the empty coordinates of a void RMC.
		if raw.field(2) != nmea.ValidRMC || !raw.has(3) || !raw.has(5) {
			return Fix{Valid: false}, true, nil
		}
	case "GGA":
		if q := raw.field(6); q == "" || q == nmea.Invalid {
			s.altOK = false
			return Fix{}, false, nil
		}
	}
	sent, err := sentenceParser.Parse(raw.Raw)
	if err != nil {
		return Fix{}, false, err
	}
	fix, ok := s.apply(nowUTC, raw, sent)
	return fix, ok, nil
}

func (s *fixState) apply(nowUTC time.Time, raw nmeaSentence, sent nmea.Sentence) (Fix, bool) {
	switch m := sent.(type) {
	case nmea.RMC:
		return s.applyRMC(nowUTC, raw, m), true
	case nmea.GGA:
		s.applyGGA(raw, m)
	case nmea.GSA:
		if raw.has(16) {
			s.hdop = m.HDOP
			s.hdopOK = true
		}
	case gst:
		// Raw fields: 6 lat std dev, 7 lon std dev (meters).
		if raw.has(6) && raw.has(7) {
			s.accM = math.Hypot(m.LatSigma, m.LonSigma)
			s.accOK = true
		}
	case nmea.VTG:
		// Fields: 1 true track, 5 speed knots, 7 speed km/h.
		if raw.has(1) {
			s.vtgTrack = normBearing(m.TrueTrack)
			s.vtgTrackOK = true
		}
		switch {
		case raw.has(5):
			s.vtgSpeedMS = m.GroundSpeedKnots * knotsToMS
			s.vtgSpeedOK = true
		case raw.has(7):
			s.vtgSpeedMS = m.GroundSpeedKPH * kphToMS
			s.vtgSpeedOK = true
		}
	}
	return Fix{}, false
}

// RMC: Recommended Minimum Specific GNSS Data
// Fields (NMEA 0183 v2.3):
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *fixState) applyRMC(nowUTC time.Time, raw nmeaSentence, m nmea.RMC) Fix {
	if m.Validity != nmea.ValidRMC || !raw.has(3) || !raw.has(5) {
		return Fix{Valid: false}
	}

	fix := Fix{
		Time:      rmcTime(nowUTC, m),
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Valid:     true,
	}
	if raw.has(7) {
		fix.Speed = m.Speed * knotsToMS
		fix.HasSpeed = true
	} else if s.vtgSpeedOK {
		fix.Speed = s.vtgSpeedMS
		fix.HasSpeed = true
	}
	if raw.has(8) {
		fix.Bearing = normBearing(m.Course)
		fix.HasBearing = true
	} else if s.vtgTrackOK {
		fix.Bearing = s.vtgTrack
		fix.HasBearing = true
	}
	if s.altOK {
		fix.Altitude = s.altM
		fix.HasAltitude = true
	}
	switch {
	case s.accOK:
		fix.Accuracy = s.accM
		fix.HasAccuracy = true
	case s.hdopOK:
		fix.Accuracy = s.hdop * uereM
		fix.HasAccuracy = true
	}
	if s.satsOK {
		fix.Satellites = s.satellites
	}
	return fix
}

// GGA: Global Positioning System Fix Data
// Fields:
//
//	0: talker+type
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
//
// 10: units (M)
func (s *fixState) applyGGA(raw nmeaSentence, m nmea.GGA) {
	q := strings.TrimSpace(m.FixQuality)
	if q == "" || q == nmea.Invalid {
		s.altOK = false
		return
	}
	if raw.has(7) {
		s.satellites = int(m.NumSatellites)
		s.satsOK = true
	}
	if raw.has(8) {
		s.hdop = m.HDOP
		s.hdopOK = true
	}
	if raw.has(9) {
		s.altM = m.Altitude
		s.altOK = true
	}
}

func rmcTime(nowUTC time.Time, m nmea.RMC) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return nowUTC
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
