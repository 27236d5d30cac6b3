package web

import (
	"sync/atomic"
	"time"

	"gpsbridge/internal/transport"
)

// Status is the process-wide view served at /api/status. Every setter is
// safe to call from the supervisor goroutines.
type Status struct {
	startUnixNano int64
	lastFixNano   int64

	state    atomic.Value // string
	device   atomic.Value // string
	line     atomic.Value // string
	location atomic.Pointer[transport.Location]
	autobaud atomic.Value // AutobaudResult

	connects    atomic.Uint64
	disconnects atomic.Uint64
	fixes       atomic.Uint64
	unknown     atomic.Uint64
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.state.Store(transport.StateIdle.String())
	s.device.Store("")
	s.line.Store("")
	s.autobaud.Store(AutobaudResult{})
	return s
}

// AutobaudResult is the outcome of the last rate negotiation. Baud is 0
// until one has finished.
type AutobaudResult struct {
	OK          bool   `json:"ok"`
	Baud        int    `json:"baud,omitempty"`
	FinishedUTC string `json:"finished_utc,omitempty"`
}

func (s *Status) SetState(st transport.State) { s.state.Store(st.String()) }

// SetStatic records values that only change on reconnect.
func (s *Status) SetStatic(device, line string) {
	if device != "" {
		s.device.Store(device)
	}
	if line != "" {
		s.line.Store(line)
	}
}

func (s *Status) MarkConnected()    { s.connects.Add(1) }
func (s *Status) MarkDisconnected() { s.disconnects.Add(1) }

func (s *Status) SetAutobaud(nowUTC time.Time, ok bool, baud int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.autobaud.Store(AutobaudResult{
		OK:          ok,
		Baud:        baud,
		FinishedUTC: nowUTC.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Status) SetLocation(nowUTC time.Time, loc transport.Location) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.location.Store(&loc)
	atomic.StoreInt64(&s.lastFixNano, nowUTC.UnixNano())
	s.fixes.Add(1)
}

// MarkLocationUnknown counts a reading without a fix. The last good
// location is kept.
func (s *Status) MarkLocationUnknown() { s.unknown.Add(1) }

type StatusSnapshot struct {
	Service     string              `json:"service"`
	NowUTC      string              `json:"now_utc"`
	UptimeSec   int64               `json:"uptime_sec"`
	State       string              `json:"state"`
	Device      string              `json:"device"`
	Line        string              `json:"line"`
	Autobaud    AutobaudResult      `json:"autobaud"`
	Location    *transport.Location `json:"location,omitempty"`
	LastFixUTC  string              `json:"last_fix_utc,omitempty"`
	Connects    uint64              `json:"connects"`
	Disconnects uint64              `json:"disconnects"`
	Fixes       uint64              `json:"fixes"`
	NoFix       uint64              `json:"no_fix"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:     "gpsbridge",
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		State:       s.state.Load().(string),
		Device:      s.device.Load().(string),
		Line:        s.line.Load().(string),
		Autobaud:    s.autobaud.Load().(AutobaudResult),
		Location:    s.location.Load(),
		Connects:    s.connects.Load(),
		Disconnects: s.disconnects.Load(),
		Fixes:       s.fixes.Load(),
		NoFix:       s.unknown.Load(),
	}
	if last := atomic.LoadInt64(&s.lastFixNano); last != 0 {
		snap.LastFixUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
