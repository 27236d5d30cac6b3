package main

import (
	"errors"
	"testing"
	"time"

	"gpsbridge/internal/events"
	"gpsbridge/internal/led"
	"gpsbridge/internal/serial"
	"gpsbridge/internal/transport"
	"gpsbridge/internal/web"
)

type recordedLocations struct{ locs []transport.Location }

func (r *recordedLocations) LogLocation(loc transport.Location) { r.locs = append(r.locs, loc) }

type recordedModes struct{ modes []led.Mode }

func (r *recordedModes) SetMode(m led.Mode) { r.modes = append(r.modes, m) }

type countedSessions struct{ n int }

func (c *countedSessions) StartSession() { c.n++ }

type recordedLines struct {
	err   error
	lines []serial.LineConfig
}

func (r *recordedLines) ApplyLineConfig(lc serial.LineConfig) error {
	r.lines = append(r.lines, lc)
	return r.err
}

func newTestBridge(t *testing.T, fallback int) (*bridge, *events.Hub, <-chan events.Event) {
	t.Helper()
	hub := events.NewHub(32)
	t.Cleanup(hub.Close)
	ch, unsub := hub.Subscribe()
	t.Cleanup(unsub)
	line := serial.DefaultLineConfig().WithAutoBaud(true)
	b := newBridge(serial.DeviceHandle{Path: "/dev/ttyACM0"}, line, fallback, web.NewStatus(), hub, nil)
	b.now = func() time.Time { return time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC) }
	return b, hub, ch
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func TestBridge_AutobaudFailureFallsBackForOneCycle(t *testing.T) {
	b, _, _ := newTestBridge(t, 4800)

	b.OnAutobaudFailed()
	got := b.LineConfig()
	if got.BaudRate != 4800 || got.AutoBaud {
		t.Fatalf("line after failure=%v want 4800 without autobaud", got)
	}

	// A rate reported while in fallback does not replace the fallback.
	b.OnAutobaudCompleted(4800)
	if got := b.LineConfig(); got.AutoBaud {
		t.Fatalf("line=%v want autobaud still off", got)
	}

	b.OnDisconnected()
	got = b.LineConfig()
	if got.BaudRate != 9600 || !got.AutoBaud {
		t.Fatalf("line after disconnect=%v want configured line", got)
	}
}

func TestBridge_AutobaudFailureAppliesFallbackLive(t *testing.T) {
	b, _, _ := newTestBridge(t, 4800)
	live := &recordedLines{}
	b.live = live

	b.OnAutobaudFailed()
	if len(live.lines) != 1 || live.lines[0].BaudRate != 4800 || live.lines[0].AutoBaud {
		t.Fatalf("applied=%v want one 4800 line without autobaud", live.lines)
	}
	if snap := b.status.Snapshot(time.Time{}); snap.Line != live.lines[0].String() {
		t.Fatalf("status line=%q want %q", snap.Line, live.lines[0].String())
	}
}

func TestBridge_FallbackNotAppliedLiveStillUsedOnReconnect(t *testing.T) {
	b, _, _ := newTestBridge(t, 4800)
	b.live = &recordedLines{err: transport.ErrNotConnected}

	b.OnAutobaudFailed()
	if got := b.LineConfig(); got.BaudRate != 4800 || got.AutoBaud {
		t.Fatalf("line=%v want 4800 without autobaud", got)
	}
}

func TestBridge_NoFallbackNeverTouchesLiveLine(t *testing.T) {
	b, _, _ := newTestBridge(t, 0)
	live := &recordedLines{err: errors.New("unexpected")}
	b.live = live
	b.OnAutobaudFailed()
	if len(live.lines) != 0 {
		t.Fatalf("applied=%v want none", live.lines)
	}
}

func TestBridge_AutobaudFailureWithoutFallbackKeepsLine(t *testing.T) {
	b, _, _ := newTestBridge(t, 0)
	before := b.LineConfig()
	b.OnAutobaudFailed()
	if got := b.LineConfig(); got != before {
		t.Fatalf("line=%v want %v", got, before)
	}
	snap := b.status.Snapshot(time.Time{})
	if snap.Autobaud.OK || snap.Autobaud.FinishedUTC == "" {
		t.Fatalf("autobaud=%+v", snap.Autobaud)
	}
}

func TestBridge_AutobaudCompletedRemembersRate(t *testing.T) {
	b, _, ch := newTestBridge(t, 0)
	b.OnAutobaudCompleted(38400)

	got := b.LineConfig()
	if got.BaudRate != 38400 || !got.AutoBaud {
		t.Fatalf("line=%v want 38400 with autobaud", got)
	}
	ev := nextEvent(t, ch)
	if ev.Type != events.TypeAutobaudCompleted {
		t.Fatalf("event=%+v", ev)
	}
	if data, ok := ev.Data.(map[string]int); !ok || data["baud"] != 38400 {
		t.Fatalf("data=%#v", ev.Data)
	}
	snap := b.status.Snapshot(time.Time{})
	if !snap.Autobaud.OK || snap.Autobaud.Baud != 38400 || snap.Line != "38400 8N1 autobaud" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestBridge_LocationsFanOut(t *testing.T) {
	b, _, ch := newTestBridge(t, 0)
	rec := &recordedLocations{}
	b.locs = rec

	loc := transport.Location{Latitude: 48.1173, Longitude: 11.516667}
	b.OnLocationReceived(loc)
	b.OnFirstLocationReceived(loc)
	b.OnLocationUnknown()

	if len(rec.locs) != 1 || rec.locs[0] != loc {
		t.Fatalf("logged=%+v", rec.locs)
	}
	for _, want := range []events.Type{events.TypeLocation, events.TypeFirstLocation, events.TypeLocationUnknown} {
		if ev := nextEvent(t, ch); ev.Type != want {
			t.Fatalf("event=%q want %q", ev.Type, want)
		}
	}
	snap := b.status.Snapshot(time.Time{})
	if snap.Location == nil || snap.Fixes != 1 || snap.NoFix != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestBridge_StateChangesDriveLEDAndStatus(t *testing.T) {
	b, _, ch := newTestBridge(t, 0)
	modes := &recordedModes{}
	b.led = modes

	b.stateChanged(transport.StateIdle, transport.StateConnecting)
	b.stateChanged(transport.StateConnecting, transport.StateConnected)
	b.stateChanged(transport.StateConnected, transport.StateCancelled)

	want := []led.Mode{led.Blink, led.On, led.Off}
	if len(modes.modes) != len(want) {
		t.Fatalf("modes=%v want %v", modes.modes, want)
	}
	for i := range want {
		if modes.modes[i] != want[i] {
			t.Fatalf("modes=%v want %v", modes.modes, want)
		}
	}
	if st := b.status.Snapshot(time.Time{}).State; st != "cancelled" {
		t.Fatalf("state=%q", st)
	}
	ev := nextEvent(t, ch)
	if data, ok := ev.Data.(map[string]string); ev.Type != events.TypeState || !ok || data["to"] != "connecting" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestBridge_ConnectEventsCount(t *testing.T) {
	b, _, ch := newTestBridge(t, 0)
	sessions := &countedSessions{}
	b.rec = sessions
	b.OnConnected()
	b.OnAutoconfStarted()
	b.OnDisconnected()
	if sessions.n != 1 {
		t.Fatalf("sessions=%d want 1", sessions.n)
	}
	for _, want := range []events.Type{events.TypeConnected, events.TypeAutoconfStarted, events.TypeDisconnected} {
		if ev := nextEvent(t, ch); ev.Type != want {
			t.Fatalf("event=%q want %q", ev.Type, want)
		}
	}
	snap := b.status.Snapshot(time.Time{})
	if snap.Connects != 1 || snap.Disconnects != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
