package transport

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpsbridge/internal/autobaud"
	"gpsbridge/internal/decode"
	"gpsbridge/internal/serial"
)

var (
	errBusy     = errors.New("device busy")
	errNoDevice = errors.New("no device")
)

type fakeController struct {
	attachErr error

	mu       sync.Mutex
	line     serial.LineConfig
	lines    []serial.LineConfig
	attached bool
	detached bool
	detachN  int
	out      bytes.Buffer

	gone      chan struct{}
	goneOnce  sync.Once
	unplugged atomic.Bool
}

func newFakeController(attachErr error) *fakeController {
	return &fakeController{attachErr: attachErr, gone: make(chan struct{})}
}

func (c *fakeController) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return serial.ErrDetached
	}
	if c.attachErr != nil {
		return c.attachErr
	}
	c.attached = true
	return nil
}

func (c *fakeController) Detach() error {
	c.mu.Lock()
	c.detached = true
	c.attached = false
	c.detachN++
	c.mu.Unlock()
	c.goneOnce.Do(func() { close(c.gone) })
	return nil
}

// unplug makes a blocked Read fail the way a removed device does.
func (c *fakeController) unplug() {
	c.unplugged.Store(true)
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *fakeController) Input() io.Reader { return fakeInput{c} }
func (c *fakeController) Output() io.Writer { return fakeOutput{c} }

func (c *fakeController) SetLineConfig(lc serial.LineConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line = lc
	c.lines = append(c.lines, lc)
	return nil
}

func (c *fakeController) baud() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line.BaudRate
}

func (c *fakeController) detachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detachN
}

func (c *fakeController) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

type fakeInput struct{ c *fakeController }

func (in fakeInput) Read([]byte) (int, error) {
	<-in.c.gone
	if in.c.unplugged.Load() {
		return 0, io.EOF
	}
	return 0, serial.ErrDetached
}

type fakeOutput struct{ c *fakeController }

func (out fakeOutput) Write(b []byte) (int, error) {
	out.c.mu.Lock()
	defer out.c.mu.Unlock()
	if out.c.detached {
		return 0, serial.ErrDetached
	}
	return out.c.out.Write(b)
}

type fakeEngine struct {
	h   decode.Handler
	run func(e *fakeEngine, in io.Reader, out io.Writer) error

	runs   atomic.Int32
	closes atomic.Int32
	active atomic.Bool
	stats  decode.Stats
}

func (e *fakeEngine) Run(in io.Reader, out io.Writer) error {
	e.runs.Add(1)
	if e.run != nil {
		return e.run(e, in, out)
	}
	_, err := in.Read(make([]byte, 64))
	return err
}

func (e *fakeEngine) Stats() decode.Stats { return e.stats }
func (e *fakeEngine) SetMessageCallbackActive(on bool) { e.active.Store(on) }
func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	return nil
}

type recordingConsumer struct {
	device serial.DeviceHandle
	line   serial.LineConfig
	events chan string

	mu     sync.Mutex
	locs   []Location
	firsts []Location

	panicOnLocation bool
}

func newRecordingConsumer(line serial.LineConfig) *recordingConsumer {
	return &recordingConsumer{line: line, events: make(chan string, 256)}
}

func (c *recordingConsumer) OnConnected() { c.events <- "connected" }
func (c *recordingConsumer) OnDisconnected() { c.events <- "disconnected" }
func (c *recordingConsumer) OnLocationUnknown() { c.events <- "location_unknown" }
func (c *recordingConsumer) OnAutoconfStarted() { c.events <- "autoconf_started" }
func (c *recordingConsumer) OnAutobaudFailed() { c.events <- "autobaud_failed" }

func (c *recordingConsumer) OnAutobaudCompleted(baud int) {
	c.events <- "autobaud_completed:" + strconv.Itoa(baud)
}

func (c *recordingConsumer) OnLocationReceived(loc Location) {
	if c.panicOnLocation {
		panic("consumer blew up")
	}
	c.mu.Lock()
	c.locs = append(c.locs, loc)
	c.mu.Unlock()
	c.events <- "location"
}

func (c *recordingConsumer) OnFirstLocationReceived(loc Location) {
	c.mu.Lock()
	c.firsts = append(c.firsts, loc)
	c.mu.Unlock()
	c.events <- "first_location"
}

func (c *recordingConsumer) DeviceHandle() serial.DeviceHandle { return c.device }
func (c *recordingConsumer) LineConfig() serial.LineConfig { return c.line }

func expectEvents(t *testing.T, c *recordingConsumer, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-c.events:
			require.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func expectNoEvents(t *testing.T, c *recordingConsumer, d time.Duration) {
	t.Helper()
	select {
	case got := <-c.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(d):
	}
}

type harness struct {
	s      *Supervisor
	c      *recordingConsumer
	e      *fakeEngine
	states chan State

	openTimes []time.Time
	openMu    sync.Mutex

	autobauds atomic.Int32
	lastTask  atomic.Pointer[autobaud.Task]
}

type harnessOptions struct {
	line     serial.LineConfig
	interval time.Duration
	open     func(n int) (Controller, error)
	run      func(e *fakeEngine, in io.Reader, out io.Writer) error
	autobaud autobaud.Options
	logger   *zap.Logger
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	if ho.line.BaudRate == 0 {
		ho.line = serial.DefaultLineConfig()
	}
	if ho.interval == 0 {
		ho.interval = 20 * time.Millisecond
	}
	h := &harness{
		c:      newRecordingConsumer(ho.line),
		e:      &fakeEngine{run: ho.run},
		states: make(chan State, 64),
	}
	h.e.active.Store(true)

	open := func(serial.DeviceHandle) (Controller, error) {
		h.openMu.Lock()
		h.openTimes = append(h.openTimes, time.Now())
		n := len(h.openTimes)
		h.openMu.Unlock()
		if ho.open == nil {
			return nil, errNoDevice
		}
		return ho.open(n)
	}

	s, err := New(h.c, open, Options{
		ReconnectInterval: ho.interval,
		NewEngine: func(dh decode.Handler) (Engine, error) {
			h.e.h = dh
			return h.e, nil
		},
		NewAutobaud: func(cb autobaud.Callbacks, opts autobaud.Options) *autobaud.Task {
			h.autobauds.Add(1)
			task := autobaud.New(cb, opts)
			h.lastTask.Store(task)
			return task
		},
		Autobaud:      ho.autobaud,
		OnStateChange: func(_, to State) { h.states <- to },
		Logger:        ho.logger,
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) opens() []time.Time {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	return append([]time.Time(nil), h.openTimes...)
}

func (h *harness) waitOpens(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.opens()) >= n }, 2*time.Second, time.Millisecond)
}

func expectStates(t *testing.T, h *harness, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-h.states:
			require.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state %v", w)
		}
	}
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
}

func validFix() decode.Fix {
	return decode.Fix{
		Time:        time.Date(2024, 3, 23, 12, 35, 19, 0, time.UTC),
		Latitude:    48.1173,
		Longitude:   11.516667,
		Altitude:    545.4,
		HasAltitude: true,
		Accuracy:    4.5,
		HasAccuracy: true,
		Bearing:     84.4,
		HasBearing:  true,
		Speed:       11.5,
		HasSpeed:    true,
		Satellites:  8,
		Valid:       true,
	}
}
