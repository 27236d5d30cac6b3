package main

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gpsbridge/internal/events"
	"gpsbridge/internal/led"
	"gpsbridge/internal/serial"
	"gpsbridge/internal/transport"
	"gpsbridge/internal/web"
)

type locationLogger interface {
	LogLocation(loc transport.Location)
}

type modeSetter interface {
	SetMode(m led.Mode)
}

type sessionMarker interface {
	StartSession()
}

type lineApplier interface {
	ApplyLineConfig(lc serial.LineConfig) error
}

// bridge is the process-side transport.Consumer. It fans supervisor events
// out to the web status, the event hub, the LED and the location logger.
type bridge struct {
	device       serial.DeviceHandle
	base         serial.LineConfig
	fallbackBaud int

	log    *zap.Logger
	now    func() time.Time
	status *web.Status
	hub    *events.Hub
	locs   locationLogger // may be nil
	led    modeSetter     // may be nil
	live   lineApplier    // may be nil
	rec    sessionMarker  // may be nil

	mu         sync.Mutex
	line       serial.LineConfig
	inFallback bool
}

func newBridge(device serial.DeviceHandle, line serial.LineConfig, fallbackBaud int, status *web.Status, hub *events.Hub, log *zap.Logger) *bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &bridge{
		device:       device,
		base:         line,
		fallbackBaud: fallbackBaud,
		log:          log,
		now:          time.Now,
		status:       status,
		hub:          hub,
		line:         line,
	}
}

func (b *bridge) DeviceHandle() serial.DeviceHandle { return b.device }

func (b *bridge) LineConfig() serial.LineConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line
}

func (b *bridge) OnConnected() {
	if b.rec != nil {
		b.rec.StartSession()
	}
	b.status.MarkConnected()
	b.status.SetStatic("", b.LineConfig().String())
	b.hub.Publish(events.TypeConnected, nil)
}

// OnDisconnected ends a fallback cycle; the next connect negotiates again.
func (b *bridge) OnDisconnected() {
	b.status.MarkDisconnected()
	b.mu.Lock()
	if b.inFallback {
		b.inFallback = false
		b.line = b.base
	}
	b.mu.Unlock()
	b.hub.Publish(events.TypeDisconnected, nil)
}

func (b *bridge) OnLocationReceived(loc transport.Location) {
	b.status.SetLocation(b.now().UTC(), loc)
	if b.locs != nil {
		b.locs.LogLocation(loc)
	}
	b.hub.Publish(events.TypeLocation, loc)
}

func (b *bridge) OnLocationUnknown() {
	b.status.MarkLocationUnknown()
	b.hub.Publish(events.TypeLocationUnknown, nil)
}

func (b *bridge) OnFirstLocationReceived(loc transport.Location) {
	b.log.Info("first fix",
		zap.Float64("lat", loc.Latitude),
		zap.Float64("lon", loc.Longitude),
		zap.Time("time", loc.Time))
	b.hub.Publish(events.TypeFirstLocation, loc)
}

func (b *bridge) OnAutoconfStarted() {
	b.hub.Publish(events.TypeAutoconfStarted, nil)
}

// OnAutobaudCompleted keeps the rate that worked so a reconnect tries it
// first.
func (b *bridge) OnAutobaudCompleted(baud int) {
	b.mu.Lock()
	if !b.inFallback {
		b.line = b.line.WithBaudRate(baud)
	}
	line := b.line
	b.mu.Unlock()

	b.status.SetAutobaud(b.now().UTC(), true, baud)
	b.status.SetStatic("", line.WithBaudRate(baud).String())
	b.log.Info("line rate settled", zap.Int("baud", baud))
	b.hub.Publish(events.TypeAutobaudCompleted, map[string]int{"baud": baud})
}

// OnAutobaudFailed moves to the fallback rate with autobaud off, when a
// fallback is configured. The rate is applied to the live connection and
// kept for reconnects until the next disconnect. If it cannot be applied
// live it takes effect on the next connect.
func (b *bridge) OnAutobaudFailed() {
	b.status.SetAutobaud(b.now().UTC(), false, 0)
	b.hub.Publish(events.TypeAutobaudFailed, nil)
	if b.fallbackBaud == 0 {
		b.log.Warn("autobaud failed")
		return
	}
	b.mu.Lock()
	b.inFallback = true
	b.line = b.base.WithBaudRate(b.fallbackBaud).WithAutoBaud(false)
	line := b.line
	b.mu.Unlock()

	if b.live == nil {
		b.log.Warn("autobaud failed, next connect uses fallback rate", zap.Int("baud", b.fallbackBaud))
		return
	}
	if err := b.live.ApplyLineConfig(line); err != nil {
		b.log.Warn("autobaud failed, fallback rate deferred to next connect", zap.Int("baud", b.fallbackBaud), zap.Error(err))
		return
	}
	b.status.SetStatic("", line.String())
	b.log.Warn("autobaud failed, using fallback rate", zap.Int("baud", b.fallbackBaud))
}

// stateChanged is the supervisor's OnStateChange hook.
func (b *bridge) stateChanged(from, to transport.State) {
	b.status.SetState(to)
	if b.led != nil {
		b.led.SetMode(led.ModeFor(to))
	}
	b.hub.Publish(events.TypeState, map[string]string{"from": from.String(), "to": to.String()})
}
