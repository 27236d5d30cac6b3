package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gpsbridge/internal/autobaud"
	"gpsbridge/internal/config"
	"gpsbridge/internal/datalogger"
	"gpsbridge/internal/decode"
	"gpsbridge/internal/events"
	"gpsbridge/internal/led"
	"gpsbridge/internal/serial"
	"gpsbridge/internal/transport"
	"gpsbridge/internal/udp"
	"gpsbridge/internal/web"
)

const flushInterval = 5 * time.Second

// app owns every long-lived component of the process.
type app struct {
	cfg  config.Config
	log  *zap.Logger
	logs *web.LogBuffer

	hub    *events.Hub
	status *web.Status
	bridge *bridge
	sup    *transport.Supervisor

	dlog      *datalogger.Logger
	forwarder *udp.Forwarder
	indicator *led.Indicator
}

// newApp builds the components. The supervisor is not started.
func newApp(cfg config.Config, log *zap.Logger, logs *web.LogBuffer) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		log:    log,
		logs:   logs,
		hub:    events.NewHub(64),
		status: web.NewStatus(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close())
		}
	}()

	device := cfg.DeviceHandle()
	line := cfg.LineConfig()
	a.status.SetStatic(device.String(), line.String())
	a.bridge = newBridge(device, line, cfg.Serial.AutobaudFallbackBaud, a.status, a.hub, log.Named("bridge"))

	if cfg.DataLogger.Enable {
		a.dlog, err = datalogger.Open(datalogger.Config{
			Format: datalogger.Format(cfg.DataLogger.Format),
			Dir:    cfg.DataLogger.Dir,
			Prefix: cfg.DataLogger.Prefix,
		}, log.Named("datalogger"))
		if err != nil {
			return nil, err
		}
		a.bridge.locs = a.dlog
		a.bridge.rec = a.dlog
	}
	if cfg.Forward.UDPDest != "" {
		a.forwarder, err = udp.NewForwarder(cfg.Forward.UDPDest, log.Named("udp"))
		if err != nil {
			return nil, err
		}
	}
	if cfg.LED.Enable {
		// A missing LED is not worth refusing to run over.
		ind, lerr := led.Open(cfg.LED.Pin, log.Named("led"))
		if lerr != nil {
			log.Warn("led unavailable", zap.Int("pin", cfg.LED.Pin), zap.Error(lerr))
		} else {
			a.indicator = ind
			a.bridge.led = ind
		}
	}

	serialOpts := serial.Options{
		Backend: serial.Backend(cfg.Serial.Backend),
		Replay: serial.ReplayOptions{
			Path:  cfg.Serial.Replay.Path,
			Speed: cfg.Serial.Replay.Speed,
			Loop:  cfg.Serial.Replay.Loop,
		},
		Logger: log.Named("serial"),
	}
	open := func(h serial.DeviceHandle) (transport.Controller, error) {
		ctrl, err := serial.Open(h, serialOpts)
		if err != nil {
			return nil, err
		}
		return ctrl, nil
	}

	a.sup, err = transport.New(a.bridge, open, transport.Options{
		ReconnectInterval: cfg.Supervisor.ReconnectInterval,
		NewEngine:         a.newEngine,
		Autobaud: autobaud.Options{
			Window: cfg.Supervisor.AutobaudWindow,
			Rounds: cfg.Supervisor.AutobaudRounds,
			Logger: log.Named("autobaud"),
		},
		OnStateChange: a.bridge.stateChanged,
		Logger:        log.Named("transport"),
	})
	if err != nil {
		return nil, err
	}
	a.bridge.live = a.sup
	return a, nil
}

func (a *app) newEngine(h decode.Handler) (transport.Engine, error) {
	e, err := decode.New(h, decode.Config{
		InitCommands: a.cfg.Serial.InitCommands,
		Logger:       a.log.Named("decode"),
	})
	if err != nil {
		return nil, err
	}
	if a.dlog != nil {
		e.AddTap(a.dlog)
	}
	if a.forwarder != nil {
		e.AddTap(a.forwarder)
	}
	return e, nil
}

// run starts the supervisor and blocks until ctx is done or the web server
// fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.sup.Start(); err != nil {
		return err
	}
	a.log.Info("gpsbridge starting",
		zap.String("device", a.cfg.DeviceHandle().String()),
		zap.String("line", a.cfg.LineConfig().String()),
		zap.String("backend", a.cfg.Serial.Backend))

	errCh := make(chan error, 1)
	if listen := a.cfg.WebListen(); listen != "" {
		h := web.Handler(a.status, a.sup, a.sup, a.logs, a.hub, a.log.Named("web"))
		go func() {
			err := web.Serve(ctx, listen, h, a.log.Named("web"))
			if err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("gpsbridge stopping")
			return nil
		case err := <-errCh:
			a.log.Error("web server stopped", zap.Error(err))
			return err
		case <-flush.C:
			if a.dlog != nil {
				if err := a.dlog.Flush(); err != nil && !errors.Is(err, datalogger.ErrClosed) {
					a.log.Warn("datalogger flush failed", zap.Error(err))
				}
			}
		}
	}
}

// close tears everything down in reverse order of use. Safe on a partly
// built app.
func (a *app) close() error {
	var err error
	if a.sup != nil {
		err = multierr.Append(err, a.sup.Close())
	}
	if a.dlog != nil {
		err = multierr.Append(err, a.dlog.Close())
	}
	if a.forwarder != nil {
		err = multierr.Append(err, a.forwarder.Close())
	}
	if a.indicator != nil {
		err = multierr.Append(err, a.indicator.Close())
	}
	a.hub.Close()
	return err
}
