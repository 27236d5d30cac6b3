// Package transport supervises the link to a USB GPS receiver: it connects
// and reconnects the serial controller, negotiates the line rate, runs the
// decode engine on the link and relays what it learns to a Consumer.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gpsbridge/internal/autobaud"
	"gpsbridge/internal/decode"
	"gpsbridge/internal/serial"
)

const DefaultReconnectInterval = 2 * time.Second

type Options struct {
	// ReconnectInterval is the fixed wait between connect attempts.
	ReconnectInterval time.Duration

	// NewEngine builds the decode engine once, at construction. Defaults to
	// decode.New with no init commands.
	NewEngine func(h decode.Handler) (Engine, error)

	// NewAutobaud defaults to autobaud.New.
	NewAutobaud func(cb autobaud.Callbacks, opts autobaud.Options) *autobaud.Task
	Autobaud    autobaud.Options

	// OnStateChange, if set, is called after every transition, outside the
	// supervisor lock.
	OnStateChange func(from, to State)

	Logger *zap.Logger
}

type Supervisor struct {
	consumer Consumer
	open     OpenFunc
	opts     Options
	log      *zap.Logger

	engine      Engine
	releaseOnce sync.Once
	released    atomic.Bool

	started    atomic.Bool
	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	firstFix atomic.Bool

	// mu guards the fields below. It is never held across Attach, the decode
	// loop, the backoff wait or a Consumer call.
	mu    sync.Mutex
	state State
	ctrl  Controller
	task  *autobaud.Task
	line  serial.LineConfig
}

// New builds a supervisor in StateIdle. The decode engine is created here; a
// failure to create it is returned and the supervisor is unusable.
func New(c Consumer, open OpenFunc, opts Options) (*Supervisor, error) {
	if c == nil {
		return nil, errors.New("transport: consumer is nil")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewAutobaud == nil {
		opts.NewAutobaud = autobaud.New
	}
	if opts.Autobaud.Logger == nil {
		opts.Autobaud.Logger = opts.Logger.Named("autobaud")
	}
	if opts.NewEngine == nil {
		log := opts.Logger.Named("decode")
		opts.NewEngine = func(h decode.Handler) (Engine, error) {
			return decode.New(h, decode.Config{Logger: log})
		}
	}
	if open == nil {
		open = func(h serial.DeviceHandle) (Controller, error) {
			ctrl, err := serial.Open(h, serial.Options{Logger: opts.Logger.Named("serial")})
			if err != nil {
				return nil, err
			}
			return ctrl, nil
		}
	}

	s := &Supervisor{
		consumer: c,
		open:     open,
		opts:     opts,
		log:      opts.Logger,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	engine, err := opts.NewEngine(engineBridge{s})
	if err != nil {
		return nil, fmt.Errorf("transport: create decode engine: %w", err)
	}
	s.engine = engine
	return s, nil
}

// Start launches the supervisor goroutine. It runs until Cancel.
func (s *Supervisor) Start() error {
	if s.released.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.run()
	return nil
}

// Cancel stops the supervisor from any goroutine, at any time. An attached
// controller is detached at once, which ends a blocked decode loop. Repeated
// calls, or calls after the run ended, do nothing.
func (s *Supervisor) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled.Store(true)
		close(s.cancelCh)
		if s.ctrl != nil {
			if err := s.ctrl.Detach(); err != nil {
				s.log.Warn("transport: detach on cancel failed", zap.Error(err))
			}
		}
		s.mu.Unlock()
		s.log.Info("transport: cancel requested")
	})
}

// Wait blocks until the run has ended. It returns at once if Start was never
// called.
func (s *Supervisor) Wait() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

// Done is closed when the run has ended.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Close cancels, waits for the run to end and releases the decode engine.
// Safe to call more than once.
func (s *Supervisor) Close() error {
	s.Cancel()
	if s.started.CompareAndSwap(false, true) {
		// Never started; make Wait and Done agree with a finished run.
		s.mu.Lock()
		old := s.setStateLocked(StateCancelled)
		s.mu.Unlock()
		s.stateChanged(old, StateCancelled)
		close(s.done)
	}
	<-s.done

	var err error
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		err = s.engine.Close()
		s.log.Debug("transport: engine released")
	})
	return err
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LineConfig is the configuration of the current connection, including the
// rate autobaud settled on.
func (s *Supervisor) LineConfig() serial.LineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line
}

// ApplyLineConfig reconfigures the live connection, such as a fallback rate
// chosen after a failed negotiation. It fails with ErrNotConnected unless
// the supervisor is Connected, and with ErrAutobaudRunning while a
// negotiation owns the line.
func (s *Supervisor) ApplyLineConfig(lc serial.LineConfig) error {
	s.mu.Lock()
	if s.state != StateConnected || s.ctrl == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.task != nil {
		s.mu.Unlock()
		return ErrAutobaudRunning
	}
	ctrl := s.ctrl
	s.mu.Unlock()

	if err := ctrl.SetLineConfig(lc); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ctrl == ctrl {
		s.line = lc
	}
	s.mu.Unlock()
	return nil
}

// Write sends b to the device. It is a best-effort side channel: it fails
// with ErrNotConnected unless the supervisor is Connected.
func (s *Supervisor) Write(b []byte) error {
	s.mu.Lock()
	if s.state != StateConnected || s.ctrl == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	out := s.ctrl.Output()
	s.mu.Unlock()

	if _, err := out.Write(b); err != nil {
		s.log.Warn("transport: write failed", zap.Int("bytes", len(b)), zap.Error(err))
		return err
	}
	return nil
}

// Stats never blocks on the decode loop. After Close it returns a zero
// snapshot.
func (s *Supervisor) Stats() decode.Stats {
	if s.released.Load() {
		return decode.Stats{}
	}
	return s.engine.Stats()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	old := s.setStateLocked(st)
	s.mu.Unlock()
	s.stateChanged(old, st)
}

func (s *Supervisor) setStateLocked(st State) State {
	old := s.state
	s.state = st
	return old
}

func (s *Supervisor) stateChanged(old, st State) {
	if old == st {
		return
	}
	s.log.Debug("setState " + old.String() + " -> " + st.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(old, st)
	}
}

// notify delivers a Consumer event unless cancellation was requested.
func (s *Supervisor) notify(fn func(c Consumer)) {
	if s.cancelled.Load() {
		return
	}
	fn(s.consumer)
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.teardown()

	s.setState(StateConnecting)
	for {
		ctrl, line, err := s.connect()
		if err != nil {
			return
		}
		began := time.Now()
		if err := s.session(ctrl, line); err != nil {
			return
		}
		// A link that drops right after connecting would otherwise spin.
		if time.Since(began) < s.opts.ReconnectInterval && !s.backoff() {
			return
		}
	}
}

// connect retries until a controller is attached or cancellation is
// requested. There is no retry limit.
func (s *Supervisor) connect() (Controller, serial.LineConfig, error) {
	for attempt := 1; ; attempt++ {
		if s.cancelled.Load() {
			return nil, serial.LineConfig{}, errCancelRequested
		}
		ctrl, line, err := s.attach()
		if err == nil {
			s.log.Info("transport: connected",
				zap.Int("attempt", attempt),
				zap.String("line", line.String()))
			return ctrl, line, nil
		}
		if s.cancelled.Load() {
			return nil, serial.LineConfig{}, errCancelRequested
		}
		s.log.Debug("transport: connect failed", zap.Int("attempt", attempt), zap.Error(err))
		s.setState(StateReconnecting)
		if !s.backoff() {
			return nil, serial.LineConfig{}, errCancelRequested
		}
	}
}

// attach opens and attaches one controller. The controller is published
// under the lock before Attach so that a concurrent Cancel detaches it.
func (s *Supervisor) attach() (Controller, serial.LineConfig, error) {
	h := s.consumer.DeviceHandle()
	line := s.consumer.LineConfig()

	ctrl, err := s.open(h)
	if err != nil {
		return nil, line, err
	}
	if err := ctrl.SetLineConfig(line); err != nil {
		_ = ctrl.Detach()
		return nil, line, err
	}

	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		_ = ctrl.Detach()
		return nil, line, errCancelRequested
	}
	s.ctrl = ctrl
	s.mu.Unlock()

	if err := ctrl.Attach(); err != nil {
		s.mu.Lock()
		if s.ctrl == ctrl {
			s.ctrl = nil
		}
		s.mu.Unlock()
		_ = ctrl.Detach()
		return nil, line, err
	}

	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		return nil, line, errCancelRequested
	}
	s.line = line
	old := s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.stateChanged(old, StateConnected)
	return ctrl, line, nil
}

// backoff waits ReconnectInterval. It returns false if cancellation cut the
// wait short.
func (s *Supervisor) backoff() bool {
	t := time.NewTimer(s.opts.ReconnectInterval)
	defer t.Stop()
	select {
	case <-s.cancelCh:
		return false
	case <-t.C:
		return true
	}
}

// session runs one connection until the decode loop ends. It returns
// errCancelRequested if the loop ended because of Cancel.
func (s *Supervisor) session(ctrl Controller, line serial.LineConfig) error {
	s.notify(Consumer.OnConnected)
	s.notify(Consumer.OnAutoconfStarted)
	s.negotiate(ctrl, line)

	s.mu.Lock()
	in, out := ctrl.Input(), ctrl.Output()
	s.mu.Unlock()

	err := s.engine.Run(in, out)
	if s.cancelled.Load() {
		return errCancelRequested
	}
	s.log.Info("transport: device lost", zap.Error(err))

	s.mu.Lock()
	task := s.task
	s.task = nil
	if s.ctrl == ctrl {
		s.ctrl = nil
	}
	old := s.setStateLocked(StateReconnecting)
	s.mu.Unlock()
	s.stateChanged(old, StateReconnecting)

	if task != nil {
		task.Stop()
	}
	if err := ctrl.Detach(); err != nil {
		s.log.Debug("transport: detach failed", zap.Error(err))
	}
	s.notify(Consumer.OnDisconnected)
	return nil
}

// negotiate settles the line rate. With autobaud disabled the configured
// rate is reported as if a task had found it.
func (s *Supervisor) negotiate(ctrl Controller, line serial.LineConfig) {
	if !line.AutoBaud {
		s.autobaudDone(line, true)
		return
	}

	task := s.opts.NewAutobaud(&handoff{s: s, ctrl: ctrl, line: line}, s.opts.Autobaud)
	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		return
	}
	s.task = task
	s.mu.Unlock()

	s.engine.SetMessageCallbackActive(true)
	task.Start()
}

// finishAutobaud handles a task outcome. Outcomes of a task that is no
// longer current are dropped.
func (s *Supervisor) finishAutobaud(task *autobaud.Task, lc serial.LineConfig, ok bool) {
	s.mu.Lock()
	if s.task != task {
		s.mu.Unlock()
		s.log.Debug("transport: stale autobaud outcome ignored")
		return
	}
	s.task = nil
	ctrl := s.ctrl
	s.mu.Unlock()

	// A failed task leaves the device at its last candidate rate; lc is then
	// the line the task started from.
	if ctrl != nil {
		if err := ctrl.SetLineConfig(lc); err != nil {
			s.log.Warn("transport: apply line rate failed", zap.Int("baud", lc.BaudRate), zap.Bool("autobaud_ok", ok), zap.Error(err))
		}
	}
	s.autobaudDone(lc, ok)
}

func (s *Supervisor) autobaudDone(lc serial.LineConfig, ok bool) {
	s.engine.SetMessageCallbackActive(false)
	s.mu.Lock()
	s.line = lc
	s.mu.Unlock()
	if !ok {
		s.notify(Consumer.OnAutobaudFailed)
		return
	}
	s.notify(func(c Consumer) { c.OnAutobaudCompleted(lc.BaudRate) })
}

// teardown runs on every exit of the run loop. A running autobaud task is
// asked to stop but not waited for.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	task := s.task
	s.task = nil
	ctrl := s.ctrl
	s.ctrl = nil
	old := s.setStateLocked(StateCancelled)
	s.mu.Unlock()
	s.stateChanged(old, StateCancelled)

	if task != nil {
		task.Stop()
	}
	if ctrl != nil {
		_ = ctrl.Detach()
	}
	s.log.Info("transport: stopped")
}
