// Package autobaud finds the line rate a GPS receiver is talking at by
// cycling through the standard rates and watching how much of the stream
// frames cleanly.
package autobaud

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/serial"
)

const (
	DefaultWindow      = 2 * time.Second
	DefaultRounds      = 2
	DefaultMinMessages = 3
)

// Callbacks is how a Task reaches its owner. The outcome callbacks run on the
// task goroutine and carry the task so the owner can ignore a task it has
// already replaced.
type Callbacks interface {
	LineConfig() serial.LineConfig
	ApplyLineConfig(lc serial.LineConfig) error
	OnAutobaudCompleted(t *Task, baud int)
	OnAutobaudFailed(t *Task)
}

type Options struct {
	// Window is how long each candidate rate is observed.
	Window time.Duration
	// Rounds is the number of passes over all candidates before giving up.
	Rounds int
	// MinMessages is the number of framed messages that confirms a rate.
	MinMessages int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Rounds <= 0 {
		o.Rounds = DefaultRounds
	}
	if o.MinMessages <= 0 {
		o.MinMessages = DefaultMinMessages
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type tally struct {
	messages  int
	goodBytes int
	junkBytes int
}

// Task reports exactly one of OnAutobaudCompleted or OnAutobaudFailed,
// unless it is stopped first.
type Task struct {
	cb   Callbacks
	opts Options
	log  *zap.Logger

	started  atomic.Bool
	reported atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu    sync.Mutex
	t     tally
	found chan struct{}
}

func New(cb Callbacks, opts Options) *Task {
	opts = opts.withDefaults()
	return &Task{
		cb:    cb,
		opts:  opts,
		log:   opts.Logger,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		found: make(chan struct{}, 1),
	}
}

// Start launches the task goroutine. Only the first call has an effect.
func (t *Task) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

// Stop asks the task to end without reporting. It does not wait; use Done
// for that.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed when the task goroutine has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// OnMessage feeds one framed chunk from the decode engine.
func (t *Task) OnMessage(buf []byte, offset, length int, typ decode.MessageType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch typ {
	case decode.MessageNMEA, decode.MessageUBX:
		t.t.messages++
		t.t.goodBytes += length
	default:
		t.t.junkBytes += length
	}
	if t.t.messages >= t.opts.MinMessages && t.t.goodBytes >= t.t.junkBytes {
		select {
		case t.found <- struct{}{}:
		default:
		}
	}
}

func (t *Task) resetTally() {
	t.mu.Lock()
	t.t = tally{}
	select {
	case <-t.found:
	default:
	}
	t.mu.Unlock()
}

func (t *Task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// candidates lists the current rate first, then the remaining standard rates.
func candidates(current int) []int {
	out := make([]int, 0, len(serial.StandardBaudRates)+1)
	if current > 0 {
		out = append(out, current)
	}
	for _, b := range serial.StandardBaudRates {
		if b != current {
			out = append(out, b)
		}
	}
	return out
}

func (t *Task) run() {
	defer close(t.done)

	base := t.cb.LineConfig()
	cands := candidates(base.BaudRate)
	t.log.Info("autobaud: started", zap.Ints("candidates", cands), zap.Duration("window", t.opts.Window))

	timer := time.NewTimer(t.opts.Window)
	defer timer.Stop()

	for round := 0; round < t.opts.Rounds; round++ {
		for _, baud := range cands {
			if t.stopped() {
				t.log.Debug("autobaud: stopped")
				return
			}
			t.resetTally()
			if err := t.cb.ApplyLineConfig(base.WithBaudRate(baud)); err != nil {
				t.log.Warn("autobaud: apply failed", zap.Int("baud", baud), zap.Error(err))
				continue
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.opts.Window)

			select {
			case <-t.stop:
				t.log.Debug("autobaud: stopped")
				return
			case <-t.found:
				t.log.Info("autobaud: rate found", zap.Int("baud", baud), zap.Int("round", round+1))
				t.report(func() { t.cb.OnAutobaudCompleted(t, baud) })
				return
			case <-timer.C:
				t.mu.Lock()
				tl := t.t
				t.mu.Unlock()
				t.log.Debug("autobaud: rate rejected",
					zap.Int("baud", baud),
					zap.Int("messages", tl.messages),
					zap.Int("good_bytes", tl.goodBytes),
					zap.Int("junk_bytes", tl.junkBytes))
			}
		}
	}
	t.log.Warn("autobaud: no rate found", zap.Int("rounds", t.opts.Rounds))
	t.report(func() { t.cb.OnAutobaudFailed(t) })
}

func (t *Task) report(fn func()) {
	if t.stopped() {
		return
	}
	if !t.reported.CompareAndSwap(false, true) {
		return
	}
	fn()
}
