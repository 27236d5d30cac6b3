// Package led shows the link state on a GPIO status LED.
package led

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gpsbridge/internal/transport"
)

type Mode int

const (
	Off Mode = iota
	On
	Blink
)

func (m Mode) String() string {
	switch m {
	case On:
		return "on"
	case Blink:
		return "blink"
	default:
		return "off"
	}
}

// ModeFor maps a supervisor state to an LED mode: blinking while looking for
// the device, steady while connected, dark otherwise.
func ModeFor(st transport.State) Mode {
	switch st {
	case transport.StateConnecting, transport.StateReconnecting:
		return Blink
	case transport.StateConnected:
		return On
	default:
		return Off
	}
}

const DefaultBlinkPeriod = 500 * time.Millisecond

type output interface {
	Set(on bool) error
	Close() error
}

type Indicator struct {
	out    output
	log    *zap.Logger
	period time.Duration

	mu   sync.Mutex
	mode Mode

	modeCh    chan Mode
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open claims the GPIO pin (BCM numbering) and starts with the LED off.
func Open(pin int, log *zap.Logger) (*Indicator, error) {
	out, err := openLineFn(pin)
	if err != nil {
		return nil, err
	}
	return newIndicator(out, log, DefaultBlinkPeriod), nil
}

func newIndicator(out output, log *zap.Logger, period time.Duration) *Indicator {
	if log == nil {
		log = zap.NewNop()
	}
	i := &Indicator{
		out:    out,
		log:    log,
		period: period,
		modeCh: make(chan Mode, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go i.run()
	return i
}

// SetMode never blocks; the latest mode wins.
func (i *Indicator) SetMode(m Mode) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if m == i.mode {
		return
	}
	i.mode = m
	select {
	case <-i.modeCh:
	default:
	}
	i.modeCh <- m
}

func (i *Indicator) Mode() Mode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mode
}

func (i *Indicator) run() {
	defer close(i.done)

	mode := Off
	lit := false
	set := func(on bool) {
		if on == lit {
			return
		}
		if err := i.out.Set(on); err != nil {
			i.log.Debug("led: set failed", zap.Error(err))
			return
		}
		lit = on
	}
	// Start dark regardless of the line's initial value.
	if err := i.out.Set(false); err != nil {
		i.log.Debug("led: set failed", zap.Error(err))
	}

	ticker := time.NewTicker(i.period)
	defer ticker.Stop()
	for {
		select {
		case <-i.stop:
			return
		case mode = <-i.modeCh:
			switch mode {
			case On:
				set(true)
			case Off:
				set(false)
			case Blink:
				set(!lit)
			}
		case <-ticker.C:
			if mode == Blink {
				set(!lit)
			}
		}
	}
}

// Close turns the LED off and releases the line.
func (i *Indicator) Close() error {
	var err error
	i.closeOnce.Do(func() {
		close(i.stop)
		<-i.done
		err = i.out.Close()
	})
	return err
}
