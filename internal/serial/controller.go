// Package serial owns the serial line to the GPS receiver: device
// resolution, line configuration, and a Controller whose Detach may be called
// from any goroutine to unblock a reader stuck in Read.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrOpenFailed  = errors.New("serial: open failed")
	ErrDetached    = errors.New("serial: controller detached")
	ErrNotAttached = errors.New("serial: controller not attached")
)

type Backend string

const (
	BackendBugst   Backend = "bugst"
	BackendTermios Backend = "termios"
	BackendTarm    Backend = "tarm"
	BackendReplay  Backend = "replay"
)

// ParseBackend maps a config string to a Backend. Empty means bugst.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendBugst, nil
	case BackendBugst, BackendTermios, BackendTarm, BackendReplay:
		return b, nil
	default:
		return "", fmt.Errorf("unknown serial backend %q", s)
	}
}

type ReplayOptions struct {
	Path  string
	Speed float64
	Loop  bool
}

type Options struct {
	Backend Backend
	Replay  ReplayOptions
	Logger  *zap.Logger
}

// port is an open device as returned by a backend.
type port interface {
	io.ReadWriter
	Close() error
}

// reconfigurer is implemented by ports that can change line settings while
// open. Ports without it are closed and reopened by SetLineConfig.
type reconfigurer interface {
	SetLine(lc LineConfig) error
}

type opener func(path string, lc LineConfig) (port, error)

var openerFn = backendOpener

func backendOpener(opts Options) (opener, error) {
	switch opts.Backend {
	case "", BackendBugst:
		return openBugst, nil
	case BackendTermios:
		return openTermios, nil
	case BackendTarm:
		return openTarm, nil
	case BackendReplay:
		r := opts.Replay
		return func(string, LineConfig) (port, error) { return openReplay(r) }, nil
	default:
		return nil, fmt.Errorf("unknown serial backend %q", opts.Backend)
	}
}

// Controller is a single-use handle on one device: Attach opens it, Detach
// closes it for good. Input and Output stay valid for the controller's
// lifetime and fail with ErrDetached once detached.
type Controller struct {
	path    string
	backend Backend
	open    opener
	log     *zap.Logger

	mu       sync.Mutex
	line     LineConfig
	port     port
	gen      uint64
	attached bool
	detached bool
}

// Open resolves the device named by h and returns an unattached controller.
func Open(h DeviceHandle, opts Options) (*Controller, error) {
	open, err := openerFn(opts)
	if err != nil {
		return nil, err
	}
	path := opts.Replay.Path
	if opts.Backend != BackendReplay {
		path, err = Resolve(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		path:    path,
		backend: opts.Backend,
		open:    open,
		log:     log,
		line:    DefaultLineConfig(),
	}, nil
}

func (c *Controller) Path() string { return c.path }

func (c *Controller) LineConfig() LineConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line
}

func (c *Controller) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// Attach opens the device. The open runs without the controller lock, so a
// concurrent Detach returns at once and Attach then fails with ErrDetached.
func (c *Controller) Attach() error {
	for {
		c.mu.Lock()
		if c.detached {
			c.mu.Unlock()
			return ErrDetached
		}
		if c.attached {
			c.mu.Unlock()
			return nil
		}
		line := c.line
		c.mu.Unlock()

		p, err := c.open(c.path, line)
		if err != nil {
			return fmt.Errorf("%w: %s (%s): %w", ErrOpenFailed, c.path, line, err)
		}

		c.mu.Lock()
		switch {
		case c.detached:
			c.mu.Unlock()
			_ = p.Close()
			return ErrDetached
		case c.attached:
			c.mu.Unlock()
			_ = p.Close()
			return nil
		case c.line != line:
			// SetLineConfig ran during the open; open again at the new line.
			c.mu.Unlock()
			_ = p.Close()
			continue
		}
		c.port = p
		c.gen++
		c.attached = true
		c.mu.Unlock()
		c.log.Info("serial: attached", zap.String("device", c.path), zap.String("line", line.String()))
		return nil
	}
}

// Detach closes the device. Safe to call repeatedly and concurrently with
// Read/Write, which return ErrDetached afterwards.
func (c *Controller) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil
	}
	c.detached = true
	c.attached = false
	p := c.port
	c.port = nil
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	c.log.Info("serial: detached", zap.String("device", c.path))
	return p.Close()
}

// SetLineConfig records lc and applies it to the open port, if any.
func (c *Controller) SetLineConfig(lc LineConfig) error {
	if err := lc.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line = lc
	if !c.attached || c.port == nil {
		return nil
	}
	if r, ok := c.port.(reconfigurer); ok {
		return r.SetLine(lc)
	}

	// Reopen. Readers blocked on the old port wake with an error, see the
	// generation change and continue on the new one.
	_ = c.port.Close()
	c.gen++
	p, err := c.open(c.path, lc)
	if err != nil {
		c.port = nil
		c.attached = false
		c.detached = true
		return fmt.Errorf("serial: reopen %s (%s): %w", c.path, lc, err)
	}
	c.port = p
	c.log.Debug("serial: reopened", zap.String("device", c.path), zap.String("line", lc.String()))
	return nil
}

func (c *Controller) Input() io.Reader  { return inputChannel{c} }
func (c *Controller) Output() io.Writer { return outputChannel{c} }

func (c *Controller) current() (port, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil, 0, ErrDetached
	}
	if c.port == nil {
		return nil, 0, ErrNotAttached
	}
	return c.port, c.gen, nil
}

func (c *Controller) swapped(gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false, ErrDetached
	}
	return c.gen != gen, nil
}

type inputChannel struct{ c *Controller }

func (in inputChannel) Read(b []byte) (int, error) {
	for {
		p, gen, err := in.c.current()
		if err != nil {
			return 0, err
		}
		n, err := p.Read(b)
		if n > 0 {
			return n, nil
		}
		swapped, derr := in.c.swapped(gen)
		if derr != nil {
			return 0, derr
		}
		if swapped || err == nil {
			// Port reopened or a read timeout elapsed.
			continue
		}
		return 0, err
	}
}

type outputChannel struct{ c *Controller }

func (out outputChannel) Write(b []byte) (int, error) {
	p, _, err := out.c.current()
	if err != nil {
		return 0, err
	}
	n, err := p.Write(b)
	if err != nil {
		if _, derr := out.c.swapped(0); derr != nil {
			return n, derr
		}
	}
	return n, err
}
