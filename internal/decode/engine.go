// Package decode turns the raw byte stream of a GPS receiver into framed
// messages and position fixes.
//
// An Engine is handed an input/output pair and runs a blocking read loop.
// Every framed message is offered to the registered taps and, while enabled,
// to Handler.OnMessage; every RMC sentence yields a Handler.OnLocation call.
// Both callbacks run on the goroutine that called Run.
package decode

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusy   = errors.New("decode: engine already running")
	ErrClosed = errors.New("decode: engine closed")
)

// Handler receives decode results. buf passed to OnMessage is only valid for
// the duration of the call.
type Handler interface {
	OnLocation(fix Fix)
	OnMessage(buf []byte, offset, length int, typ MessageType)
}

// Tap observes every framed message regardless of the message callback
// state. data is only valid for the duration of the call.
type Tap interface {
	RecordMessage(typ MessageType, data []byte)
}

type Config struct {
	// InitCommands are NMEA payloads written to the receiver when Run starts,
	// e.g. "PMTK220,1000". Checksums are added.
	InitCommands []string

	// ReadBufferSize defaults to 1024.
	ReadBufferSize int

	Logger *zap.Logger
}

type counters struct {
	bytesRead    atomic.Uint64
	nmea         atomic.Uint64
	ubx          atomic.Uint64
	junkChunks   atomic.Uint64
	junkBytes    atomic.Uint64
	unsupported  atomic.Uint64
	validFixes   atomic.Uint64
	invalidFixes atomic.Uint64
	msgCallbacks atomic.Uint64
	lastMsgNano  atomic.Int64
}

type Engine struct {
	h   Handler
	cfg Config
	log *zap.Logger
	now func() time.Time

	msgActive atomic.Bool
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	tapsMu sync.RWMutex
	taps   []Tap

	c counters

	// Owned by the Run goroutine.
	fr framer
	st fixState
}

func New(h Handler, cfg Config) (*Engine, error) {
	if h == nil {
		return nil, errors.New("decode: handler is nil")
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	for _, c := range cfg.InitCommands {
		if strings.TrimSpace(c) == "" {
			return nil, errors.New("decode: empty init command")
		}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{h: h, cfg: cfg, log: log, now: time.Now}
	e.msgActive.Store(true)
	return e, nil
}

// AddTap registers t for every subsequent framed message.
func (e *Engine) AddTap(t Tap) {
	if t == nil {
		return
	}
	e.tapsMu.Lock()
	e.taps = append(e.taps, t)
	e.tapsMu.Unlock()
}

// SetMessageCallbackActive toggles Handler.OnMessage delivery. It is on for a
// new engine.
func (e *Engine) SetMessageCallbackActive(active bool) {
	e.msgActive.Store(active)
}

func (e *Engine) MessageCallbackActive() bool { return e.msgActive.Load() }

// Run writes the init commands to out, then decodes in until it fails. The
// read error is returned as is; a detached serial controller surfaces here.
func (e *Engine) Run(in io.Reader, out io.Writer) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if in == nil {
		return errors.New("decode: input is nil")
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.running.Store(false)

	e.fr.reset()
	e.st.reset()

	if out != nil {
		for _, c := range e.cfg.InitCommands {
			if _, err := io.WriteString(out, FormatSentence(c)); err != nil {
				e.log.Warn("decode: init command failed", zap.String("cmd", c), zap.Error(err))
			}
		}
	}

	buf := make([]byte, e.cfg.ReadBufferSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			e.c.bytesRead.Add(uint64(n))
			e.fr.push(buf[:n], e.dispatch)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) dispatch(buf []byte, offset, length int, typ MessageType) {
	data := buf[offset : offset+length]
	switch typ {
	case MessageNMEA:
		e.c.nmea.Add(1)
	case MessageUBX:
		e.c.ubx.Add(1)
	default:
		e.c.junkChunks.Add(1)
		e.c.junkBytes.Add(uint64(length))
	}
	if typ != MessageJunk {
		e.c.lastMsgNano.Store(e.now().UnixNano())
	}

	e.tapsMu.RLock()
	for _, t := range e.taps {
		t.RecordMessage(typ, data)
	}
	e.tapsMu.RUnlock()

	if e.msgActive.Load() {
		e.c.msgCallbacks.Add(1)
		e.h.OnMessage(buf, offset, length, typ)
	}

	if typ == MessageNMEA {
		e.decodeNMEA(string(data))
	}
}

func (e *Engine) decodeNMEA(line string) {
	raw, err := parseNMEASentence(line)
	if err != nil {
		// The framer already validated the checksum.
		return
	}
	fix, ok, err := e.st.decode(e.now().UTC(), raw)
	if err != nil {
		e.c.unsupported.Add(1)
		return
	}
	if !ok {
		return
	}
	if fix.Valid {
		e.c.validFixes.Add(1)
	} else {
		e.c.invalidFixes.Add(1)
	}
	e.h.OnLocation(fix)
}

// Stats returns the counters as of now. It never blocks on Run.
func (e *Engine) Stats() Stats {
	s := Stats{
		Running:        e.running.Load(),
		BytesRead:      e.c.bytesRead.Load(),
		NMEAMessages:   e.c.nmea.Load(),
		UBXMessages:    e.c.ubx.Load(),
		JunkChunks:     e.c.junkChunks.Load(),
		JunkBytes:      e.c.junkBytes.Load(),
		Unsupported:    e.c.unsupported.Load(),
		ValidFixes:     e.c.validFixes.Load(),
		InvalidFixes:   e.c.invalidFixes.Load(),
		MessageCbCalls: e.c.msgCallbacks.Load(),
	}
	if ns := e.c.lastMsgNano.Load(); ns != 0 {
		s.LastMessageUTC = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	return s
}

// Close releases the engine. Later Run calls fail with ErrClosed. Taps are
// dropped, not closed; their owner closes them.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.tapsMu.Lock()
		e.taps = nil
		e.tapsMu.Unlock()
		e.log.Debug("decode: engine released")
	})
	return nil
}
