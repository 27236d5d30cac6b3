package serial

import (
	"errors"
	"io"
	"os"
	"time"

	tarm "github.com/tarm/serial"
)

// tarmReadTimeout bounds how long a Read can stay blocked; tarm ports cannot
// be interrupted by Close on every platform.
const tarmReadTimeout = 500 * time.Millisecond

type tarmPort struct {
	*tarm.Port
	path string
}

func openTarm(path string, lc LineConfig) (port, error) {
	cfg := &tarm.Config{
		Name:        path,
		Baud:        lc.BaudRate,
		ReadTimeout: tarmReadTimeout,
		Size:        byte(lc.DataBits),
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	switch lc.Parity {
	case ParityOdd:
		cfg.Parity = tarm.ParityOdd
	case ParityEven:
		cfg.Parity = tarm.ParityEven
	}
	if lc.StopBits == TwoStopBits {
		cfg.StopBits = tarm.Stop2
	}
	p, err := tarm.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &tarmPort{Port: p, path: path}, nil
}

// Read reports an elapsed read timeout as (0, nil). A zero read on a device
// node that no longer exists is a hangup.
func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		if _, serr := os.Stat(p.path); serr != nil {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, nil
	}
	return n, err
}
