package serial

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gpsbridge/internal/replay"
)

// replayPort plays a recorded raw log as if it were arriving on the wire.
// Writes are discarded. When playback ends without looping, Read returns
// io.EOF, which the supervisor treats like an unplugged device.
type replayPort struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
}

func openReplay(opts ReplayOptions) (port, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("replay path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return nil, err
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	p := &replayPort{pr: pr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := replay.Play(ctx, recs, speed, opts.Loop, nil, func(chunk []byte) error {
			_, err := pw.Write(chunk)
			return err
		})
		if err == nil {
			err = io.EOF
		}
		_ = pw.CloseWithError(err)
	}()
	return p, nil
}

func (p *replayPort) Read(b []byte) (int, error) { return p.pr.Read(b) }

func (p *replayPort) Write(b []byte) (int, error) { return len(b), nil }

// SetLine is a no-op; a recording has no line rate.
func (p *replayPort) SetLine(LineConfig) error { return nil }

func (p *replayPort) Close() error {
	p.cancel()
	err := p.pr.Close()
	<-p.done
	return err
}
