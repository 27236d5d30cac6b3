package replay

import (
	"context"
	"errors"
	"time"
)

var ErrNoChunks = errors.New("replay: recording has no chunks")

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play delivers each chunk to cb, spaced the way it was captured and scaled
// by speed (2 halves the waits). Sessions follow one another without a
// wait, so time spent disconnected is not replayed. With loop set the
// recording repeats until ctx ends or cb fails.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(chunk []byte) error) error {
	if speed <= 0 {
		return errors.New("replay: speed must be > 0")
	}
	if cb == nil {
		return errors.New("replay: callback is nil")
	}
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	sessions := Sessions(records)
	total := 0
	for _, s := range sessions {
		total += len(s)
	}
	if total == 0 {
		return ErrNoChunks
	}

	for {
		for _, s := range sessions {
			if err := playSession(ctx, s, speed, sleeper, cb); err != nil {
				return err
			}
		}
		if !loop {
			return nil
		}
	}
}

func playSession(ctx context.Context, s Session, speed float64, sleeper Sleeper, cb func([]byte) error) error {
	for i, r := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if wait := time.Duration(float64(r.At-s[i-1].At) / speed); wait > 0 {
				if err := sleeper.Sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		if err := cb(r.Chunk); err != nil {
			return err
		}
	}
	return nil
}
