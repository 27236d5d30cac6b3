package transport

import (
	"errors"
	"io"
	"time"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/serial"
)

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrAlreadyStarted  = errors.New("transport: already started")
	ErrClosed          = errors.New("transport: closed")
	ErrAutobaudRunning = errors.New("transport: autobaud running")

	// errCancelRequested unwinds the run loop. It never reaches the Consumer.
	errCancelRequested = errors.New("transport: cancel requested")
)

// Consumer receives the supervisor's events and supplies what to connect to.
// Event methods are called synchronously from the supervisor goroutine, the
// decode goroutine or the autobaud goroutine, never with the supervisor lock
// held. They must return quickly.
type Consumer interface {
	OnConnected()
	OnDisconnected()
	OnLocationUnknown()
	OnLocationReceived(loc Location)
	OnFirstLocationReceived(loc Location)
	OnAutoconfStarted()
	OnAutobaudCompleted(baud int)
	OnAutobaudFailed()

	DeviceHandle() serial.DeviceHandle
	LineConfig() serial.LineConfig
}

// Controller is the serial device as seen by the supervisor. Detach must be
// safe to call concurrently with a Read on Input and must make it return.
type Controller interface {
	Attach() error
	Detach() error
	Input() io.Reader
	Output() io.Writer
	SetLineConfig(lc serial.LineConfig) error
}

// OpenFunc finds the device behind h and returns an unattached controller.
type OpenFunc func(h serial.DeviceHandle) (Controller, error)

// Engine is the decode engine. Run blocks until in fails.
type Engine interface {
	Run(in io.Reader, out io.Writer) error
	Stats() decode.Stats
	SetMessageCallbackActive(active bool)
	Close() error
}

// Location is one valid position. Optional values are nil when the receiver
// did not report them.
type Location struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`

	Altitude   *float64 `json:"alt_m,omitempty"`
	Accuracy   *float64 `json:"accuracy_m,omitempty"`
	Bearing    *float64 `json:"bearing_deg,omitempty"`
	Speed      *float64 `json:"speed_ms,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
}

func locationFromFix(fix decode.Fix) Location {
	loc := Location{
		Time:      fix.Time,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
	}
	if fix.HasAltitude {
		v := fix.Altitude
		loc.Altitude = &v
	}
	if fix.HasAccuracy {
		v := fix.Accuracy
		loc.Accuracy = &v
	}
	if fix.HasBearing {
		v := fix.Bearing
		loc.Bearing = &v
	}
	if fix.HasSpeed {
		v := fix.Speed
		loc.Speed = &v
	}
	if fix.Satellites > 0 {
		n := fix.Satellites
		loc.Satellites = &n
	}
	return loc
}
