package serial

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.bug.st/serial/enumerator"
)

var ErrDeviceNotFound = errors.New("serial: device not found")

// DeviceHandle identifies the receiver to attach to. Path wins when set;
// otherwise the USB VID/PID (and optionally serial number) select the port.
// A zero handle falls back to the first /dev/ttyACM* or /dev/ttyUSB* present.
type DeviceHandle struct {
	Path         string
	VID          string
	PID          string
	SerialNumber string
}

func (h DeviceHandle) String() string {
	if p := strings.TrimSpace(h.Path); p != "" {
		return p
	}
	if h.VID == "" && h.PID == "" {
		return "auto"
	}
	s := fmt.Sprintf("usb:%s:%s", strings.ToLower(h.VID), strings.ToLower(h.PID))
	if h.SerialNumber != "" {
		s += ":" + h.SerialNumber
	}
	return s
}

var listPortsFn = enumerator.GetDetailedPortsList

var statFn = os.Stat

// Resolve maps a handle to a device path.
func Resolve(h DeviceHandle) (string, error) {
	if p := strings.TrimSpace(h.Path); p != "" {
		return p, nil
	}

	vid := strings.ToLower(strings.TrimSpace(h.VID))
	pid := strings.ToLower(strings.TrimSpace(h.PID))
	if vid == "" && pid == "" {
		if p := autoDetectDevice(); p != "" {
			return p, nil
		}
		return "", fmt.Errorf("%w: no /dev/ttyACM* or /dev/ttyUSB* found", ErrDeviceNotFound)
	}

	ports, err := listPortsFn()
	if err != nil {
		return "", fmt.Errorf("serial: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		if vid != "" && strings.ToLower(p.VID) != vid {
			continue
		}
		if pid != "" && strings.ToLower(p.PID) != pid {
			continue
		}
		if h.SerialNumber != "" && !strings.EqualFold(p.SerialNumber, h.SerialNumber) {
			continue
		}
		return p.Name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, h)
}

func autoDetectDevice() string {
	// Keep it intentionally tiny and predictable.
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := statFn(p); err == nil {
			return p
		}
	}
	return ""
}
