package serial

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func stubPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	old := listPortsFn
	listPortsFn = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { listPortsFn = old })
}

func TestResolve_ExplicitPathWins(t *testing.T) {
	stubPorts(t, nil, errors.New("must not enumerate"))
	p, err := Resolve(DeviceHandle{Path: " /dev/ttyACM3 ", VID: "1546"})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM3", p)
}

func TestResolve_MatchesUSBIdentity(t *testing.T) {
	stubPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "067B", PID: "2303"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1546", PID: "01A7", SerialNumber: "A"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "1546", PID: "01A7", SerialNumber: "B"},
	}, nil)

	p, err := Resolve(DeviceHandle{VID: "1546", PID: "01a7"})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", p)

	p, err = Resolve(DeviceHandle{VID: "1546", PID: "01a7", SerialNumber: "b"})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM1", p)

	_, err = Resolve(DeviceHandle{VID: "10c4", PID: "ea60"})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestResolve_AutoDetect(t *testing.T) {
	old := statFn
	statFn = func(name string) (os.FileInfo, error) {
		if name == "/dev/ttyUSB2" {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
	t.Cleanup(func() { statFn = old })

	p, err := Resolve(DeviceHandle{})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB2", p)
}

func TestDeviceHandle_String(t *testing.T) {
	require.Equal(t, "auto", DeviceHandle{}.String())
	require.Equal(t, "/dev/ttyACM0", DeviceHandle{Path: "/dev/ttyACM0"}.String())
	require.Equal(t, "usb:1546:01a7:X1", DeviceHandle{VID: "1546", PID: "01A7", SerialNumber: "X1"}.String())
}

func TestOpen_ResolveFailureIsOpenFailed(t *testing.T) {
	stubPorts(t, nil, nil)
	_, err := Open(DeviceHandle{VID: "dead", PID: "beef"}, Options{})
	require.ErrorIs(t, err, ErrOpenFailed)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
