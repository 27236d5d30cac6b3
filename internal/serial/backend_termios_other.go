//go:build !linux

package serial

import "fmt"

func openTermios(path string, lc LineConfig) (port, error) {
	return nil, fmt.Errorf("termios serial backend not supported on this platform")
}
