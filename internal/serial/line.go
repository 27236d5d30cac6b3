package serial

import (
	"fmt"
	"strings"
)

type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "none"
	}
}

// ParseParity accepts "none", "odd" or "even" (case-insensitive). Empty means none.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return ParityNone, nil
	case "odd", "o":
		return ParityOdd, nil
	case "even", "e":
		return ParityEven, nil
	default:
		return ParityNone, fmt.Errorf("unknown parity %q", s)
	}
}

type StopBits int

const (
	OneStopBit  StopBits = 1
	TwoStopBits StopBits = 2
)

// StandardBaudRates are the rates every backend supports, in the order
// autobaud tries them after the configured rate.
var StandardBaudRates = []int{4800, 9600, 19200, 38400, 57600, 115200, 230400}

// IsStandardBaudRate reports whether rate is one of StandardBaudRates.
func IsStandardBaudRate(rate int) bool {
	for _, r := range StandardBaudRates {
		if r == rate {
			return true
		}
	}
	return false
}

// LineConfig is the serial line setup handed to a Controller. It is a plain
// value; holders never mutate one that is in use, they replace it.
type LineConfig struct {
	BaudRate int
	AutoBaud bool
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// DefaultLineConfig is 9600 8N1 with autobaud disabled.
func DefaultLineConfig() LineConfig {
	return LineConfig{BaudRate: 9600, DataBits: 8, Parity: ParityNone, StopBits: OneStopBit}
}

func (c LineConfig) WithBaudRate(rate int) LineConfig {
	c.BaudRate = rate
	return c
}

func (c LineConfig) WithAutoBaud(enabled bool) LineConfig {
	c.AutoBaud = enabled
	return c
}

func (c LineConfig) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("serial: baud rate must be > 0, got %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: data bits must be 5..8, got %d", c.DataBits)
	}
	if c.StopBits != OneStopBit && c.StopBits != TwoStopBits {
		return fmt.Errorf("serial: stop bits must be 1 or 2, got %d", c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("serial: invalid parity %d", c.Parity)
	}
	return nil
}

// String renders the line as "9600 8N1".
func (c LineConfig) String() string {
	p := "N"
	switch c.Parity {
	case ParityOdd:
		p = "O"
	case ParityEven:
		p = "E"
	}
	s := fmt.Sprintf("%d %d%s%d", c.BaudRate, c.DataBits, p, c.StopBits)
	if c.AutoBaud {
		s += " autobaud"
	}
	return s
}
