package serial

import (
	bugst "go.bug.st/serial"
)

type bugstPort struct {
	bugst.Port
}

func openBugst(path string, lc LineConfig) (port, error) {
	p, err := bugst.Open(path, bugstMode(lc))
	if err != nil {
		return nil, err
	}
	return &bugstPort{Port: p}, nil
}

func (p *bugstPort) SetLine(lc LineConfig) error {
	if err := p.SetMode(bugstMode(lc)); err != nil {
		return err
	}
	// Bytes received at the previous rate are garbage now.
	return p.ResetInputBuffer()
}

func bugstMode(lc LineConfig) *bugst.Mode {
	m := &bugst.Mode{
		BaudRate: lc.BaudRate,
		DataBits: lc.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch lc.Parity {
	case ParityOdd:
		m.Parity = bugst.OddParity
	case ParityEven:
		m.Parity = bugst.EvenParity
	}
	if lc.StopBits == TwoStopBits {
		m.StopBits = bugst.TwoStopBits
	}
	return m
}
