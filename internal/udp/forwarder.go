// Package udp forwards NMEA sentences to a UDP listener, e.g. a navigation
// app on the local network.
package udp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"gpsbridge/internal/decode"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Forwarder sends every NMEA sentence it sees as one datagram. It implements
// decode.Tap; other message types are dropped.
type Forwarder struct {
	dest string
	log  *zap.Logger

	mu     sync.Mutex
	conn   udpConn
	closed bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewForwarder(dest string, log *zap.Logger) (*Forwarder, error) {
	return newForwarder(dest, log, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newForwarder(dest string, log *zap.Logger, resolve resolveFunc, dial dialFunc) (*Forwarder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	log.Info("udp: forwarding nmea", zap.String("dest", dest))
	return &Forwarder{dest: dest, log: log, conn: conn}, nil
}

func (f *Forwarder) Dest() string { return f.dest }

// RecordMessage implements decode.Tap.
func (f *Forwarder) RecordMessage(typ decode.MessageType, data []byte) {
	if typ != decode.MessageNMEA {
		return
	}
	if err := f.Send(data); err != nil {
		if f.failed.Add(1) == 1 {
			f.log.Warn("udp: send failed", zap.String("dest", f.dest), zap.Error(err))
		}
		return
	}
	f.sent.Add(1)
}

func (f *Forwarder) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	_, err := f.conn.Write(payload)
	return err
}

// Counts returns datagrams sent and failed sends.
func (f *Forwarder) Counts() (sent, failed uint64) {
	return f.sent.Load(), f.failed.Load()
}

func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.conn == nil {
		return nil
	}
	f.closed = true
	return f.conn.Close()
}
