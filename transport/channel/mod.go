// Package channel implements an in-memory transport. Delivery is reliable
// and ordered, which makes it the reference transport for tests and for
// running a whole cluster inside one process.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/transport"
)

const bufferSize = 1024

// NewTransport returns a new channel transport. All sockets created from
// the same instance can reach each other.
func NewTransport() *Transport {
	return &Transport{
		incomings: map[string]chan transport.Packet{},
	}
}

// Transport implements transport.Transport over Go channels.
type Transport struct {
	sync.RWMutex
	incomings map[string]chan transport.Packet
	counter   uint32
}

// CreateSocket implements transport.Transport. Port 0 picks a fresh port.
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	t.Lock()
	defer t.Unlock()

	if address == "" || strings.HasSuffix(address, ":0") {
		t.counter++
		address = assignAddr(address, t.counter)
	}
	if _, ok := t.incomings[address]; ok {
		return nil, xerrors.Errorf("address already in use: %s", address)
	}

	t.incomings[address] = make(chan transport.Packet, bufferSize)

	return &Socket{
		transport: t,
		myAddr:    address,
	}, nil
}

func assignAddr(address string, counter uint32) string {
	host := "127.0.0.1"
	if strings.HasSuffix(address, ":0") {
		host = strings.TrimSuffix(address, ":0")
	}
	return fmt.Sprintf("%s:%d", host, counter)
}

// Socket implements an in-memory socket.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	transport *Transport
	myAddr    string

	dropMu sync.RWMutex
	drop   func(dest string, pkt transport.Packet) bool
}

// SetDropFilter installs a hook deciding whether an outgoing packet is
// silently discarded. Used by tests to simulate message loss mid-round.
func (s *Socket) SetDropFilter(filter func(dest string, pkt transport.Packet) bool) {
	s.dropMu.Lock()
	s.drop = filter
	s.dropMu.Unlock()
}

// Close implements transport.ClosableSocket.
func (s *Socket) Close() error {
	s.transport.Lock()
	defer s.transport.Unlock()

	if _, ok := s.transport.incomings[s.myAddr]; !ok {
		return xerrors.Errorf("socket already closed: %s", s.myAddr)
	}
	delete(s.transport.incomings, s.myAddr)
	return nil
}

// Send implements transport.Socket.
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	s.dropMu.RLock()
	drop := s.drop
	s.dropMu.RUnlock()
	if drop != nil && drop(dest, pkt) {
		// dropped on purpose; the caller believes it was sent
		return nil
	}

	s.transport.RLock()
	in, ok := s.transport.incomings[dest]
	s.transport.RUnlock()
	if !ok {
		return xerrors.Errorf("%s is not listening", dest)
	}

	if timeout == 0 {
		in <- pkt.Copy()
		return nil
	}
	select {
	case in <- pkt.Copy():
		return nil
	case <-time.After(timeout):
		return transport.TimeoutError(timeout)
	}
}

// Recv implements transport.Socket.
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	s.transport.RLock()
	in, ok := s.transport.incomings[s.myAddr]
	s.transport.RUnlock()
	if !ok {
		return transport.Packet{}, xerrors.Errorf("socket closed: %s", s.myAddr)
	}

	if timeout == 0 {
		return <-in, nil
	}
	select {
	case pkt := <-in:
		return pkt, nil
	case <-time.After(timeout):
		return transport.Packet{}, transport.TimeoutError(timeout)
	}
}

// GetAddress implements transport.Socket.
func (s *Socket) GetAddress() string {
	return s.myAddr
}
