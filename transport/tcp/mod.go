// Package tcp implements the transport over TCP streams. TCP gives the
// reliable ordered point-to-point delivery the protocol layer assumes.
// Packets are framed with a big-endian length prefix.
package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/transport"
)

const maxFrameSize = 64 << 20

// NewTCP returns a new tcp transport implementation.
func NewTCP() transport.Transport {
	return &TCP{}
}

// TCP implements a transport layer using TCP
//
// - implements transport.Transport
type TCP struct {
}

func checkValidAddr(address string) bool {
	chunks := strings.Split(address, ":")
	if len(chunks) != 2 {
		return false
	}
	if net.ParseIP(chunks[0]) == nil {
		return false
	}
	port, err := strconv.Atoi(chunks[1])
	if err != nil {
		return false
	}
	return port <= 65535
}

// CreateSocket implements transport.Transport
func (t *TCP) CreateSocket(address string) (transport.ClosableSocket, error) {
	if !checkValidAddr(address) {
		return nil, xerrors.Errorf("invalid address %s", address)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		listener: listener,
		myAddr:   listener.Addr().String(),
		ins:      make(chan transport.Packet, 1024),
		conns:    map[string]net.Conn{},
		done:     make(chan struct{}),
	}
	go s.acceptLoop()

	return s, nil
}

// Socket implements a network socket using TCP streams.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	listener net.Listener
	myAddr   string
	ins      chan transport.Packet
	done     chan struct{}

	connsMu sync.Mutex
	conns   map[string]net.Conn
}

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.readLoop(conn)
	}
}

func (s *Socket) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		var size uint64
		err := binary.Read(conn, binary.BigEndian, &size)
		if err != nil {
			return
		}
		if size > maxFrameSize {
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}

		var pkt transport.Packet
		if err := pkt.Unmarshal(buf); err != nil {
			continue
		}
		select {
		case s.ins <- pkt:
		case <-s.done:
			return
		}
	}
}

// Close implements transport.ClosableSocket.
func (s *Socket) Close() error {
	select {
	case <-s.done:
		return xerrors.Errorf("socket already closed")
	default:
	}
	close(s.done)

	s.connsMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = map[string]net.Conn{}
	s.connsMu.Unlock()

	return s.listener.Close()
}

func (s *Socket) dial(dest string, timeout time.Duration) (net.Conn, error) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if conn, ok := s.conns[dest]; ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", dest, timeout)
	if err != nil {
		return nil, err
	}
	s.conns[dest] = conn
	return conn, nil
}

func (s *Socket) dropConn(dest string) {
	s.connsMu.Lock()
	if conn, ok := s.conns[dest]; ok {
		conn.Close()
		delete(s.conns, dest)
	}
	s.connsMu.Unlock()
}

// Send implements transport.Socket. Connections are cached per destination;
// a broken stream is dropped so the next send redials.
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	if !checkValidAddr(dest) {
		return xerrors.Errorf("invalid address %s", dest)
	}
	if timeout == 0 {
		timeout = time.Second * 10
	}

	conn, err := s.dial(dest, timeout)
	if err != nil {
		return err
	}

	bytes, err := pkt.Marshal()
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := binary.Write(conn, binary.BigEndian, uint64(len(bytes))); err != nil {
		s.dropConn(dest)
		return err
	}
	if _, err := conn.Write(bytes); err != nil {
		s.dropConn(dest)
		return err
	}
	return nil
}

// Recv implements transport.Socket.
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	if timeout == 0 {
		select {
		case pkt := <-s.ins:
			return pkt, nil
		case <-s.done:
			return transport.Packet{}, xerrors.Errorf("socket closed")
		}
	}
	select {
	case pkt := <-s.ins:
		return pkt, nil
	case <-s.done:
		return transport.Packet{}, xerrors.Errorf("socket closed")
	case <-time.After(timeout):
		return transport.Packet{}, transport.TimeoutError(timeout)
	}
}

// GetAddress implements transport.Socket.
func (s *Socket) GetAddress() string {
	return s.myAddr
}
