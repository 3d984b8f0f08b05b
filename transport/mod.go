// Package transport defines the point-to-point wire abstraction between
// server nodes and clients. Implementations must deliver packets reliably
// and in order between any two endpoints; the protocol layer builds its
// round synchronization on that guarantee.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Transport creates sockets bound to network addresses.
type Transport interface {
	CreateSocket(address string) (ClosableSocket, error)
}

// Socket sends and receives packets.
type Socket interface {
	// Send sends a packet to the destination address. A zero timeout means
	// no timeout.
	Send(dest string, pkt Packet, timeout time.Duration) error

	// Recv blocks until a packet arrives or the timeout elapses, in which
	// case it returns a TimeoutError.
	Recv(timeout time.Duration) (Packet, error)

	// GetAddress returns the address the socket is listening on.
	GetAddress() string
}

// ClosableSocket is a socket that can be torn down.
type ClosableSocket interface {
	Socket
	Close() error
}

// Packet is the unit of transmission.
type Packet struct {
	Header *Header
	Msg    *Message
}

// Marshal serializes the packet.
func (p Packet) Marshal() ([]byte, error) {
	return json.Marshal(&p)
}

// Unmarshal deserializes into the packet.
func (p *Packet) Unmarshal(buf []byte) error {
	return json.Unmarshal(buf, p)
}

// Copy returns a deep copy of the packet.
func (p Packet) Copy() Packet {
	h := *p.Header
	m := p.Msg.Copy()
	return Packet{Header: &h, Msg: &m}
}

// Header carries packet routing metadata.
type Header struct {
	PacketID    string
	Source      string
	RelayedBy   string
	Destination string
	TTL         uint
	Timestamp   int64
}

// NewHeader returns a header with a fresh packet ID.
func NewHeader(source, relay, dest string, ttl uint) Header {
	return Header{
		PacketID:    xid.New().String(),
		Source:      source,
		RelayedBy:   relay,
		Destination: dest,
		TTL:         ttl,
		Timestamp:   time.Now().UnixNano(),
	}
}

// Message is a registry-typed payload.
type Message struct {
	Type    string
	Payload json.RawMessage
}

// Copy returns a deep copy of the message.
func (m Message) Copy() Message {
	payload := make(json.RawMessage, len(m.Payload))
	copy(payload, m.Payload)
	return Message{Type: m.Type, Payload: payload}
}

// TimeoutError is returned by Recv and Send when the deadline elapsed.
type TimeoutError time.Duration

// Error implements error.
func (e TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %s", time.Duration(e))
}

// Is lets errors.Is match any timeout value.
func (e TimeoutError) Is(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}
