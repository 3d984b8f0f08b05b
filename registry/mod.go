// Package registry defines the message registry used to dispatch typed
// messages received from the transport layer.
package registry

import (
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

// Exec is the type of function executed when a message is processed.
type Exec func(types.Message, transport.Packet) error

// Registry registers and dispatches message callbacks.
type Registry interface {
	// RegisterMessageCallback registers the callback for the message type.
	RegisterMessageCallback(m types.Message, exec Exec)

	// ProcessPacket unmarshals the packet payload into its registered type
	// and calls the callback.
	ProcessPacket(pkt transport.Packet) error

	// MarshalMessage wraps a typed message into a transport message.
	MarshalMessage(m types.Message) (transport.Message, error)

	// UnmarshalMessage decodes a transport message into out, whose concrete
	// type must match the message name.
	UnmarshalMessage(msg *transport.Message, out types.Message) error
}
