// Package types defines the messages exchanged between server nodes and
// clients. Every message is registered with the node's message registry and
// dispatched by name.
package types

// Message defines the type of message sent over the transport layer.
type Message interface {
	// NewEmpty returns a new empty initialized message of the same type.
	// Used when deserializing a payload.
	NewEmpty() Message

	// Name returns the unique name of the message used by the registry.
	Name() string

	// String returns a one-line description of the message.
	String() string

	// HTML returns an HTML representation for the status page.
	HTML() string
}
