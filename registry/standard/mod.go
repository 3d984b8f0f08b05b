// Package standard implements a thread-safe message registry dispatching by
// message name.
package standard

import (
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/registry"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

// NewRegistry returns a new standard registry.
func NewRegistry() registry.Registry {
	return &Registry{
		factories: map[string]types.Message{},
		callbacks: map[string]registry.Exec{},
	}
}

// Registry implements registry.Registry.
type Registry struct {
	sync.RWMutex
	factories map[string]types.Message
	callbacks map[string]registry.Exec
}

// RegisterMessageCallback implements registry.Registry.
func (r *Registry) RegisterMessageCallback(m types.Message, exec registry.Exec) {
	r.Lock()
	defer r.Unlock()
	r.factories[m.Name()] = m
	r.callbacks[m.Name()] = exec
}

// ProcessPacket implements registry.Registry.
func (r *Registry) ProcessPacket(pkt transport.Packet) error {
	if pkt.Msg == nil {
		return xerrors.Errorf("packet without message")
	}

	r.RLock()
	factory, ok := r.factories[pkt.Msg.Type]
	exec := r.callbacks[pkt.Msg.Type]
	r.RUnlock()
	if !ok {
		return xerrors.Errorf("no callback for message type %q", pkt.Msg.Type)
	}

	msg := factory.NewEmpty()
	err := json.Unmarshal(pkt.Msg.Payload, msg)
	if err != nil {
		return xerrors.Errorf("unmarshal %q payload: %w", pkt.Msg.Type, err)
	}

	return exec(msg, pkt)
}

// MarshalMessage implements registry.Registry.
func (r *Registry) MarshalMessage(m types.Message) (transport.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return transport.Message{}, xerrors.Errorf("marshal %q: %w", m.Name(), err)
	}
	return transport.Message{Type: m.Name(), Payload: data}, nil
}

// UnmarshalMessage implements registry.Registry.
func (r *Registry) UnmarshalMessage(msg *transport.Message, out types.Message) error {
	if msg.Type != out.Name() {
		return xerrors.Errorf("message type mismatch: %q vs %q", msg.Type, out.Name())
	}
	return json.Unmarshal(msg.Payload, out)
}
