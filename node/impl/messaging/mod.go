// Package messaging implements direct addressing between the cluster
// members and their clients. There is no relaying: every participant knows
// the address of every peer it talks to.
package messaging

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/node"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

const WriteTimeout = time.Second * 5

// Module wraps the socket and registry of one node.
type Module struct {
	conf *node.Configuration
}

// NewModule returns a new messaging module.
func NewModule(conf *node.Configuration) *Module {
	return &Module{conf: conf}
}

// CreateMsg wraps a typed message into a transport message.
func (m *Module) CreateMsg(payload types.Message) (transport.Message, error) {
	return m.conf.MessageRegistry.MarshalMessage(payload)
}

// Unicast sends a transport message directly to dest.
func (m *Module) Unicast(dest string, msg transport.Message) error {
	header := transport.NewHeader(
		m.conf.Socket.GetAddress(),
		m.conf.Socket.GetAddress(),
		dest,
		0)
	pkt := transport.Packet{Header: &header, Msg: &msg}
	return m.conf.Socket.Send(dest, pkt, WriteTimeout)
}

// SendPayload marshals and unicasts a typed message.
func (m *Module) SendPayload(dest string, payload types.Message) error {
	msg, err := m.CreateMsg(payload)
	if err != nil {
		return err
	}
	return m.Unicast(dest, msg)
}

// BroadcastPeers sends the payload to the two other servers. Exactly one
// message per peer; a failed send surfaces so the caller can abort.
func (m *Module) BroadcastPeers(payload types.Message) error {
	msg, err := m.CreateMsg(payload)
	if err != nil {
		return err
	}
	for _, peer := range m.conf.PeerAddrs() {
		if err := m.Unicast(peer, msg); err != nil {
			return xerrors.Errorf("send to peer %s: %w", peer, err)
		}
	}
	return nil
}

// ProcessPkt dispatches a received packet through the registry.
func (m *Module) ProcessPkt(pkt transport.Packet) error {
	return m.conf.MessageRegistry.ProcessPacket(pkt)
}
