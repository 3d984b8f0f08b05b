// Package protocol executes the three-party secure computation primitives:
// share-wise addition, Beaver multiplication, fixed-point truncation and
// sign-based activations. Every operation is a small state machine that
// broadcasts at most one masked tensor per round and blocks, bounded by the
// configured timeout, until both peers' payloads for the exact same
// (request, operation, round) key arrived.
package protocol

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

// ErrProtocolAborted marks a request whose protocol run lost or received a
// malformed peer message within the round timeout. The request must be
// discarded; a resubmission restarts from scratch with fresh triples.
var ErrProtocolAborted = xerrors.New("protocol aborted")

// Fixed round counts per operation, used for latency budgeting.
const (
	RoundsAdd      = 0
	RoundsMulRaw   = 1
	RoundsTruncate = 1
	RoundsMul      = RoundsMulRaw + RoundsTruncate
	RoundsReLU     = 2
	RoundsCompare  = 2
)

// TripleAllocation hands out the triples reserved for one request, in the
// deterministic order the graph consumes them.
type TripleAllocation interface {
	// Next returns share tensors (a, b, c) of n fresh scalar triples.
	Next(n int) (a, b, c field.Tensor, err error)
}

// TripleSource supplies correlated randomness for secure multiplication.
type TripleSource interface {
	// Reserve atomically takes (or generates) the n triples a request will
	// consume. Reserving upfront keeps the pool cursor identical on all
	// three nodes even when a request aborts halfway.
	Reserve(reqID string, n int) (TripleAllocation, error)
}

// Module implements the MPC protocol engine of one node.
type Module struct {
	conf    *node.Configuration
	msg     *messaging.Module
	store   *roundStore
	triples TripleSource
}

// NewModule returns a new protocol module and registers its message
// callbacks.
func NewModule(conf *node.Configuration, msg *messaging.Module) *Module {
	m := &Module{
		conf:  conf,
		msg:   msg,
		store: newRoundStore(),
	}

	conf.MessageRegistry.RegisterMessageCallback(types.RoundShareMessage{}, m.ProcessRoundShareMsg)

	return m
}

// SetTripleSource injects the triple source. Wired after construction
// because the source itself exchanges messages through this module.
func (m *Module) SetTripleSource(ts TripleSource) {
	m.triples = ts
}

// Triples returns the injected triple source.
func (m *Module) Triples() TripleSource {
	return m.triples
}

// ProcessRoundShareMsg is the callback for received round payloads.
func (m *Module) ProcessRoundShareMsg(msg types.Message, pkt transport.Packet) error {
	roundMsg, ok := msg.(*types.RoundShareMessage)
	if !ok {
		return xerrors.Errorf("wrong type: %T", msg)
	}

	key := roundKey{
		req:    roundMsg.ReqID,
		op:     roundMsg.OpID,
		round:  roundMsg.Round,
		origin: roundMsg.Origin,
	}
	m.store.put(key, roundMsg.Shares)

	return nil
}

// BroadcastRound emits this node's payload for one round to both peers.
func (m *Module) BroadcastRound(reqID string, opID, round int, shares []field.Tensor) error {
	return m.msg.BroadcastPeers(types.RoundShareMessage{
		ReqID:  reqID,
		OpID:   opID,
		Round:  round,
		Origin: m.conf.Addr(),
		Shares: shares,
	})
}

// GatherRound blocks until both peers' payloads for the round arrived,
// bounded by the round timeout. A missing payload aborts with
// ErrProtocolAborted.
func (m *Module) GatherRound(reqID string, opID, round int) (map[string][]field.Tensor, error) {
	out := make(map[string][]field.Tensor, node.NumParties-1)
	for _, peer := range m.conf.PeerAddrs() {
		key := roundKey{req: reqID, op: opID, round: round, origin: peer}
		shares, ok := m.store.wait(key, m.conf.RoundTimeout)
		if !ok {
			log.Error().Msgf("%s: no round payload from %s for req %s op %d round %d",
				m.conf.Addr(), peer, reqID, opID, round)
			return nil, xerrors.Errorf("req %s op %d round %d: missing payload from %s: %w",
				reqID, opID, round, peer, ErrProtocolAborted)
		}
		out[peer] = shares
	}
	return out, nil
}

// SendRound emits this node's payload for one round to a single peer.
func (m *Module) SendRound(dest, reqID string, opID, round int, shares []field.Tensor) error {
	return m.msg.SendPayload(dest, types.RoundShareMessage{
		ReqID:  reqID,
		OpID:   opID,
		Round:  round,
		Origin: m.conf.Addr(),
		Shares: shares,
	})
}

// WaitRound blocks until the payload sent by origin for the round arrived,
// bounded by the round timeout.
func (m *Module) WaitRound(reqID string, opID, round int, origin string) ([]field.Tensor, error) {
	key := roundKey{req: reqID, op: opID, round: round, origin: origin}
	shares, ok := m.store.wait(key, m.conf.RoundTimeout)
	if !ok {
		return nil, xerrors.Errorf("req %s op %d round %d: missing payload from %s: %w",
			reqID, opID, round, origin, ErrProtocolAborted)
	}
	return shares, nil
}

// DiscardRequest drops all buffered round state of a request.
func (m *Module) DiscardRequest(reqID string) {
	m.store.discard(reqID)
}

// PendingRounds returns the number of parked peer payloads not yet consumed.
// Zero once every request was served and cleaned up.
func (m *Module) PendingRounds() int {
	return m.store.pending()
}

// Exec is the per-request execution context. Operation sequence numbers are
// assigned deterministically, so the three nodes always agree on the round
// keys of an operation.
type Exec struct {
	m     *Module
	reqID string
	alloc TripleAllocation
	opSeq int
}

// NewExec reserves the request's triple budget and returns the execution
// context for one protocol run.
func (m *Module) NewExec(reqID string, tripleDemand int) (*Exec, error) {
	if m.triples == nil {
		return nil, xerrors.Errorf("no triple source wired")
	}
	alloc, err := m.triples.Reserve(reqID, tripleDemand)
	if err != nil {
		return nil, err
	}
	return &Exec{m: m, reqID: reqID, alloc: alloc}, nil
}

// ReqID returns the request this context executes.
func (e *Exec) ReqID() string {
	return e.reqID
}

// Field returns the ring the execution computes over.
func (e *Exec) Field() field.Field {
	return e.m.conf.Field
}

// Index returns this party's position in the cluster order.
func (e *Exec) Index() int {
	return e.m.conf.Index
}

func (e *Exec) nextOp() int {
	op := e.opSeq
	e.opSeq++
	return op
}

func (e *Exec) exchange(opID, round int, shares []field.Tensor) (map[string][]field.Tensor, error) {
	if err := e.m.BroadcastRound(e.reqID, opID, round, shares); err != nil {
		return nil, xerrors.Errorf("req %s op %d round %d: %v: %w", e.reqID, opID, round, err, ErrProtocolAborted)
	}
	return e.m.GatherRound(e.reqID, opID, round)
}

func malformed(reqID string, opID int, origin string) error {
	return xerrors.Errorf("req %s op %d: malformed payload from %s: %w",
		reqID, opID, origin, ErrProtocolAborted)
}
