// Package node defines the public surface of a trishare server node: its
// configuration and the serving control interface. A cluster is made of
// exactly three long-lived nodes, each holding one additive share of the
// model weights and participating in every protocol round.
package node

import (
	"io"
	"time"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/registry"
	"github.com/privml/trishare/transport"
)

// NumParties is the number of servers in a cluster.
const NumParties = 3

// Configuration holds the process-wide state a node is initialized with.
// It persists for the node's lifetime.
type Configuration struct {
	// Socket is the node's transport endpoint.
	Socket transport.ClosableSocket

	// MessageRegistry dispatches received messages.
	MessageRegistry registry.Registry

	// Servers lists the three server addresses in cluster order. The order
	// must be identical on every node.
	Servers []string

	// Index is this node's position in Servers.
	Index int

	// Field is the ring and fixed-point encoding.
	Field field.Field

	// Rand is the randomness source for shares, masks and triples.
	// crypto/rand in production, a seeded source in tests.
	Rand io.Reader

	// RoundTimeout bounds the wait for peer messages within one protocol
	// round. A round that does not complete within the timeout aborts the
	// whole request.
	RoundTimeout time.Duration

	// TriplePool is the number of scalar triples pre-generated at startup.
	TriplePool int

	// OnDemandTriples enables triple generation when the pool runs dry.
	// When disabled, depletion surfaces as ErrTripleExhausted.
	OnDemandTriples bool

	// TripleBackend selects the generation protocol: "exchange" (masked
	// cross terms, any modulus) or "bfv" (homomorphic batch generation,
	// modulus pinned to the BFV plaintext modulus).
	TripleBackend string

	// QueueSize bounds the number of pending requests per node.
	QueueSize int

	// RequireSignature rejects unsigned or tampered prediction requests.
	RequireSignature bool

	// AllowedClients restricts serving to the listed client account
	// addresses. Empty means any client.
	AllowedClients map[string]struct{}
}

// PeerAddrs returns the addresses of the two other servers.
func (c Configuration) PeerAddrs() []string {
	peers := make([]string, 0, NumParties-1)
	for i, addr := range c.Servers {
		if i != c.Index {
			peers = append(peers, addr)
		}
	}
	return peers
}

// Addr returns this node's own cluster address.
func (c Configuration) Addr() string {
	return c.Servers[c.Index]
}

// Request is one client-submitted encrypted input: the share destined to
// this node plus its correlation identifier. It is consumed by exactly one
// graph execution and destroyed afterwards.
type Request struct {
	ID         string
	Client     string
	ClientAddr string
	Input      field.Tensor
}

// Result reports one served (or aborted) request to the completion callback.
type Result struct {
	ID     string
	Client string
	Output field.Tensor
	Err    error
}

// Node is a trishare server node.
type Node interface {
	// Start begins listening and pre-generates the triple pool.
	Start() error

	// Stop tears the node down.
	Stop() error

	// Enqueue adds a request to the serving queue. It fails with
	// serving.ErrServerTerminated once the request limit was reached.
	Enqueue(req Request) error

	// Run drives the serving loop: one secure forward pass per request,
	// strictly sequential. maxRequests <= 0 runs until Stop. onServed, if
	// non-nil, is invoked synchronously after each request.
	Run(maxRequests int, onServed func(Result)) error

	// Served returns the number of completed requests.
	Served() int

	// GetAddr returns the node's transport address.
	GetAddr() string
}
