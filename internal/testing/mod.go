// Package testing provides cluster fixtures for the package tests: three
// wired server nodes over the channel transport, a client factory, and
// functional options mirroring the cluster configuration.
package testing

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/privml/trishare/client"
	"github.com/privml/trishare/field"
	"github.com/privml/trishare/model"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl"
	"github.com/privml/trishare/node/impl/graph"
	"github.com/privml/trishare/registry/standard"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/transport/channel"
)

type options struct {
	field            field.Field
	roundTimeout     time.Duration
	triplePool       int
	onDemandTriples  bool
	tripleBackend    string
	queueSize        int
	requireSignature bool
	allowedClients   map[string]struct{}
	seed             int64
}

// Option customizes a test cluster.
type Option func(*options)

// WithField pins the ring and fixed-point scale.
func WithField(f field.Field) Option {
	return func(o *options) { o.field = f }
}

// WithRoundTimeout bounds protocol round waits.
func WithRoundTimeout(d time.Duration) Option {
	return func(o *options) { o.roundTimeout = d }
}

// WithTriplePool pre-generates a pool at startup.
func WithTriplePool(n int) Option {
	return func(o *options) { o.triplePool = n }
}

// WithOnDemandTriples toggles generation on pool depletion.
func WithOnDemandTriples(enabled bool) Option {
	return func(o *options) { o.onDemandTriples = enabled }
}

// WithTripleBackend selects the generation protocol.
func WithTripleBackend(backend string) Option {
	return func(o *options) { o.tripleBackend = backend }
}

// WithQueueSize bounds pending requests per node.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithRequireSignature makes the servers verify request signatures.
func WithRequireSignature() Option {
	return func(o *options) { o.requireSignature = true }
}

// WithAllowedClients restricts serving to the listed account addresses.
func WithAllowedClients(addrs ...string) Option {
	return func(o *options) {
		o.allowedClients = map[string]struct{}{}
		for _, a := range addrs {
			o.allowedClients[a] = struct{}{}
		}
	}
}

// WithSeed makes share and mask sampling deterministic. Each node derives
// its own stream from the seed.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// TestCluster is a three-node cluster over one channel transport.
type TestCluster struct {
	Transport *channel.Transport
	Nodes     [node.NumParties]*impl.ServerNode
	Confs     [node.NumParties]*node.Configuration
	Addrs     []string
}

// NewTestCluster creates, wires and starts three nodes. Start runs
// concurrently so a configured triple pool can be filled.
func NewTestCluster(t require.TestingT, opts ...Option) *TestCluster {
	o := options{
		field:           field.Default(),
		roundTimeout:    time.Second * 2,
		onDemandTriples: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TestCluster{Transport: channel.NewTransport()}

	c.Addrs = make([]string, node.NumParties)
	sockets := make([]transport.ClosableSocket, node.NumParties)
	for i := range sockets {
		socket, err := c.Transport.CreateSocket("127.0.0.1:0")
		require.NoError(t, err)
		sockets[i] = socket
		c.Addrs[i] = socket.GetAddress()
	}

	for i := range c.Nodes {
		rnd := field.CryptoSource
		if o.seed != 0 {
			rnd = field.NewSeededSource(o.seed + int64(i))
		}
		conf := &node.Configuration{
			Socket:           sockets[i],
			MessageRegistry:  standard.NewRegistry(),
			Servers:          c.Addrs,
			Index:            i,
			Field:            o.field,
			Rand:             rnd,
			RoundTimeout:     o.roundTimeout,
			TriplePool:       o.triplePool,
			OnDemandTriples:  o.onDemandTriples,
			TripleBackend:    o.tripleBackend,
			QueueSize:        o.queueSize,
			RequireSignature: o.requireSignature,
			AllowedClients:   o.allowedClients,
		}
		c.Confs[i] = conf

		n, err := impl.NewNode(conf)
		require.NoError(t, err)
		c.Nodes[i] = n
	}

	var wg sync.WaitGroup
	errs := make([]error, node.NumParties)
	for i, n := range c.Nodes {
		wg.Add(1)
		go func(i int, n *impl.ServerNode) {
			defer wg.Done()
			errs[i] = n.Start()
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	return c
}

// SetModel converts the description and installs one bundle per node.
func (c *TestCluster) SetModel(t require.TestingT, desc model.Description) {
	src := field.CryptoSource
	bundles, err := graph.Convert(desc, c.Confs[0].Field, src)
	require.NoError(t, err)
	for i, n := range c.Nodes {
		require.NoError(t, n.SetModel(bundles[i], bundles[i].Digest()))
	}
}

// Serve launches the serving loop of every node in the background.
func (c *TestCluster) Serve(maxRequests int, onServed func(node.Result)) {
	for _, n := range c.Nodes {
		go func(n *impl.ServerNode) {
			_ = n.Run(maxRequests, onServed)
		}(n)
	}
}

// Client creates and starts a signing client of the cluster. A nil key
// sends unsigned requests.
func (c *TestCluster) Client(t require.TestingT, key *ecdsa.PrivateKey) *client.Client {
	socket, err := c.Transport.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	cl, err := client.New(client.Configuration{
		Socket:          socket,
		MessageRegistry: standard.NewRegistry(),
		Servers:         c.Addrs,
		Field:           c.Confs[0].Field,
		Rand:            field.CryptoSource,
		PrivateKey:      key,
		ResponseTimeout: time.Second * 10,
	})
	require.NoError(t, err)
	cl.Start()
	return cl
}

// NewKey generates a client ECDSA key.
func NewKey(t require.TestingT) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// Address returns the account address of a key, as the servers see it.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// SetDropFilter installs an outbound drop hook on node i's socket.
func (c *TestCluster) SetDropFilter(i int, filter func(dest string, pkt transport.Packet) bool) {
	c.Confs[i].Socket.(*channel.Socket).SetDropFilter(filter)
}

// Stop tears every node down.
func (c *TestCluster) Stop() {
	for _, n := range c.Nodes {
		_ = n.Stop()
	}
}
