// Package impl assembles a trishare server node from its modules: messaging,
// protocol engine, triple source, computation graph and the serving queue.
package impl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/graph"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/node/impl/protocol"
	"github.com/privml/trishare/node/impl/serving"
	"github.com/privml/trishare/node/impl/triple"
	"github.com/privml/trishare/storage"
)

const ReadTimeout = time.Millisecond * 100

// NewNode wires the modules of one server node. The node does not listen
// until Start is called.
func NewNode(conf *node.Configuration) (*ServerNode, error) {
	if len(conf.Servers) != node.NumParties {
		return nil, xerrors.Errorf("cluster needs %d servers, got %d", node.NumParties, len(conf.Servers))
	}
	if conf.Index < 0 || conf.Index >= node.NumParties {
		return nil, xerrors.Errorf("server index %d out of range", conf.Index)
	}
	if err := conf.Field.Validate(); err != nil {
		return nil, err
	}

	n := ServerNode{conf: conf}
	n.store = storage.NewBasicKV()
	n.msg = messaging.NewModule(conf)
	n.proto = protocol.NewModule(conf, n.msg)

	triples, err := triple.NewModule(conf, n.msg, n.proto)
	if err != nil {
		return nil, err
	}
	n.triples = triples
	n.proto.SetTripleSource(triples)

	n.serving = serving.NewModule(conf, n.msg, n.proto, n.store)

	return &n, nil
}

// ServerNode implements node.Node.
type ServerNode struct {
	conf    *node.Configuration
	store   *storage.BasicKV
	msg     *messaging.Module
	proto   *protocol.Module
	triples *triple.Module
	serving *serving.Module

	mu       sync.Mutex
	stopSig  context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
}

// SetModel installs the node's weight-share bundle. When expectedDigest is
// non-empty the bundle digest must match it, so a corrupted or swapped
// bundle is caught at startup instead of producing silently wrong shares.
func (n *ServerNode) SetModel(bundle *graph.Bundle, expectedDigest string) error {
	if expectedDigest != "" && bundle.Digest() != expectedDigest {
		return xerrors.Errorf("bundle digest %s does not match expected %s",
			bundle.Digest(), expectedDigest)
	}
	if bundle.Index != n.conf.Index {
		return xerrors.Errorf("bundle for server %d loaded on server %d", bundle.Index, n.conf.Index)
	}

	g, err := graph.FromBundle(bundle)
	if err != nil {
		return err
	}
	if err := n.store.Put("model|"+bundle.Model, bundle); err != nil {
		return err
	}

	n.serving.SetGraph(g)
	return nil
}

// Start implements node.Node. It launches the listen daemon and then fills
// the triple pool, which blocks until the peers participate: when a pool is
// configured the three nodes must be started concurrently.
func (n *ServerNode) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	n.stopSig = cancel
	n.stopCh = make(chan struct{})
	n.mu.Unlock()

	n.listenDaemon(ctx)

	if err := n.triples.Prefill(); err != nil {
		return xerrors.Errorf("start %s: %w", n.conf.Addr(), err)
	}
	return nil
}

// Stop implements node.Node.
func (n *ServerNode) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopSig != nil {
		n.stopSig()
	}
	n.stopOnce.Do(func() {
		if n.stopCh != nil {
			close(n.stopCh)
		}
	})
	return n.conf.Socket.Close()
}

// Enqueue implements node.Node.
func (n *ServerNode) Enqueue(req node.Request) error {
	return n.serving.Enqueue(req)
}

// Run implements node.Node.
func (n *ServerNode) Run(maxRequests int, onServed func(node.Result)) error {
	n.mu.Lock()
	stop := n.stopCh
	n.mu.Unlock()
	if stop == nil {
		return xerrors.Errorf("node not started")
	}
	return n.serving.Run(stop, maxRequests, onServed)
}

// Served implements node.Node.
func (n *ServerNode) Served() int {
	return n.serving.Served()
}

// GetAddr implements node.Node.
func (n *ServerNode) GetAddr() string {
	return n.conf.Socket.GetAddress()
}

// Terminated reports whether the serving loop stopped accepting requests.
func (n *ServerNode) Terminated() bool {
	return n.serving.Terminated()
}

// QueueLen returns the number of pending requests.
func (n *ServerNode) QueueLen() int {
	return n.serving.QueueLen()
}

// PooledTriples returns the number of unconsumed pooled triples.
func (n *ServerNode) PooledTriples() int {
	return n.triples.Pooled()
}

// PendingRounds returns the number of parked protocol payloads not yet
// consumed by any request.
func (n *ServerNode) PendingRounds() int {
	return n.proto.PendingRounds()
}

// StoreDigest returns the hex digest of the node's KV store.
func (n *ServerNode) StoreDigest() []byte {
	return n.store.Hash()
}
