// Package serving runs the prediction queue of one node: requests are
// verified, enqueued, and executed strictly one at a time through the
// computation graph. All three nodes serve their queues in the same order
// because every client sends its shares to all three servers; an aborted
// request is discarded on every node and never blocks the next one.
package serving

import (
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/graph"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/node/impl/protocol"
	"github.com/privml/trishare/storage"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

// ErrServerTerminated is returned by Enqueue once the node has served its
// configured request limit or was stopped.
var ErrServerTerminated = xerrors.New("server terminated")

// AuditRecord is stored per served request.
type AuditRecord struct {
	ReqID  string
	Client string
	Error  string
}

// Module is the queue server of one node.
type Module struct {
	conf  *node.Configuration
	msg   *messaging.Module
	proto *protocol.Module
	store storage.KVStore

	queue chan node.Request

	mu         sync.Mutex
	gr         *graph.Graph
	served     int
	terminated bool
}

// NewModule returns a new serving module and registers the request callback.
func NewModule(conf *node.Configuration, msg *messaging.Module, proto *protocol.Module,
	store storage.KVStore) *Module {

	size := conf.QueueSize
	if size <= 0 {
		size = 64
	}
	m := &Module{
		conf:  conf,
		msg:   msg,
		proto: proto,
		store: store,
		queue: make(chan node.Request, size),
	}

	conf.MessageRegistry.RegisterMessageCallback(types.PredictRequestMessage{}, m.ProcessPredictRequestMsg)

	return m
}

// SetGraph installs the compiled graph. Must be called before Run.
func (m *Module) SetGraph(g *graph.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gr = g
}

// Served returns the number of completed requests, aborted ones included.
func (m *Module) Served() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.served
}

// Terminated reports whether the node stopped accepting requests.
func (m *Module) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// QueueLen returns the number of pending requests.
func (m *Module) QueueLen() int {
	return len(m.queue)
}

// Terminate flips the node into the terminated state. Pending queue entries
// are not executed.
func (m *Module) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
}

// Enqueue implements node.Node. Non-blocking: a full queue is a client
// error, not a reason to stall the transport. The queue insert happens under
// the same lock that flips terminated, so a request is either refused or
// visible to the serving loop's terminal drain; it can never be parked
// unanswered.
func (m *Module) Enqueue(req node.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		return xerrors.Errorf("request %s refused: %w", req.ID, ErrServerTerminated)
	}
	select {
	case m.queue <- req:
		return nil
	default:
		return xerrors.Errorf("request %s refused: queue full", req.ID)
	}
}

// Run implements node.Node: the serving loop. Requests execute strictly
// sequentially; the completion callback is invoked synchronously after each
// one. With maxRequests > 0 the loop terminates after that many requests and
// later enqueues fail with ErrServerTerminated.
func (m *Module) Run(stop <-chan struct{}, maxRequests int, onServed func(node.Result)) error {
	for {
		select {
		case <-stop:
			m.Terminate()
			m.drainQueue()
			return nil
		case req := <-m.queue:
			res := m.execute(req)

			// terminated flips under the same lock as the count, so no
			// request can slip into the queue between the final serve and
			// the refusal of later ones
			m.mu.Lock()
			m.served++
			done := maxRequests > 0 && m.served >= maxRequests
			if done {
				m.terminated = true
			}
			m.mu.Unlock()

			m.respond(req, res)
			if onServed != nil {
				onServed(res)
			}

			if done {
				log.Info().Msgf("%s: request limit %d reached, terminating", m.conf.Addr(), maxRequests)
				m.drainQueue()
				return nil
			}
		}
	}
}

// drainQueue refuses every request still parked in the queue at
// termination, so their clients learn immediately instead of timing out.
func (m *Module) drainQueue() {
	for {
		select {
		case req := <-m.queue:
			m.refuse(req, xerrors.Errorf("request %s refused: %w", req.ID, ErrServerTerminated))
		default:
			return
		}
	}
}

// execute runs one secure forward pass. The request's round state is
// discarded whether it completes or aborts: a served request leaves nothing
// parked behind.
func (m *Module) execute(req node.Request) node.Result {
	res := node.Result{ID: req.ID, Client: req.Client}
	defer m.proto.DiscardRequest(req.ID)

	m.mu.Lock()
	g := m.gr
	m.mu.Unlock()
	if g == nil {
		res.Err = xerrors.Errorf("no model loaded")
		return res
	}

	out, err := m.runGraph(g, req)
	if err != nil {
		log.Error().Msgf("%s: request %s aborted: %v", m.conf.Addr(), req.ID, err)
		res.Err = err
	} else {
		res.Output = out
	}

	record := AuditRecord{ReqID: req.ID, Client: req.Client}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}
	if err := m.store.Put("served|"+req.ID, record); err != nil {
		log.Error().Msgf("%s: audit record for %s: %v", m.conf.Addr(), req.ID, err)
	}

	return res
}

func (m *Module) runGraph(g *graph.Graph, req node.Request) (field.Tensor, error) {
	exec, err := m.proto.NewExec(req.ID, g.TripleDemand())
	if err != nil {
		return field.Tensor{}, err
	}
	return g.Run(exec, req.Input)
}

// respond returns the output share, or the abort reason, to the client.
func (m *Module) respond(req node.Request, res node.Result) {
	if req.ClientAddr == "" {
		return
	}

	resp := types.PredictResponseMessage{
		ReqID:  res.ID,
		Origin: m.conf.Addr(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	} else {
		out := res.Output
		resp.Output = &out
	}

	if err := m.msg.SendPayload(req.ClientAddr, resp); err != nil {
		log.Error().Msgf("%s: response for %s to %s: %v", m.conf.Addr(), res.ID, req.ClientAddr, err)
	}
}

// ProcessPredictRequestMsg verifies and enqueues a wire request. Refusals
// are answered immediately so the client does not wait out its timeout.
func (m *Module) ProcessPredictRequestMsg(msg types.Message, pkt transport.Packet) error {
	reqMsg, ok := msg.(*types.PredictRequestMessage)
	if !ok {
		return xerrors.Errorf("wrong type: %T", msg)
	}

	req := node.Request{
		ID:         reqMsg.ReqID,
		Client:     reqMsg.Client,
		ClientAddr: reqMsg.ClientAddr,
		Input:      reqMsg.Input,
	}

	if err := m.verify(reqMsg); err != nil {
		log.Error().Msgf("%s: request %s rejected: %v", m.conf.Addr(), reqMsg.ReqID, err)
		m.refuse(req, err)
		return nil
	}

	if err := m.Enqueue(req); err != nil {
		m.refuse(req, err)
	}
	return nil
}

// verify checks the ECDSA signature over the request digest and recovers
// the signer address, which must match the claimed client identity and the
// allowlist when one is configured.
func (m *Module) verify(reqMsg *types.PredictRequestMessage) error {
	if !m.conf.RequireSignature {
		return nil
	}

	digest := types.RequestDigest(reqMsg.ReqID, reqMsg.Client, reqMsg.Input)
	publicKey, err := crypto.SigToPub(digest, reqMsg.Signature)
	if err != nil {
		return xerrors.Errorf("recover signer: %v", err)
	}
	addr := crypto.PubkeyToAddress(*publicKey)
	if addr.Hex() != reqMsg.Client {
		return xerrors.Errorf("request not signed by claimed client %s", reqMsg.Client)
	}
	// verification input is the [R || S] part of the signature
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), digest,
		reqMsg.Signature[:len(reqMsg.Signature)-1]) {
		return xerrors.Errorf("invalid signature from %s", reqMsg.Client)
	}

	if len(m.conf.AllowedClients) > 0 {
		if _, ok := m.conf.AllowedClients[reqMsg.Client]; !ok {
			return xerrors.Errorf("client %s not allowed", reqMsg.Client)
		}
	}
	return nil
}

func (m *Module) refuse(req node.Request, reason error) {
	m.respond(req, node.Result{ID: req.ID, Client: req.Client, Err: reason})
}
