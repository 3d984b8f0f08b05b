// Package client implements the model user's side of the protocol: it
// splits an input into additive shares, signs one request per server, and
// reconstructs the prediction from the three returned output shares. No
// server ever sees more than its own share of the input or the output.
package client

import (
	"crypto/ecdsa"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/registry"
	"github.com/privml/trishare/sharing"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

const readTimeout = time.Millisecond * 100

// Configuration holds the client's transport and identity.
type Configuration struct {
	Socket          transport.ClosableSocket
	MessageRegistry registry.Registry
	Servers         []string
	Field           field.Field
	Rand            io.Reader

	// PrivateKey signs requests. Nil sends unsigned requests, which only
	// clusters without RequireSignature accept.
	PrivateKey *ecdsa.PrivateKey

	// ResponseTimeout bounds the wait for all three output shares.
	ResponseTimeout time.Duration
}

// Client is a prediction client of one cluster.
type Client struct {
	conf    Configuration
	store   *respStore
	stopSig chan struct{}
	once    sync.Once
}

// New returns a client and registers its response callback.
func New(conf Configuration) (*Client, error) {
	if len(conf.Servers) != node.NumParties {
		return nil, xerrors.Errorf("cluster needs %d servers, got %d", node.NumParties, len(conf.Servers))
	}
	if conf.ResponseTimeout == 0 {
		conf.ResponseTimeout = time.Second * 10
	}

	c := &Client{
		conf:    conf,
		store:   newRespStore(),
		stopSig: make(chan struct{}),
	}
	conf.MessageRegistry.RegisterMessageCallback(types.PredictResponseMessage{}, c.processResponse)

	return c, nil
}

// Start launches the receive loop.
func (c *Client) Start() {
	go func() {
		for {
			select {
			case <-c.stopSig:
				return
			default:
				pkt, err := c.conf.Socket.Recv(readTimeout)
				if err != nil {
					continue
				}
				err = c.conf.MessageRegistry.ProcessPacket(pkt)
				if err != nil {
					continue
				}
			}
		}
	}()
}

// Stop tears the client down.
func (c *Client) Stop() error {
	c.once.Do(func() { close(c.stopSig) })
	return c.conf.Socket.Close()
}

// Address returns the client's account address, empty without a key.
func (c *Client) Address() string {
	if c.conf.PrivateKey == nil {
		return ""
	}
	return crypto.PubkeyToAddress(c.conf.PrivateKey.PublicKey).Hex()
}

// Predict submits one input and blocks until the reconstructed output or an
// error. Every server receives exactly one uniformly random share, signed
// together with the request ID and client identity.
func (c *Client) Predict(values []float64, shape []int) ([]float64, error) {
	f := c.conf.Field
	reqID := xid.New().String()
	defer c.store.discard(reqID)

	plain, err := f.EncodeTensor(values, shape...)
	if err != nil {
		return nil, err
	}
	shares, err := sharing.Split(f, plain, node.NumParties, c.conf.Rand)
	if err != nil {
		return nil, err
	}

	client := c.Address()
	for i, server := range c.conf.Servers {
		msg := types.PredictRequestMessage{
			ReqID:      reqID,
			Client:     client,
			ClientAddr: c.conf.Socket.GetAddress(),
			Input:      shares[i],
		}
		if c.conf.PrivateKey != nil {
			digest := types.RequestDigest(reqID, client, shares[i])
			sig, err := crypto.Sign(digest, c.conf.PrivateKey)
			if err != nil {
				return nil, xerrors.Errorf("sign request %s: %w", reqID, err)
			}
			msg.Signature = sig
		}
		if err := c.send(server, msg); err != nil {
			return nil, xerrors.Errorf("submit request %s to %s: %w", reqID, server, err)
		}
	}

	log.Info().Msgf("client %s: submitted request %s", c.conf.Socket.GetAddress(), reqID)

	outShares := make([]field.Tensor, 0, node.NumParties)
	for _, server := range c.conf.Servers {
		resp, ok := c.store.wait(respKey{req: reqID, origin: server}, c.conf.ResponseTimeout)
		if !ok {
			return nil, xerrors.Errorf("request %s: no response from %s", reqID, server)
		}
		if resp.Error != "" {
			return nil, xerrors.Errorf("request %s: server %s: %s", reqID, server, resp.Error)
		}
		outShares = append(outShares, *resp.Output)
	}

	out, err := sharing.Combine(f, outShares)
	if err != nil {
		return nil, xerrors.Errorf("request %s: %w", reqID, err)
	}
	return f.DecodeTensor(out), nil
}

func (c *Client) send(dest string, payload types.Message) error {
	msg, err := c.conf.MessageRegistry.MarshalMessage(payload)
	if err != nil {
		return err
	}
	header := transport.NewHeader(
		c.conf.Socket.GetAddress(),
		c.conf.Socket.GetAddress(),
		dest,
		0)
	pkt := transport.Packet{Header: &header, Msg: &msg}
	return c.conf.Socket.Send(dest, pkt, time.Second*5)
}

func (c *Client) processResponse(msg types.Message, pkt transport.Packet) error {
	resp, ok := msg.(*types.PredictResponseMessage)
	if !ok {
		return xerrors.Errorf("wrong type: %T", msg)
	}
	c.store.put(respKey{req: resp.ReqID, origin: resp.Origin}, resp)
	return nil
}

type respKey struct {
	req    string
	origin string
}

// respStore parks response shares until Predict collects them.
type respStore struct {
	mu      sync.Mutex
	values  map[respKey]*types.PredictResponseMessage
	waiters map[respKey]chan struct{}
}

func newRespStore() *respStore {
	return &respStore{
		values:  make(map[respKey]*types.PredictResponseMessage),
		waiters: make(map[respKey]chan struct{}),
	}
}

func (s *respStore) put(key respKey, resp *types.PredictResponseMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return
	}
	s.values[key] = resp
	if w, ok := s.waiters[key]; ok {
		close(w)
		delete(s.waiters, key)
	}
}

// wait consumes the response on hand-out; each key has one waiter.
func (s *respStore) wait(key respKey, timeout time.Duration) (*types.PredictResponseMessage, bool) {
	s.mu.Lock()
	if resp, ok := s.values[key]; ok {
		delete(s.values, key)
		s.mu.Unlock()
		return resp, true
	}
	w, ok := s.waiters[key]
	if !ok {
		w = make(chan struct{})
		s.waiters[key] = w
	}
	s.mu.Unlock()

	select {
	case <-w:
	case <-time.After(timeout):
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.values[key]
	delete(s.values, key)
	return resp, ok
}

// discard drops whatever a request left behind: responses that arrived
// after Predict already failed, and waiters that never got one.
func (s *respStore) discard(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.values {
		if key.req == reqID {
			delete(s.values, key)
		}
	}
	for key, w := range s.waiters {
		if key.req == reqID {
			close(w)
			delete(s.waiters, key)
		}
	}
}

// pending returns the number of parked responses.
func (s *respStore) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}
