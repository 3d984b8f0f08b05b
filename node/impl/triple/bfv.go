package triple

import (
	"sync"
	"time"

	"github.com/ldsec/lattigo/bfv"
	"github.com/ldsec/lattigo/ring"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/types"
)

// bfvGenerator fills the pool with homomorphic batch generation: each party
// encrypts its a share under its own key, the peers multiply the ciphertext
// by their b share and an additive mask, and the originator decrypts the
// cross terms. One batch yields 2^LogN triples per run. The plaintext
// modulus of the scheme is the share ring, so the field modulus must be
// pinned to it.
type bfvGenerator struct {
	conf    *node.Configuration
	msg     *messaging.Module
	params  *bfv.Parameters
	encoder bfv.Encoder
	store   *cipherStore
}

const (
	phaseEncShare = 0
	phaseCross    = 1
)

func newBFVGenerator(conf *node.Configuration, msg *messaging.Module) (*bfvGenerator, error) {
	params := bfv.DefaultParams[bfv.PN13QP218]
	if conf.Field.Modulus != params.T {
		return nil, xerrors.Errorf("bfv backend requires modulus %d, configured %d",
			params.T, conf.Field.Modulus)
	}
	if conf.Field.FracBits != 0 {
		return nil, xerrors.Errorf("bfv backend runs over an integer ring, fracBits must be 0")
	}

	g := &bfvGenerator{
		conf:    conf,
		msg:     msg,
		params:  params,
		encoder: bfv.NewEncoder(params),
		store:   newCipherStore(),
	}

	conf.MessageRegistry.RegisterMessageCallback(types.TripleCipherMessage{}, g.processCipherMsg)

	return g, nil
}

func (g *bfvGenerator) processCipherMsg(msg types.Message, pkt transport.Packet) error {
	cipherMsg, ok := msg.(*types.TripleCipherMessage)
	if !ok {
		return xerrors.Errorf("wrong type: %T", msg)
	}
	g.store.put(cipherKey{gen: cipherMsg.GenID, phase: cipherMsg.Phase, origin: cipherMsg.Origin}, cipherMsg.Data)
	return nil
}

// generate runs one batch of the offline protocol. All three parties call it
// with the same genID; the batch size is fixed by the scheme parameters.
func (g *bfvGenerator) generate(genID string) ([]uint64, []uint64, []uint64, error) {
	defer g.store.discard(genID)

	params := g.params
	n := 1 << params.LogN
	f := g.conf.Field

	a := make([]uint64, n)
	b := make([]uint64, n)
	c := make([]uint64, n)
	for i := 0; i < n; i++ {
		var err error
		if a[i], err = f.Rand(g.conf.Rand); err != nil {
			return nil, nil, nil, err
		}
		if b[i], err = f.Rand(g.conf.Rand); err != nil {
			return nil, nil, nil, err
		}
		c[i] = f.Mul(a[i], b[i])
	}

	aPt := bfv.NewPlaintext(params)
	g.encoder.EncodeUint(a, aPt)
	bPt := bfv.NewPlaintext(params)
	g.encoder.EncodeUint(b, bPt)

	sk := bfv.NewKeyGenerator(params).GenSecretKey()
	encA := bfv.NewEncryptorFromSk(params, sk).EncryptNew(aPt)

	encBytes, err := encA.MarshalBinary()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := g.broadcast(genID, phaseEncShare, encBytes); err != nil {
		return nil, nil, nil, err
	}

	// Respond to each peer's encrypted a share with Enc(a_j * b_i + r_ij),
	// folding -r_ij into our own c share. Fresh noise is added before the
	// ciphertext goes back so the response leaks nothing about b beyond the
	// masked product.
	evaluator := bfv.NewEvaluator(params)
	contextQ, err := ring.NewContextWithParams(uint64(n), params.Qi)
	if err != nil {
		return nil, nil, nil, err
	}
	noiseBound := uint64(params.Sigma * 6)

	for _, peer := range g.conf.PeerAddrs() {
		data, ok := g.store.wait(cipherKey{gen: genID, phase: phaseEncShare, origin: peer}, g.conf.RoundTimeout)
		if !ok {
			return nil, nil, nil, xerrors.Errorf("generation %s: no encrypted share from %s", genID, peer)
		}
		encPeerA := bfv.NewCiphertext(params, 1)
		if err := encPeerA.UnmarshalBinary(data); err != nil {
			return nil, nil, nil, xerrors.Errorf("generation %s: bad ciphertext from %s: %v", genID, peer, err)
		}

		mask := make([]uint64, n)
		for i := 0; i < n; i++ {
			if mask[i], err = f.Rand(g.conf.Rand); err != nil {
				return nil, nil, nil, err
			}
			c[i] = f.Sub(c[i], mask[i])
		}
		maskPt := bfv.NewPlaintext(params)
		g.encoder.EncodeUint(mask, maskPt)

		cross := bfv.NewCiphertext(params, 1)
		evaluator.Mul(encPeerA, bPt, cross)
		evaluator.Add(cross, maskPt, cross)

		crossValues := cross.Value()
		for i := range crossValues {
			noise := contextQ.SampleGaussianNTTNew(params.Sigma, noiseBound)
			flooded := contextQ.NewPoly()
			contextQ.Add(crossValues[i], noise, flooded)
			crossValues[i] = flooded
		}
		cross.SetValue(crossValues)

		crossBytes, err := cross.MarshalBinary()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := g.send(peer, genID, phaseCross, crossBytes); err != nil {
			return nil, nil, nil, err
		}
	}

	// Sum both peers' responses under encryption, decrypt once and fold the
	// cross terms into c.
	encSum := bfv.NewCiphertext(params, 1)
	for _, peer := range g.conf.PeerAddrs() {
		data, ok := g.store.wait(cipherKey{gen: genID, phase: phaseCross, origin: peer}, g.conf.RoundTimeout)
		if !ok {
			return nil, nil, nil, xerrors.Errorf("generation %s: no cross term from %s", genID, peer)
		}
		cross := bfv.NewCiphertext(params, 1)
		if err := cross.UnmarshalBinary(data); err != nil {
			return nil, nil, nil, xerrors.Errorf("generation %s: bad cross term from %s: %v", genID, peer, err)
		}
		evaluator.Add(encSum, cross, encSum)
	}

	sumPt := bfv.NewDecryptor(params, sk).DecryptNew(encSum)
	for i, v := range g.encoder.DecodeUint(sumPt) {
		c[i] = f.Add(c[i], v)
	}

	return a, b, c, nil
}

func (g *bfvGenerator) broadcast(genID string, phase int, data []byte) error {
	return g.msg.BroadcastPeers(types.TripleCipherMessage{
		GenID:  genID,
		Phase:  phase,
		Origin: g.conf.Addr(),
		Data:   data,
	})
}

func (g *bfvGenerator) send(dest, genID string, phase int, data []byte) error {
	return g.msg.SendPayload(dest, types.TripleCipherMessage{
		GenID:  genID,
		Phase:  phase,
		Origin: g.conf.Addr(),
		Data:   data,
	})
}

type cipherKey struct {
	gen    string
	phase  int
	origin string
}

// cipherStore parks ciphertexts until the generation loop asks for them,
// mirroring the protocol round store.
type cipherStore struct {
	mu      sync.Mutex
	values  map[cipherKey][]byte
	waiters map[cipherKey]chan struct{}
}

func newCipherStore() *cipherStore {
	return &cipherStore{
		values:  make(map[cipherKey][]byte),
		waiters: make(map[cipherKey]chan struct{}),
	}
}

func (s *cipherStore) put(key cipherKey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return
	}
	s.values[key] = data
	if w, ok := s.waiters[key]; ok {
		close(w)
		delete(s.waiters, key)
	}
}

func (s *cipherStore) wait(key cipherKey, timeout time.Duration) ([]byte, bool) {
	s.mu.Lock()
	if data, ok := s.values[key]; ok {
		s.mu.Unlock()
		return data, true
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
	data, ok := s.values[key]
	return data, ok
}

func (s *cipherStore) discard(genID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.values {
		if key.gen == genID {
			delete(s.values, key)
		}
	}
}
