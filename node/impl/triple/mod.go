// Package triple supplies the correlated randomness consumed by secure
// multiplication: a pool of pre-generated Beaver triples with an on-demand
// generation fallback. Every triple is handed out exactly once; the pool
// cursor only ever moves forward, atomically with the hand-out.
package triple

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/node/impl/protocol"
)

// ErrTripleExhausted is returned when the pool is empty and on-demand
// generation is disabled.
var ErrTripleExhausted = xerrors.New("triple pool exhausted")

// BackendExchange generates triples with masked cross-term exchanges and
// works for any modulus. BackendBFV fills the pool with homomorphic batch
// generation and pins the modulus to the BFV plaintext modulus.
const (
	BackendExchange = "exchange"
	BackendBFV      = "bfv"
)

// Module implements protocol.TripleSource for one node.
type Module struct {
	conf  *node.Configuration
	msg   *messaging.Module
	proto *protocol.Module
	bfv   *bfvGenerator

	mu     sync.Mutex
	poolA  []uint64
	poolB  []uint64
	poolC  []uint64
	cursor int
}

// NewModule returns a new triple source.
func NewModule(conf *node.Configuration, msg *messaging.Module, proto *protocol.Module) (*Module, error) {
	m := &Module{
		conf:  conf,
		msg:   msg,
		proto: proto,
	}

	switch conf.TripleBackend {
	case "", BackendExchange:
	case BackendBFV:
		gen, err := newBFVGenerator(conf, msg)
		if err != nil {
			return nil, err
		}
		m.bfv = gen
	default:
		return nil, xerrors.Errorf("unknown triple backend %q", conf.TripleBackend)
	}

	return m, nil
}

// Prefill pre-generates the configured pool. All three nodes call this at
// startup; the generation exchanges run through the regular round store, so
// startup order does not matter.
func (m *Module) Prefill() error {
	if m.conf.TriplePool <= 0 {
		return nil
	}

	var produced int
	for batch := 0; produced < m.conf.TriplePool; batch++ {
		genID := fmt.Sprintf("prefill|%d", batch)
		a, b, c, err := m.generate(genID, m.conf.TriplePool-produced)
		if err != nil {
			return xerrors.Errorf("prefill triple pool: %w", err)
		}
		m.mu.Lock()
		m.poolA = append(m.poolA, a...)
		m.poolB = append(m.poolB, b...)
		m.poolC = append(m.poolC, c...)
		m.mu.Unlock()
		produced += len(a)
	}

	log.Info().Msgf("%s: triple pool filled with %d triples", m.conf.Addr(), produced)
	return nil
}

// Reserve implements protocol.TripleSource. The whole request budget is
// taken before the first protocol round, so the pool cursor advances
// identically on all three nodes even when the request aborts later.
func (m *Module) Reserve(reqID string, n int) (protocol.TripleAllocation, error) {
	if n == 0 {
		return &allocation{}, nil
	}

	m.mu.Lock()
	avail := len(m.poolA) - m.cursor
	if avail >= n {
		start := m.cursor
		m.cursor += n
		a := m.poolA[start : start+n]
		b := m.poolB[start : start+n]
		c := m.poolC[start : start+n]
		m.mu.Unlock()
		return &allocation{a: a, b: b, c: c}, nil
	}
	m.mu.Unlock()

	if !m.conf.OnDemandTriples {
		return nil, xerrors.Errorf("need %d triples, %d pooled: %w", n, avail, ErrTripleExhausted)
	}

	// The pool cannot cover the request: generate the full budget fresh and
	// leave the pooled remainder for a smaller request. Both decisions are
	// deterministic, so the three nodes stay aligned. On-demand generation
	// degrades latency; callers must tolerate that.
	log.Info().Msgf("%s: pool low (%d < %d), generating triples on demand for req %s",
		m.conf.Addr(), avail, n, reqID)

	genID := reqID + "|ondemand"
	var a, b, c []uint64
	for len(a) < n {
		ga, gb, gc, err := m.generate(fmt.Sprintf("%s|%d", genID, len(a)), n-len(a))
		if err != nil {
			return nil, err
		}
		a = append(a, ga...)
		b = append(b, gb...)
		c = append(c, gc...)
	}

	if len(a) > n {
		// batch backends may overshoot; pool the surplus
		m.mu.Lock()
		m.poolA = append(m.poolA, a[n:]...)
		m.poolB = append(m.poolB, b[n:]...)
		m.poolC = append(m.poolC, c[n:]...)
		m.mu.Unlock()
		a, b, c = a[:n], b[:n], c[:n]
	}

	return &allocation{a: a, b: b, c: c}, nil
}

// Pooled returns the number of unconsumed pooled triples.
func (m *Module) Pooled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.poolA) - m.cursor
}

func (m *Module) generate(genID string, n int) (a, b, c []uint64, err error) {
	if m.bfv != nil {
		return m.bfv.generate(genID)
	}
	return m.generateExchange(genID, n)
}

// allocation hands out a reserved triple span in consumption order.
type allocation struct {
	a, b, c []uint64
	used    int
}

// Next implements protocol.TripleAllocation.
func (al *allocation) Next(n int) (field.Tensor, field.Tensor, field.Tensor, error) {
	if al.used+n > len(al.a) {
		return field.Tensor{}, field.Tensor{}, field.Tensor{},
			xerrors.Errorf("allocation of %d triples exceeded: %w", len(al.a), ErrTripleExhausted)
	}
	start := al.used
	al.used += n
	a := field.Tensor{Shape: []int{n}, Data: al.a[start : start+n]}
	b := field.Tensor{Shape: []int{n}, Data: al.b[start : start+n]}
	c := field.Tensor{Shape: []int{n}, Data: al.c[start : start+n]}
	return a, b, c, nil
}
