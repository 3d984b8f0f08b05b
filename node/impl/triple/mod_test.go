package triple

import (
	"sync"
	"testing"
	"time"

	"github.com/ldsec/lattigo/bfv"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/node/impl/protocol"
	"github.com/privml/trishare/registry/standard"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/transport/channel"
)

type testRig struct {
	modules [3]*Module
	confs   [3]*node.Configuration
	stops   [3]chan struct{}
}

func newTestRig(t *testing.T, f field.Field, pool int, onDemand bool, backend string) *testRig {
	transp := channel.NewTransport()

	addrs := make([]string, 3)
	sockets := make([]transport.ClosableSocket, 3)
	for i := range sockets {
		socket, err := transp.CreateSocket("127.0.0.1:0")
		require.NoError(t, err)
		sockets[i] = socket
		addrs[i] = socket.GetAddress()
	}

	rig := &testRig{}
	for i := range rig.modules {
		conf := &node.Configuration{
			Socket:          sockets[i],
			MessageRegistry: standard.NewRegistry(),
			Servers:         addrs,
			Index:           i,
			Field:           f,
			Rand:            field.CryptoSource,
			RoundTimeout:    time.Second * 5,
			TriplePool:      pool,
			OnDemandTriples: onDemand,
			TripleBackend:   backend,
		}
		msg := messaging.NewModule(conf)
		proto := protocol.NewModule(conf, msg)
		m, err := NewModule(conf, msg, proto)
		require.NoError(t, err)
		proto.SetTripleSource(m)

		stop := make(chan struct{})
		go func(conf *node.Configuration) {
			for {
				select {
				case <-stop:
					return
				default:
					pkt, err := conf.Socket.Recv(time.Millisecond * 100)
					if err != nil {
						continue
					}
					_ = conf.MessageRegistry.ProcessPacket(pkt)
				}
			}
		}(conf)

		rig.modules[i] = m
		rig.confs[i] = conf
		rig.stops[i] = stop
	}

	return rig
}

func (r *testRig) close() {
	for i := range r.modules {
		close(r.stops[i])
		_ = r.confs[i].Socket.Close()
	}
}

func (r *testRig) prefillAll(t *testing.T) {
	var wg sync.WaitGroup
	var errs [3]error
	for i, m := range r.modules {
		wg.Add(1)
		go func(i int, m *Module) {
			defer wg.Done()
			errs[i] = m.Prefill()
		}(i, m)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
	}
}

// reserveAll takes the same budget on the three modules concurrently.
func (r *testRig) reserveAll(t *testing.T, reqID string, n int) [3]protocol.TripleAllocation {
	var allocs [3]protocol.TripleAllocation
	var errs [3]error
	var wg sync.WaitGroup
	for i, m := range r.modules {
		wg.Add(1)
		go func(i int, m *Module) {
			defer wg.Done()
			allocs[i], errs[i] = m.Reserve(reqID, n)
		}(i, m)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
	}
	return allocs
}

// requireValidTriples combines the three parties' allocation shares and
// checks c = a * b in the ring for every triple.
func requireValidTriples(t *testing.T, f field.Field, allocs [3]protocol.TripleAllocation, n int) {
	var as, bs, cs [3]field.Tensor
	for i := range allocs {
		a, b, c, err := allocs[i].Next(n)
		require.NoError(t, err)
		as[i], bs[i], cs[i] = a, b, c
	}

	for j := 0; j < n; j++ {
		var a, b, c uint64
		for i := 0; i < 3; i++ {
			a = f.Add(a, as[i].Data[j])
			b = f.Add(b, bs[i].Data[j])
			c = f.Add(c, cs[i].Data[j])
		}
		require.Equal(t, f.Mul(a, b), c, "triple %d", j)
	}
}

func Test_Triple_Prefill_Produces_Valid_Triples(t *testing.T) {
	f := field.Default()
	rig := newTestRig(t, f, 8, false, BackendExchange)
	defer rig.close()

	rig.prefillAll(t)
	for _, m := range rig.modules {
		require.Equal(t, 8, m.Pooled())
	}

	allocs := rig.reserveAll(t, "req-1", 8)
	requireValidTriples(t, f, allocs, 8)
}

func Test_Triple_Reserve_Takes_Once(t *testing.T) {
	f := field.Default()
	rig := newTestRig(t, f, 4, false, BackendExchange)
	defer rig.close()
	rig.prefillAll(t)

	m := rig.modules[0]
	first, err := m.Reserve("req-a", 2)
	require.NoError(t, err)
	second, err := m.Reserve("req-b", 2)
	require.NoError(t, err)
	require.Equal(t, 0, m.Pooled())

	a1, _, _, err := first.Next(2)
	require.NoError(t, err)
	a2, _, _, err := second.Next(2)
	require.NoError(t, err)
	// disjoint spans of the pool
	require.NotEqual(t, a1.Data, a2.Data)

	// an allocation cannot be overdrawn
	_, _, _, err = first.Next(1)
	require.True(t, xerrors.Is(err, ErrTripleExhausted))
}

func Test_Triple_Exhausted_Without_OnDemand(t *testing.T) {
	f := field.Default()
	rig := newTestRig(t, f, 2, false, BackendExchange)
	defer rig.close()
	rig.prefillAll(t)

	_, err := rig.modules[0].Reserve("req-big", 3)
	require.True(t, xerrors.Is(err, ErrTripleExhausted))
}

func Test_Triple_OnDemand_Generation(t *testing.T) {
	f := field.Default()
	rig := newTestRig(t, f, 0, true, BackendExchange)
	defer rig.close()

	allocs := rig.reserveAll(t, "req-od", 5)
	requireValidTriples(t, f, allocs, 5)
}

func Test_Triple_BFV_Backend_Pins_Modulus(t *testing.T) {
	transp := channel.NewTransport()
	socket, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	// the default field modulus is not the BFV plaintext modulus
	conf := &node.Configuration{
		Socket:          socket,
		MessageRegistry: standard.NewRegistry(),
		Servers:         []string{socket.GetAddress(), "127.0.0.1:2", "127.0.0.1:3"},
		Index:           0,
		Field:           field.Default(),
		Rand:            field.CryptoSource,
		RoundTimeout:    time.Second,
		TripleBackend:   BackendBFV,
	}
	msg := messaging.NewModule(conf)
	_, err = NewModule(conf, msg, protocol.NewModule(conf, msg))
	require.Error(t, err)
}

func Test_Triple_BFV_Generation(t *testing.T) {
	if testing.Short() {
		t.Skip("bfv batch generation is slow")
	}

	f := field.Field{Modulus: bfv.DefaultParams[bfv.PN13QP218].T, FracBits: 0}
	rig := newTestRig(t, f, 0, true, BackendBFV)
	defer rig.close()

	n := 16
	allocs := rig.reserveAll(t, "req-bfv", n)
	requireValidTriples(t, f, allocs, n)
}
