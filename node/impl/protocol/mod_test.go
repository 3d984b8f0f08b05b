package protocol_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/messaging"
	"github.com/privml/trishare/node/impl/protocol"
	"github.com/privml/trishare/node/impl/triple"
	"github.com/privml/trishare/registry/standard"
	"github.com/privml/trishare/sharing"
	"github.com/privml/trishare/transport"
	"github.com/privml/trishare/transport/channel"
)

type testParty struct {
	conf  *node.Configuration
	proto *protocol.Module
	stop  chan struct{}
}

// newTestParties wires three protocol engines over one channel transport,
// with on-demand triple generation and no pool.
func newTestParties(t *testing.T) [3]*testParty {
	transp := channel.NewTransport()

	addrs := make([]string, 3)
	sockets := make([]transport.ClosableSocket, 3)
	for i := range sockets {
		socket, err := transp.CreateSocket("127.0.0.1:0")
		require.NoError(t, err)
		sockets[i] = socket
		addrs[i] = socket.GetAddress()
	}

	var parties [3]*testParty
	for i := range parties {
		conf := &node.Configuration{
			Socket:          sockets[i],
			MessageRegistry: standard.NewRegistry(),
			Servers:         addrs,
			Index:           i,
			Field:           field.Default(),
			Rand:            field.CryptoSource,
			RoundTimeout:    time.Second * 2,
			OnDemandTriples: true,
		}
		msg := messaging.NewModule(conf)
		proto := protocol.NewModule(conf, msg)
		triples, err := triple.NewModule(conf, msg, proto)
		require.NoError(t, err)
		proto.SetTripleSource(triples)

		p := &testParty{conf: conf, proto: proto, stop: make(chan struct{})}
		go func() {
			for {
				select {
				case <-p.stop:
					return
				default:
					pkt, err := conf.Socket.Recv(time.Millisecond * 100)
					if err != nil {
						continue
					}
					_ = conf.MessageRegistry.ProcessPacket(pkt)
				}
			}
		}()
		parties[i] = p
	}

	return parties
}

func stopAll(parties [3]*testParty) {
	for _, p := range parties {
		close(p.stop)
		_ = p.conf.Socket.Close()
	}
}

// runOnAll runs the same protocol function on the three parties
// concurrently and returns per-party outputs and errors.
func runOnAll(t *testing.T, parties [3]*testParty, reqID string, demand int,
	fn func(e *protocol.Exec) (field.Tensor, error)) ([3]field.Tensor, [3]error) {

	var outs [3]field.Tensor
	var errs [3]error
	var wg sync.WaitGroup
	for i, p := range parties {
		wg.Add(1)
		go func(i int, p *testParty) {
			defer wg.Done()
			exec, err := p.proto.NewExec(reqID, demand)
			if err != nil {
				errs[i] = err
				return
			}
			outs[i], errs[i] = fn(exec)
		}(i, p)
	}
	wg.Wait()
	return outs, errs
}

func splitValues(t *testing.T, f field.Field, values []float64, shape []int) []field.Tensor {
	shares, err := sharing.SplitValues(f, values, shape, 3, field.CryptoSource)
	require.NoError(t, err)
	return shares
}

func combineDecode(t *testing.T, f field.Field, shares [3]field.Tensor) []float64 {
	out, err := sharing.Combine(f, shares[:])
	require.NoError(t, err)
	return f.DecodeTensor(out)
}

func Test_Protocol_Open_Reconstructs(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	shares := splitValues(t, f, []float64{1.0, -2.0, 3.0}, []int{3})

	outs, errs := runOnAll(t, parties, "req-open", 0,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Open(shares[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	// every party reconstructs the same plaintext
	for i := range outs {
		decoded := f.DecodeTensor(outs[i])
		require.InDelta(t, 1.0, decoded[0], 0.001)
		require.InDelta(t, -2.0, decoded[1], 0.001)
		require.InDelta(t, 3.0, decoded[2], 0.001)
	}
}

func Test_Protocol_Add_Is_Local(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{1.5, -0.5}, []int{2})
	ys := splitValues(t, f, []float64{2.0, 4.25}, []int{2})

	outs, errs := runOnAll(t, parties, "req-add", 0,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Add(xs[e.Index()], ys[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, 3.5, decoded[0], 0.001)
	require.InDelta(t, 3.75, decoded[1], 0.001)
}

func Test_Protocol_Mul_FixedPoint(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{2.5, -1.5, 0.25}, []int{3})
	ys := splitValues(t, f, []float64{-1.25, -2.0, 8.0}, []int{3})

	outs, errs := runOnAll(t, parties, "req-mul", 3,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Mul(xs[e.Index()], ys[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, -3.125, decoded[0], 0.01)
	require.InDelta(t, 3.0, decoded[1], 0.01)
	require.InDelta(t, 2.0, decoded[2], 0.01)
}

func Test_Protocol_Mul_Shape_Mismatch(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{1, 2}, []int{2})
	ys := splitValues(t, f, []float64{1, 2, 3}, []int{3})

	_, errs := runOnAll(t, parties, "req-mul-shape", 3,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.MulRaw(xs[e.Index()], ys[e.Index()])
		})

	for i := range errs {
		require.True(t, xerrors.Is(errs[i], field.ErrShapeMismatch))
	}
}

func Test_Protocol_ReLU(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{1.5, -2.25, 0.5, -0.125}, []int{4})

	outs, errs := runOnAll(t, parties, "req-relu", 4,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.ReLU(xs[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, 1.5, decoded[0], 0.01)
	require.InDelta(t, 0.0, decoded[1], 0.01)
	require.InDelta(t, 0.5, decoded[2], 0.01)
	require.InDelta(t, 0.0, decoded[3], 0.01)
}

func Test_Protocol_MaxPairs(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	as := splitValues(t, f, []float64{1.0, -3.0, 2.5}, []int{3})
	bs := splitValues(t, f, []float64{0.5, -1.0, 4.0}, []int{3})

	outs, errs := runOnAll(t, parties, "req-max", 3,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.MaxPairs(as[e.Index()], bs[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, 1.0, decoded[0], 0.01)
	require.InDelta(t, -1.0, decoded[1], 0.01)
	require.InDelta(t, 4.0, decoded[2], 0.01)
}

func Test_Protocol_AddPublic(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{1.0, -2.5}, []int{2})
	pub, err := f.EncodeTensor([]float64{0.5, 4.0}, 2)
	require.NoError(t, err)

	outs, errs := runOnAll(t, parties, "req-addpub", 0,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.AddPublic(xs[e.Index()], pub)
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, 1.5, decoded[0], 0.001)
	require.InDelta(t, 1.5, decoded[1], 0.001)
}

// A completed request must leave no parked round payloads behind: every
// payload is consumed by the wait that uses it.
func Test_Protocol_Round_State_Cleared_After_Success(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	xs := splitValues(t, f, []float64{2.5, -1.5}, []int{2})
	ys := splitValues(t, f, []float64{-2.0, 3.0}, []int{2})

	outs, errs := runOnAll(t, parties, "req-cleanup", 2,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Mul(xs[e.Index()], ys[e.Index()])
		})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, -5.0, decoded[0], 0.01)
	require.InDelta(t, -4.5, decoded[1], 0.01)

	for i, p := range parties {
		require.Zero(t, p.proto.PendingRounds(), "party %d", i)
	}
}

func Test_Protocol_Abort_On_Dropped_Message(t *testing.T) {
	parties := newTestParties(t)
	defer stopAll(parties)
	f := parties[0].conf.Field

	victim := parties[1].conf.Addr()
	parties[0].conf.Socket.(*channel.Socket).SetDropFilter(
		func(dest string, pkt transport.Packet) bool {
			return dest == victim && pkt.Msg.Type == "roundshare"
		})

	xs := splitValues(t, f, []float64{2.0}, []int{1})
	ys := splitValues(t, f, []float64{3.0}, []int{1})

	_, errs := runOnAll(t, parties, "req-dropped", 1,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Mul(xs[e.Index()], ys[e.Index()])
		})

	// party 1 misses party 0's opening and aborts; the others then miss
	// party 1's next round and abort as well
	for i := range errs {
		require.True(t, xerrors.Is(errs[i], protocol.ErrProtocolAborted), "party %d: %v", i, errs[i])
	}

	// the abort is isolated to that request: with delivery restored a
	// fresh request succeeds
	parties[0].conf.Socket.(*channel.Socket).SetDropFilter(nil)
	for _, p := range parties {
		p.proto.DiscardRequest("req-dropped")
	}

	outs, errs := runOnAll(t, parties, "req-after-drop", 1,
		func(e *protocol.Exec) (field.Tensor, error) {
			return e.Mul(xs[e.Index()], ys[e.Index()])
		})
	for i := range errs {
		require.NoError(t, errs[i])
	}
	decoded := combineDecode(t, f, outs)
	require.InDelta(t, 6.0, decoded[0], 0.01)
}
