package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privml/trishare/types"
)

func Test_RespStore_Consumes_On_Wait(t *testing.T) {
	s := newRespStore()
	key := respKey{req: "r1", origin: "127.0.0.1:1"}

	s.put(key, &types.PredictResponseMessage{ReqID: "r1", Origin: "127.0.0.1:1"})
	require.Equal(t, 1, s.pending())

	resp, ok := s.wait(key, time.Second)
	require.True(t, ok)
	require.Equal(t, "r1", resp.ReqID)
	require.Zero(t, s.pending())
}

func Test_RespStore_Wakes_Waiter(t *testing.T) {
	s := newRespStore()
	key := respKey{req: "r1", origin: "127.0.0.1:1"}

	done := make(chan *types.PredictResponseMessage)
	go func() {
		resp, _ := s.wait(key, time.Second)
		done <- resp
	}()

	s.put(key, &types.PredictResponseMessage{ReqID: "r1"})
	resp := <-done
	require.NotNil(t, resp)
	require.Zero(t, s.pending())
}

// A request that fails before collecting every response must not leave the
// remaining ones parked.
func Test_RespStore_Discard_Drops_Leftovers(t *testing.T) {
	s := newRespStore()

	s.put(respKey{req: "r1", origin: "a"}, &types.PredictResponseMessage{ReqID: "r1", Origin: "a"})
	s.put(respKey{req: "r1", origin: "b"}, &types.PredictResponseMessage{ReqID: "r1", Origin: "b"})
	s.put(respKey{req: "r2", origin: "a"}, &types.PredictResponseMessage{ReqID: "r2", Origin: "a"})

	s.discard("r1")
	require.Equal(t, 1, s.pending())

	// the other request is untouched
	resp, ok := s.wait(respKey{req: "r2", origin: "a"}, time.Second)
	require.True(t, ok)
	require.Equal(t, "r2", resp.ReqID)
}
