package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privml/trishare/transport"
)

func newPacket(src, dest, payload string) transport.Packet {
	header := transport.NewHeader(src, src, dest, 0)
	msg := transport.Message{Type: "test", Payload: []byte(`"` + payload + `"`)}
	return transport.Packet{Header: &header, Msg: &msg}
}

func Test_Channel_Send_Recv(t *testing.T) {
	transp := NewTransport()

	s1, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	s2, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	require.NotEqual(t, s1.GetAddress(), s2.GetAddress())

	err = s1.Send(s2.GetAddress(), newPacket(s1.GetAddress(), s2.GetAddress(), "hello"), time.Second)
	require.NoError(t, err)

	pkt, err := s2.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, s1.GetAddress(), pkt.Header.Source)
	require.Equal(t, "test", pkt.Msg.Type)
}

func Test_Channel_Recv_Timeout(t *testing.T) {
	transp := NewTransport()

	s, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	_, err = s.Recv(time.Millisecond * 10)
	require.Error(t, err)
}

func Test_Channel_Send_To_Unknown(t *testing.T) {
	transp := NewTransport()

	s, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	err = s.Send("127.0.0.1:9999", newPacket(s.GetAddress(), "127.0.0.1:9999", "x"), time.Second)
	require.Error(t, err)
}

func Test_Channel_Drop_Filter(t *testing.T) {
	transp := NewTransport()

	s1, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	s2, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	sock := s1.(*Socket)
	sock.SetDropFilter(func(dest string, pkt transport.Packet) bool {
		return pkt.Msg.Type == "test"
	})

	// the drop is silent: Send reports success
	err = s1.Send(s2.GetAddress(), newPacket(s1.GetAddress(), s2.GetAddress(), "lost"), time.Second)
	require.NoError(t, err)
	_, err = s2.Recv(time.Millisecond * 50)
	require.Error(t, err)

	sock.SetDropFilter(nil)
	err = s1.Send(s2.GetAddress(), newPacket(s1.GetAddress(), s2.GetAddress(), "kept"), time.Second)
	require.NoError(t, err)
	_, err = s2.Recv(time.Second)
	require.NoError(t, err)
}

func Test_Channel_Close(t *testing.T) {
	transp := NewTransport()

	s, err := transp.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Error(t, s.Close())

	_, err = transp.CreateSocket(s.GetAddress())
	require.NoError(t, err)
}
