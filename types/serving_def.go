package types

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/privml/trishare/field"
)

// PredictRequestMessage is the client-submitted encrypted input: one input
// share per server, a correlation identifier, and an ECDSA signature binding
// the share to the client identity. Each server verifies the signature over
// its own copy before enqueuing.
type PredictRequestMessage struct {
	ReqID      string
	Client     string // client account address (hex)
	ClientAddr string // network address for the response
	Input      field.Tensor
	Signature  []byte
}

// RequestDigest computes the digest the client signs: it binds the request
// ID, the client identity and the exact share sent to one server, so a
// tampered share fails verification on that server.
func RequestDigest(reqID, client string, input field.Tensor) []byte {
	h := sha256.New()
	h.Write([]byte(reqID))
	h.Write([]byte("||"))
	h.Write([]byte(client))
	h.Write([]byte("||"))
	var buf [8]byte
	for _, d := range input.Shape {
		binary.BigEndian.PutUint64(buf[:], uint64(d))
		h.Write(buf[:])
	}
	h.Write([]byte("||"))
	for _, v := range input.Data {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// PredictResponseMessage returns one output share, or a request-scoped
// error, to the client.
type PredictResponseMessage struct {
	ReqID  string
	Origin string
	Output *field.Tensor
	Error  string
}
