package types

import "github.com/privml/trishare/field"

// RoundShareMessage carries the masked share tensors one server emits during
// a single protocol round. The (ReqID, OpID, Round, Origin) tuple is globally
// consistent across the three nodes for a given request: it is the key under
// which the receiver parks the payload, so rounds of different requests can
// never be confused with each other.
type RoundShareMessage struct {
	ReqID  string
	OpID   int
	Round  int
	Origin string
	Shares []field.Tensor
}

// TripleCipherMessage carries one ciphertext of the homomorphic offline
// triple generation protocol.
type TripleCipherMessage struct {
	GenID  string
	Phase  int
	Origin string
	Data   []byte
}
