package types

import "fmt"

// -----------------------------------------------------------------------------
// RoundShareMessage

// NewEmpty implements types.Message.
func (m RoundShareMessage) NewEmpty() Message {
	return &RoundShareMessage{}
}

// Name implements types.Message.
func (RoundShareMessage) Name() string {
	return "roundshare"
}

// String implements types.Message.
func (m RoundShareMessage) String() string {
	return fmt.Sprintf("{roundshare req=%s op=%d round=%d from %s}", m.ReqID, m.OpID, m.Round, m.Origin)
}

// HTML implements types.Message.
func (m RoundShareMessage) HTML() string {
	return m.String()
}

// -----------------------------------------------------------------------------
// TripleCipherMessage

// NewEmpty implements types.Message.
func (m TripleCipherMessage) NewEmpty() Message {
	return &TripleCipherMessage{}
}

// Name implements types.Message.
func (TripleCipherMessage) Name() string {
	return "triplecipher"
}

// String implements types.Message.
func (m TripleCipherMessage) String() string {
	return fmt.Sprintf("{triplecipher gen=%s phase=%d from %s}", m.GenID, m.Phase, m.Origin)
}

// HTML implements types.Message.
func (m TripleCipherMessage) HTML() string {
	return m.String()
}
