package types

import "fmt"

// -----------------------------------------------------------------------------
// PredictRequestMessage

// NewEmpty implements types.Message.
func (m PredictRequestMessage) NewEmpty() Message {
	return &PredictRequestMessage{}
}

// Name implements types.Message.
func (PredictRequestMessage) Name() string {
	return "predictrequest"
}

// String implements types.Message.
func (m PredictRequestMessage) String() string {
	return fmt.Sprintf("{predictrequest %s from %s}", m.ReqID, m.Client)
}

// HTML implements types.Message.
func (m PredictRequestMessage) HTML() string {
	return m.String()
}

// -----------------------------------------------------------------------------
// PredictResponseMessage

// NewEmpty implements types.Message.
func (m PredictResponseMessage) NewEmpty() Message {
	return &PredictResponseMessage{}
}

// Name implements types.Message.
func (PredictResponseMessage) Name() string {
	return "predictresponse"
}

// String implements types.Message.
func (m PredictResponseMessage) String() string {
	if m.Error != "" {
		return fmt.Sprintf("{predictresponse %s from %s: error %s}", m.ReqID, m.Origin, m.Error)
	}
	return fmt.Sprintf("{predictresponse %s from %s}", m.ReqID, m.Origin)
}

// HTML implements types.Message.
func (m PredictResponseMessage) HTML() string {
	return m.String()
}
