package triple

import (
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node/impl/protocol"
)

// crossTerms enumerates the six ordered share pairs (i, j) of the product
// (a0+a1+a2)(b0+b1+b2) that need a cross term a_i*b_j, together with the
// helper party k that deals the masks for that term. The enumeration is a
// protocol constant: all three nodes walk it in the same order.
var crossTerms = [6][3]int{
	{0, 1, 2},
	{1, 0, 2},
	{0, 2, 1},
	{2, 0, 1},
	{1, 2, 0},
	{2, 1, 0},
}

// generateExchange produces n fresh triple shares via masked cross-term
// exchanges. Each party samples its a and b shares locally; for every cross
// term a_i*b_j the helper k deals uniform masks to i and j, who exchange
// their masked shares and fold the term into their c shares:
//
//	c_i += a_i * (b_j + beta)
//	c_j -= beta * (a_i + alpha)
//	c_k += alpha * beta
//
// The masks are uniform ring elements, so no party learns anything about
// the other parties' shares. The exchange runs through the protocol round
// store under a dedicated generation request ID.
func (m *Module) generateExchange(genID string, n int) ([]uint64, []uint64, []uint64, error) {
	f := m.conf.Field
	self := m.conf.Index
	reqID := "triplegen|" + genID
	defer m.proto.DiscardRequest(reqID)

	a, err := f.RandTensor(m.conf.Rand, n)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := f.RandTensor(m.conf.Rand, n)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := f.MulTensor(a, b)
	if err != nil {
		return nil, nil, nil, err
	}

	for opID, cross := range crossTerms {
		i, j, k := cross[0], cross[1], cross[2]

		switch self {
		case k:
			alpha, err := f.RandTensor(m.conf.Rand, n)
			if err != nil {
				return nil, nil, nil, err
			}
			beta, err := f.RandTensor(m.conf.Rand, n)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := m.proto.SendRound(m.conf.Servers[i], reqID, opID, 0, []field.Tensor{alpha}); err != nil {
				return nil, nil, nil, err
			}
			if err := m.proto.SendRound(m.conf.Servers[j], reqID, opID, 1, []field.Tensor{beta}); err != nil {
				return nil, nil, nil, err
			}
			for e := 0; e < n; e++ {
				c.Data[e] = f.Add(c.Data[e], f.Mul(alpha.Data[e], beta.Data[e]))
			}

		case i:
			alpha, err := m.waitOne(reqID, opID, 0, m.conf.Servers[k], n)
			if err != nil {
				return nil, nil, nil, err
			}
			masked, err := f.AddTensor(a, alpha)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := m.proto.SendRound(m.conf.Servers[j], reqID, opID, 2, []field.Tensor{masked}); err != nil {
				return nil, nil, nil, err
			}
			yb, err := m.waitOne(reqID, opID, 3, m.conf.Servers[j], n)
			if err != nil {
				return nil, nil, nil, err
			}
			for e := 0; e < n; e++ {
				c.Data[e] = f.Add(c.Data[e], f.Mul(a.Data[e], yb.Data[e]))
			}

		case j:
			beta, err := m.waitOne(reqID, opID, 1, m.conf.Servers[k], n)
			if err != nil {
				return nil, nil, nil, err
			}
			masked, err := f.AddTensor(b, beta)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := m.proto.SendRound(m.conf.Servers[i], reqID, opID, 3, []field.Tensor{masked}); err != nil {
				return nil, nil, nil, err
			}
			xa, err := m.waitOne(reqID, opID, 2, m.conf.Servers[i], n)
			if err != nil {
				return nil, nil, nil, err
			}
			for e := 0; e < n; e++ {
				c.Data[e] = f.Sub(c.Data[e], f.Mul(beta.Data[e], xa.Data[e]))
			}
		}
	}

	return a.Data, b.Data, c.Data, nil
}

func (m *Module) waitOne(reqID string, opID, round int, origin string, n int) (field.Tensor, error) {
	shares, err := m.proto.WaitRound(reqID, opID, round, origin)
	if err != nil {
		return field.Tensor{}, err
	}
	if len(shares) != 1 || shares[0].Numel() != n {
		return field.Tensor{}, xerrors.Errorf("generation %s op %d: malformed payload from %s: %w",
			reqID, opID, origin, protocol.ErrProtocolAborted)
	}
	return shares[0], nil
}
