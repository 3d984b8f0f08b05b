package field

import (
	"encoding/binary"
	"io"
	"math"
	"math/bits"

	"golang.org/x/xerrors"
)

// ErrShapeMismatch is returned whenever two tensors that are expected to
// carry the same shape disagree. Shape checks always happen before any
// value is touched.
var ErrShapeMismatch = xerrors.New("shape mismatch")

// Field is the ring Z_M over which all shared arithmetic is performed.
// Real values are encoded as fixed-point integers with FracBits fractional
// bits. Values in the upper half of the ring are interpreted as negative.
//
// The modulus must be odd and strictly smaller than 2^63 so that signed
// decoding and masked reveals are unambiguous. Accumulated magnitudes must
// stay below Modulus >> (2*FracBits + 2); overflowing that bound wraps
// silently and is a configuration error, not a runtime one.
type Field struct {
	Modulus  uint64 `yaml:"modulus" json:"modulus"`
	FracBits uint   `yaml:"fracBits" json:"fracBits"`
}

// DefaultModulus is the Mersenne prime 2^61 - 1.
const DefaultModulus = uint64(1)<<61 - 1

// DefaultFracBits is the default fixed-point precision.
const DefaultFracBits = uint(13)

// Default returns the field used when the cluster configuration does not
// pin one.
func Default() Field {
	return Field{Modulus: DefaultModulus, FracBits: DefaultFracBits}
}

// Validate checks the configured modulus and precision.
func (f Field) Validate() error {
	if f.Modulus < 3 || f.Modulus%2 == 0 {
		return xerrors.Errorf("modulus must be odd and >= 3, got %d", f.Modulus)
	}
	if f.Modulus >= uint64(1)<<63 {
		return xerrors.Errorf("modulus must be below 2^63, got %d", f.Modulus)
	}
	if f.FracBits*4 >= 64 {
		return xerrors.Errorf("fracBits too large: %d", f.FracBits)
	}
	return nil
}

// Add returns a + b mod M.
func (f Field) Add(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry == 1 || sum >= f.Modulus {
		sum -= f.Modulus
	}
	return sum
}

// Sub returns a - b mod M.
func (f Field) Sub(a, b uint64) uint64 {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow == 1 {
		diff += f.Modulus
	}
	return diff
}

// Neg returns -a mod M.
func (f Field) Neg(a uint64) uint64 {
	if a == 0 {
		return 0
	}
	return f.Modulus - a
}

// Mul returns a * b mod M using the full 128-bit product.
func (f Field) Mul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	// hi < M always holds for a, b < M, so Div64 cannot trap.
	_, rem := bits.Div64(hi, lo, f.Modulus)
	return rem
}

// Encode maps a real value to its fixed-point ring element.
func (f Field) Encode(x float64) uint64 {
	scaled := math.Round(x * float64(uint64(1)<<f.FracBits))
	if scaled >= 0 {
		return uint64(scaled) % f.Modulus
	}
	return f.Modulus - uint64(-scaled)%f.Modulus
}

// Decode maps a ring element back to a real value, interpreting the upper
// half of the ring as negative.
func (f Field) Decode(u uint64) float64 {
	return f.DecodeFrac(u, f.FracBits)
}

// DecodeFrac decodes with an explicit fractional precision. Intermediate
// products carry 2*FracBits fractional bits before truncation.
func (f Field) DecodeFrac(u uint64, frac uint) float64 {
	scale := float64(uint64(1) << frac)
	if u > f.Modulus/2 {
		return -float64(f.Modulus-u) / scale
	}
	return float64(u) / scale
}

// Signed reports whether the element encodes a negative value.
func (f Field) Signed(u uint64) bool {
	return u > f.Modulus/2
}

// Rand samples a uniform ring element from src via rejection sampling.
func (f Field) Rand(src io.Reader) (uint64, error) {
	limit := math.MaxUint64 - math.MaxUint64%f.Modulus
	var buf [8]byte
	for {
		if _, err := io.ReadFull(src, buf[:]); err != nil {
			return 0, xerrors.Errorf("sample ring element: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % f.Modulus, nil
		}
	}
}

// RandBounded samples uniformly from [0, bound).
func (f Field) RandBounded(src io.Reader, bound uint64) (uint64, error) {
	if bound == 0 || bound > f.Modulus {
		return 0, xerrors.Errorf("invalid bound %d", bound)
	}
	limit := math.MaxUint64 - math.MaxUint64%bound
	var buf [8]byte
	for {
		if _, err := io.ReadFull(src, buf[:]); err != nil {
			return 0, xerrors.Errorf("sample bounded element: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % bound, nil
		}
	}
}
