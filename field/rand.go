package field

import (
	"crypto/rand"
	"io"
	mrand "math/rand"
)

// CryptoSource is the production randomness source.
var CryptoSource io.Reader = rand.Reader

// NewSeededSource returns a deterministic randomness source. It exists for
// reproducible sharing and triple generation in tests and must never be used
// in production.
func NewSeededSource(seed int64) io.Reader {
	return &seededSource{rnd: mrand.New(mrand.NewSource(seed))}
}

type seededSource struct {
	rnd *mrand.Rand
}

func (s *seededSource) Read(p []byte) (int, error) {
	return s.rnd.Read(p)
}
