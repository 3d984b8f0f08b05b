package protocol

import (
	"strings"
	"sync"
	"time"

	"github.com/privml/trishare/field"
)

type roundKey struct {
	req    string
	op     int
	round  int
	origin string
}

// roundStore parks peer round payloads until the local computation reaches
// the round that consumes them. Keys carry the request ID, so payloads of
// different requests can never bleed into each other.
type roundStore struct {
	sync.Mutex
	values  map[roundKey][]field.Tensor
	waiters map[roundKey]chan struct{}
}

func newRoundStore() *roundStore {
	return &roundStore{
		values:  map[roundKey][]field.Tensor{},
		waiters: map[roundKey]chan struct{}{},
	}
}

func (s *roundStore) put(key roundKey, shares []field.Tensor) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.values[key]; ok {
		// duplicate round message; first one wins
		return
	}
	s.values[key] = shares
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
}

// wait blocks until the payload for key arrives or the timeout elapses.
// Every key is consumed by exactly one waiter, so the payload is removed on
// hand-out; parked state does not outlive the round that uses it.
func (s *roundStore) wait(key roundKey, timeout time.Duration) ([]field.Tensor, bool) {
	s.Lock()
	if v, ok := s.values[key]; ok {
		delete(s.values, key)
		s.Unlock()
		return v, true
	}
	ch, ok := s.waiters[key]
	if !ok {
		ch = make(chan struct{})
		s.waiters[key] = ch
	}
	s.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		return nil, false
	}

	s.Lock()
	v, ok := s.values[key]
	delete(s.values, key)
	s.Unlock()
	return v, ok
}

// discard drops every parked payload and waiter belonging to a request.
// Called when a request aborts so no partial state survives.
func (s *roundStore) discard(reqID string) {
	s.Lock()
	defer s.Unlock()

	for key := range s.values {
		if key.req == reqID || strings.HasPrefix(key.req, reqID+"|") {
			delete(s.values, key)
		}
	}
	for key, ch := range s.waiters {
		if key.req == reqID || strings.HasPrefix(key.req, reqID+"|") {
			close(ch)
			delete(s.waiters, key)
		}
	}
}

// pending returns the number of parked payloads not yet consumed.
func (s *roundStore) pending() int {
	s.Lock()
	defer s.Unlock()
	return len(s.values)
}
