// Package storage provides the node-local key/value store holding the
// server's weight-share bundle and its served-request audit records. The
// store hash pins the startup state: a node whose bundle digest disagrees
// with the configured one refuses to serve.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// Hashable values contribute their own digest to the store hash.
type Hashable interface {
	Hash() string
}

// KVStore is a string-keyed store with a deterministic content hash.
type KVStore interface {
	Get(key string) (interface{}, bool)
	Put(key string, value interface{}) error
	Del(key string) error
	For(func(key string, value interface{}) error) error
	Len() int
	Hash() []byte
}

// BasicKV is the in-memory KVStore used by the node. Safe for concurrent
// use: the serving loop appends audit records while the status endpoint
// reads.
type BasicKV struct {
	mu    sync.RWMutex
	store map[string]interface{}
}

func NewBasicKV() *BasicKV {
	return &BasicKV{
		store: make(map[string]interface{}),
	}
}

func (kv *BasicKV) Get(key string) (interface{}, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

func (kv *BasicKV) Put(key string, value interface{}) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.store[key] = value
	return nil
}

func (kv *BasicKV) Del(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.store, key)
	return nil
}

func (kv *BasicKV) For(action func(key string, value interface{}) error) error {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	for k, v := range kv.store {
		err := action(k, v)
		if err != nil {
			return err
		}
	}
	return nil
}

func (kv *BasicKV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// Hash digests keys in sorted order so the result is independent of map
// iteration order.
func (kv *BasicKV) Hash() []byte {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	sorted := make([]string, 0, len(kv.store))
	for k := range kv.store {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, key := range sorted {
		h.Write([]byte(key))
		switch vv := kv.store[key].(type) {
		case Hashable:
			h.Write([]byte(vv.Hash()))
		default:
			h.Write([]byte(Hash(vv)))
		}
	}

	return h.Sum(nil)
}

// Hash returns the hex sha256 digest of a value's JSON form.
func Hash(value interface{}) string {
	h := sha256.New()
	bytes, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	h.Write(bytes)

	return hex.EncodeToString(h.Sum(nil))
}
