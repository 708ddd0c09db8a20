// Package ledger implements the intent-ledger pattern described in the
// Design Notes: persist intent before every external, state-mutating
// call (chain or DEX) and delete it on completion, so intents with no
// completion marker can be listed after a restart; nothing in the
// module replays them automatically. It is backed by an embedded
// goleveldb store, the same KV abstraction the teacher uses for its
// node-local account/nonce state.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is a generic key-value store. Both an in-memory map and an
// embedded LevelDB instance satisfy it, so tests never touch disk.
type KV interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// Iterate calls fn for every key with the given prefix, in key order.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// ErrKeyNotFound is returned by Get when the key is absent.
var ErrKeyNotFound = fmt.Errorf("ledger: key not found")

// MemKV is an in-memory KV for tests.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (m *MemKV) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := append([]byte(nil), value...)
	m.data[string(key)] = cloned
	return nil
}

func (m *MemKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemKV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	type kv struct {
		k, v []byte
	}
	var matches []kv
	for k, v := range m.data {
		if hasPrefix([]byte(k), prefix) {
			matches = append(matches, kv{k: []byte(k), v: v})
		}
	}
	m.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool { return string(matches[i].k) < string(matches[j].k) })
	for _, e := range matches {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemKV) Close() error { return nil }

func hasPrefix(s, prefix []byte) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}

// LevelKV is the persistent KV backend used in production.
type LevelKV struct {
	db *leveldb.DB
}

// NewLevelKV opens or creates a LevelDB database at path.
func NewLevelKV(path string) (*LevelKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelKV{db: db}, nil
}

func (l *LevelKV) Put(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *LevelKV) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	return v, err
}

func (l *LevelKV) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *LevelKV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelKV) Close() error { return l.db.Close() }
