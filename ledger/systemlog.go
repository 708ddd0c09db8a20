package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FastLog is an append-only mirror of SystemLog rows in the embedded
// KV store. logs.MirroringStore appends to it after each successful
// Store write, and the logs.Exporter copies its entries into parquet.
// Sequence numbers start at 1.
type FastLog struct {
	kv  KV
	mu  sync.Mutex
	seq uint64
}

const systemLogPrefix = "syslog/"

// NewFastLog wraps kv, recovering the next sequence number from the
// highest key already present.
func NewFastLog(kv KV) (*FastLog, error) {
	l := &FastLog{kv: kv, seq: 1}
	err := kv.Iterate([]byte(systemLogPrefix), func(key, _ []byte) error {
		seq := binary.BigEndian.Uint64(key[len(systemLogPrefix):])
		if seq >= l.seq {
			l.seq = seq + 1
		}
		return nil
	})
	return l, err
}

// Entry is the FastLog's on-disk representation, structurally
// equivalent to store.SystemLog but independent of the store package
// to avoid a dependency cycle.
type Entry struct {
	Seq       uint64         `json:"seq"`
	RunID     string         `json:"runId,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Append writes the next entry and returns its assigned sequence.
func (l *FastLog) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	seq := l.seq
	l.seq++
	l.mu.Unlock()

	e.Seq = seq
	b, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal system log entry: %w", err)
	}
	key := make([]byte, len(systemLogPrefix)+8)
	copy(key, systemLogPrefix)
	binary.BigEndian.PutUint64(key[len(systemLogPrefix):], seq)
	if err := l.kv.Put(key, b); err != nil {
		return 0, err
	}
	return seq, nil
}

// Since returns every entry with sequence greater than after, in order.
func (l *FastLog) Since(after uint64) ([]Entry, error) {
	var out []Entry
	err := l.kv.Iterate([]byte(systemLogPrefix), func(key, value []byte) error {
		seq := binary.BigEndian.Uint64(key[len(systemLogPrefix):])
		if seq <= after {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("unmarshal system log entry: %w", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
