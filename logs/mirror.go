package logs

import (
	"context"

	"github.com/solpool/poolrund/ledger"
	"github.com/solpool/poolrund/store"
)

// MirroringStore wraps a store.Store so every AppendSystemLog call is
// also written to the FastLog once the backing SQL/gorm write has
// succeeded; a failed store write is returned and not mirrored. A
// FastLog write failure is swallowed: the SQL store remains the system
// of record, the mirror is best-effort.
type MirroringStore struct {
	store.Store
	fast *ledger.FastLog
}

// NewMirroringStore wraps st so its system log writes are mirrored
// into fast.
func NewMirroringStore(st store.Store, fast *ledger.FastLog) *MirroringStore {
	return &MirroringStore{Store: st, fast: fast}
}

func (m *MirroringStore) AppendSystemLog(ctx context.Context, entry *store.SystemLog) error {
	if err := m.Store.AppendSystemLog(ctx, entry); err != nil {
		return err
	}
	runID := ""
	if entry.RunID != nil {
		runID = *entry.RunID
	}
	_, _ = m.fast.Append(ledger.Entry{
		RunID:     runID,
		Type:      string(entry.Type),
		Message:   entry.Message,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	})
	return nil
}
