package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntentLedgerRecordAndComplete(t *testing.T) {
	l := NewIntentLedger(NewMemKV())

	require.NoError(t, l.Record(Intent{RunID: "run-1", Step: StepOpenPosition, Round: 2, IssuedAt: time.Now()}))
	require.NoError(t, l.Record(Intent{RunID: "run-1", Step: StepSettleRun, IssuedAt: time.Now()}))
	require.NoError(t, l.Record(Intent{RunID: "run-2", Step: StepOpenPosition, Round: 1, IssuedAt: time.Now()}))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	runOnePending, err := l.PendingForRun("run-1")
	require.NoError(t, err)
	require.Len(t, runOnePending, 2)

	require.NoError(t, l.Complete("run-1", StepOpenPosition, 2))
	runOnePending, err = l.PendingForRun("run-1")
	require.NoError(t, err)
	require.Len(t, runOnePending, 1)
	require.Equal(t, StepSettleRun, runOnePending[0].Step)
}

func TestFastLogAppendAndRecoverSequence(t *testing.T) {
	kv := NewMemKV()
	log, err := NewFastLog(kv)
	require.NoError(t, err)

	seq1, err := log.Append(Entry{Type: "RUN_START", Message: "run created", CreatedAt: time.Now()})
	require.NoError(t, err)
	seq2, err := log.Append(Entry{Type: "ROUND_START", Message: "round 1 opened", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)

	entries, err := log.Since(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	reopened, err := NewFastLog(kv)
	require.NoError(t, err)
	seq3, err := reopened.Append(Entry{Type: "ROUND_END", Message: "round 1 closed", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, seq2+1, seq3)
}
