package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step names the external, state-mutating call an Intent guards.
type Step string

const (
	StepCreateRun      Step = "create_run"
	StepCreateRunVault Step = "create_run_vault"
	StepStartRun       Step = "start_run"
	StepOpenPosition   Step = "open_position"
	StepClosePosition  Step = "close_position"
	StepRecordTrade    Step = "record_trade"
	StepSettleRun      Step = "settle_run"
	StepWithdraw       Step = "withdraw"
)

// Intent records that an external call for (RunID, Step) was about to
// be issued. It is written before the call and deleted once the call's
// effect is durably recorded (e.g. the Trade row is written). An
// Intent with no matching completion stays in the ledger and is listed
// by Pending/PendingForRun; nothing replays it on startup.
type Intent struct {
	RunID    string    `json:"runId"`
	Step     Step      `json:"step"`
	Round    int       `json:"round,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
	Detail   string    `json:"detail,omitempty"`
}

const intentPrefix = "intent/"

func intentKey(runID string, step Step, round int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%d", intentPrefix, runID, step, round))
}

// IntentLedger persists intents before external calls and resolves
// them afterward, so calls interrupted by a crash remain listed as
// pending; it does not re-issue them.
type IntentLedger struct {
	kv KV
}

func NewIntentLedger(kv KV) *IntentLedger {
	return &IntentLedger{kv: kv}
}

// Record persists the intent to issue an external call. Call this
// before the call, not after.
func (l *IntentLedger) Record(in Intent) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	return l.kv.Put(intentKey(in.RunID, in.Step, in.Round), b)
}

// Complete removes the intent marker once the call's effect has been
// durably recorded elsewhere (Store write, on-chain confirmation).
func (l *IntentLedger) Complete(runID string, step Step, round int) error {
	return l.kv.Delete(intentKey(runID, step, round))
}

// Pending scans for every unresolved intent.
func (l *IntentLedger) Pending() ([]Intent, error) {
	var out []Intent
	err := l.kv.Iterate([]byte(intentPrefix), func(_, value []byte) error {
		var in Intent
		if err := json.Unmarshal(value, &in); err != nil {
			return fmt.Errorf("unmarshal intent: %w", err)
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

// PendingForRun scans for unresolved intents scoped to a single run.
func (l *IntentLedger) PendingForRun(runID string) ([]Intent, error) {
	var out []Intent
	err := l.kv.Iterate([]byte(intentPrefix+runID+"/"), func(_, value []byte) error {
		var in Intent
		if err := json.Unmarshal(value, &in); err != nil {
			return fmt.Errorf("unmarshal intent: %w", err)
		}
		out = append(out, in)
		return nil
	})
	return out, err
}
