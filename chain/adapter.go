package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/solpool/poolrund/crypto"
	"github.com/solpool/poolrund/ledger"
	"github.com/solpool/poolrund/store"
)

// Submitter is the minimal transport the Adapter needs: send a signed
// instruction payload to the on-chain program and get back a
// transaction id, or check whether an account already exists.
type Submitter interface {
	Submit(ctx context.Context, instruction Instruction, programID string, payload []byte) (txID string, err error)
	AccountExists(ctx context.Context, pda [32]byte) (bool, error)
}

// Adapter issues the fixed instruction set against the on-chain
// program. Every mutating call is (run, step)-idempotent: it checks
// Store/account existence first, and records an Intent before
// submission that stays pending if the call does not complete;
// PendingForRun lists such intents, and nothing replays them.
type Adapter struct {
	programID string
	submitter Submitter
	signer    *crypto.PrivateKey
	intents   *ledger.IntentLedger
}

// NewAdapter constructs a Chain Adapter bound to one on-chain program.
func NewAdapter(programID string, submitter Submitter, signer *crypto.PrivateKey, intents *ledger.IntentLedger) *Adapter {
	return &Adapter{programID: programID, submitter: submitter, signer: signer, intents: intents}
}

type instructionPayload struct {
	Instruction Instruction    `json:"instruction"`
	RunID       string         `json:"runId"`
	NumericID   uint64         `json:"numericId"`
	Round       *int           `json:"round,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Signature   string         `json:"signature"`
}

func (a *Adapter) sign(payload []byte) string {
	if a.signer == nil {
		return ""
	}
	hash := ethcrypto.Keccak256(payload)
	sig, err := ethcrypto.Sign(hash, a.signer.PrivateKey)
	if err != nil {
		return ""
	}
	return hexutil.Encode(sig)
}

func (a *Adapter) submit(ctx context.Context, runID string, numericID uint64, instr Instruction, step ledger.Step, round *int, args map[string]any) (string, error) {
	body := instructionPayload{Instruction: instr, RunID: runID, NumericID: numericID, Round: round, Args: args}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal instruction payload: %w", err)
	}
	body.Signature = a.sign(raw)
	raw, err = json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal signed instruction payload: %w", err)
	}

	roundVal := 0
	if round != nil {
		roundVal = *round
	}
	intent := ledger.Intent{RunID: runID, Step: step, Round: roundVal, IssuedAt: time.Now().UTC()}
	if a.intents != nil {
		if err := a.intents.Record(intent); err != nil {
			return "", fmt.Errorf("record intent: %w", err)
		}
	}

	txID, err := a.submitter.Submit(ctx, instr, a.programID, raw)
	if err != nil {
		return "", err
	}

	if a.intents != nil {
		_ = a.intents.Complete(runID, step, roundVal)
	}
	return txID, nil
}

// InitializePlatformOnce is the one-time bootstrap instruction; it
// fails if the platform account already exists.
func (a *Adapter) InitializePlatformOnce(ctx context.Context, feeBps int) (string, error) {
	return a.submit(ctx, "", 0, InitializePlatform, ledger.Step(InitializePlatform), nil, map[string]any{"feeBps": feeBps})
}

// CreateRun issues create_run. Callers must check Store for an
// existing run before calling; resubmission is still safe because the
// on-chain program itself checks account existence.
func (a *Adapter) CreateRun(ctx context.Context, runID string, numericID uint64, min, max int64, maxParticipants int) (string, error) {
	pda := RunPDA(a.programID, numericID)
	exists, err := a.submitter.AccountExists(ctx, pda)
	if err != nil {
		return "", err
	}
	if exists {
		return HexPDA(pda), nil
	}
	bech32PDA, err := EncodePDA(crypto.RunPrefix, pda)
	if err != nil {
		return "", fmt.Errorf("encode run pda: %w", err)
	}
	return a.submit(ctx, runID, numericID, CreateRun, ledger.StepCreateRun, nil, map[string]any{
		"min": min, "max": max, "maxParticipants": maxParticipants, "pda": HexPDA(pda), "pdaBech32": bech32PDA,
	})
}

// CreateRunVault issues create_run_vault, called immediately after CreateRun.
func (a *Adapter) CreateRunVault(ctx context.Context, runID string, numericID uint64) (string, error) {
	pda := VaultPDA(a.programID, numericID)
	exists, err := a.submitter.AccountExists(ctx, pda)
	if err != nil {
		return "", err
	}
	if exists {
		return HexPDA(pda), nil
	}
	bech32PDA, err := EncodePDA(crypto.VaultPrefix, pda)
	if err != nil {
		return "", fmt.Errorf("encode vault pda: %w", err)
	}
	return a.submit(ctx, runID, numericID, CreateRunVault, ledger.StepCreateRunVault, nil, map[string]any{"pda": HexPDA(pda), "pdaBech32": bech32PDA})
}

// StartRun issues start_run on WAITING->ACTIVE; requires the on-chain
// account already shows participant_count>0, verified by the caller
// via Store before this is called.
func (a *Adapter) StartRun(ctx context.Context, runID string, numericID uint64) (string, error) {
	return a.submit(ctx, runID, numericID, StartRun, ledger.StepStartRun, nil, nil)
}

// RecordTrade issues record_trade. Failure here is non-fatal: the
// Trade row in Store remains the source of truth.
func (a *Adapter) RecordTrade(ctx context.Context, runID string, numericID uint64, round int, t *store.Trade) (string, error) {
	args := map[string]any{
		"direction": t.Direction, "leverage": t.Leverage, "positionSizePercent": t.PositionSizePercent,
		"entryPrice": t.EntryPrice, "pnl": t.PNL,
	}
	return a.submit(ctx, runID, numericID, RecordTrade, ledger.StepRecordTrade, &round, args)
}

// SettleRun issues settle_run with the final balance and per-participant
// shares. It is single-shot; retries on transient errors leave the run
// in SETTLING.
func (a *Adapter) SettleRun(ctx context.Context, runID string, numericID uint64, finalBalance int64, shares map[string]int64) (string, error) {
	return a.submit(ctx, runID, numericID, SettleRun, ledger.StepSettleRun, nil, map[string]any{
		"finalBalance": finalBalance, "shares": shares,
	})
}

// WithdrawUser issues withdraw for a single user, idempotent via the
// on-chain withdrawal marker.
func (a *Adapter) WithdrawUser(ctx context.Context, runID string, numericID uint64, userAddr ethcommon.Address) (string, error) {
	return a.submit(ctx, runID, numericID, Withdraw, ledger.StepWithdraw, nil, map[string]any{"user": userAddr.Hex()})
}

// Sync self-heals an "unsynced" run: given a Store Run lacking
// on-chain state, it issues create_run + create_run_vault.
func (a *Adapter) Sync(ctx context.Context, run *store.Run) error {
	if _, err := a.CreateRun(ctx, run.ID, run.NumericID, run.MinDeposit, run.MaxDeposit, run.MaxParticipants); err != nil {
		return fmt.Errorf("sync create_run: %w", err)
	}
	if _, err := a.CreateRunVault(ctx, run.ID, run.NumericID); err != nil {
		return fmt.Errorf("sync create_run_vault: %w", err)
	}
	return nil
}

// PendingForRun exposes unresolved intents for restart recovery.
func (a *Adapter) PendingForRun(runID string) ([]ledger.Intent, error) {
	if a.intents == nil {
		return nil, nil
	}
	return a.intents.PendingForRun(runID)
}
