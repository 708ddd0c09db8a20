// Package chain implements the Chain Adapter: the fixed instruction
// set issued against the on-chain program, with deterministic
// program-derived addresses and idempotent (run, step) submission.
package chain

import (
	"encoding/hex"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"github.com/solpool/poolrund/crypto"
)

// Instruction names the fixed set of calls the adapter issues.
type Instruction string

const (
	InitializePlatform Instruction = "initialize_platform"
	CreateRun          Instruction = "create_run"
	CreateRunVault     Instruction = "create_run_vault"
	StartRun           Instruction = "start_run"
	RecordTrade        Instruction = "record_trade"
	SettleRun          Instruction = "settle_run"
	Withdraw           Instruction = "withdraw"
)

// RunSeed derives the numeric run id used as on-chain seed material,
// per the Design Notes requirement that this derivation be a pure
// function of creation-time fields recomputable at any time. Callers
// supply a strictly monotonic counter (see runstate) rather than
// falling back to createdAt_ms, which can collide within a millisecond.
func RunSeed(numericID uint64) []byte {
	v := uint256.NewInt(numericID)
	b := v.Bytes32()
	// Seeds are little-endian per §4.6 ("run_id_le_u64"); uint256 encodes
	// big-endian, so take the low 8 bytes and reverse them.
	le := make([]byte, 8)
	for i := 0; i < 8; i++ {
		le[i] = b[31-i]
	}
	return le
}

// RunPDA derives the deterministic program address for a run account.
func RunPDA(programID string, numericID uint64) [32]byte {
	return derivePDA(programID, "run", RunSeed(numericID))
}

// VaultPDA derives the deterministic program address for a run's vault.
func VaultPDA(programID string, numericID uint64) [32]byte {
	return derivePDA(programID, "vault", RunSeed(numericID))
}

// TradePDA derives the deterministic program address for a single
// round's trade record.
func TradePDA(programID string, numericID uint64, round uint8) [32]byte {
	return derivePDA(programID, "trade", append(RunSeed(numericID), round))
}

func derivePDA(programID, label string, extraSeed []byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(programID))
	h.Write([]byte(label))
	h.Write(extraSeed)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncodePDA renders the first 20 bytes of a PDA as a bech32 string for
// logs and SystemLog metadata; HexPDA gives the full byte form.
func EncodePDA(prefix crypto.AddressPrefix, pda [32]byte) (string, error) {
	addr, err := crypto.NewAddress(prefix, pda[:20])
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// HexPDA renders a PDA as 0x-prefixed hex.
func HexPDA(pda [32]byte) string {
	return "0x" + hex.EncodeToString(pda[:])
}
