package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCSubmitter is the production Submitter, talking to the program's
// RPC node over the same lightweight JSON-RPC envelope the price
// oracle's DriftFeed and the DEX adapter's RealAdapter already speak
// against their respective venues.
type RPCSubmitter struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

// NewRPCSubmitter constructs an RPCSubmitter bound to one chain RPC
// endpoint.
func NewRPCSubmitter(baseURL string) *RPCSubmitter {
	return &RPCSubmitter{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

type submitRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type submitRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type submitRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *submitRPCError `json:"error"`
}

func (s *RPCSubmitter) call(ctx context.Context, method string, params any, out any) error {
	id := s.nextID.Add(1)
	body, err := json.Marshal(submitRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmitTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: chain rpc %s returned status %d", ErrSubmitTransient, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp submitRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain rpc %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// ErrSubmitTransient wraps errors worth retrying: a down or
// momentarily unreachable RPC node, not a rejected instruction.
var ErrSubmitTransient = fmt.Errorf("chain: transient submit failure")

// Submit sends one signed instruction payload to the program via
// program_submit and returns the resulting transaction id.
func (s *RPCSubmitter) Submit(ctx context.Context, instruction Instruction, programID string, payload []byte) (string, error) {
	var result struct {
		TxID string `json:"txId"`
	}
	params := []any{programID, string(instruction), json.RawMessage(payload)}
	if err := s.call(ctx, "program_submit", params, &result); err != nil {
		return "", err
	}
	if result.TxID == "" {
		return "", fmt.Errorf("chain rpc program_submit returned empty tx id")
	}
	return result.TxID, nil
}

// AccountExists reports whether the program-derived account at pda
// has already been created on-chain, used by CreateRun/CreateRunVault
// to make resubmission after a crash idempotent.
func (s *RPCSubmitter) AccountExists(ctx context.Context, pda [32]byte) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	if err := s.call(ctx, "account_exists", []any{hex.EncodeToString(pda[:])}, &result); err != nil {
		return false, err
	}
	return result.Exists, nil
}

// NoopSubmitter rejects every instruction with ErrSubmitTransient and
// reports no account as existing, used when no chain RPC endpoint is
// configured: the store remains the system of record and every Run is
// simply left flagged Unsynced.
type NoopSubmitter struct{}

// NewNoopSubmitter constructs a NoopSubmitter.
func NewNoopSubmitter() NoopSubmitter { return NoopSubmitter{} }

func (NoopSubmitter) Submit(ctx context.Context, instruction Instruction, programID string, payload []byte) (string, error) {
	return "", fmt.Errorf("%w: no chain rpc configured", ErrSubmitTransient)
}

func (NoopSubmitter) AccountExists(ctx context.Context, pda [32]byte) (bool, error) {
	return false, nil
}
