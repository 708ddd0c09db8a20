package dex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// RealAdapter talks to a live perp DEX over its JSON-RPC surface,
// mirroring the request/response envelope the price oracle's
// DriftFeed already speaks against the same venue family.
type RealAdapter struct {
	baseURL string
	apiKey  string
	http    *http.Client
	nextID  atomic.Int64
}

// NewRealAdapter constructs a RealAdapter bound to one trading
// subaccount. Callers are expected to verify the subaccount exists
// before selecting this adapter over the mock; ErrNoSubaccount signals
// that check failed.
func NewRealAdapter(baseURL, apiKey string) *RealAdapter {
	return &RealAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: StalenessGuard},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (a *RealAdapter) call(ctx context.Context, method string, params any, out any) error {
	id := a.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	res, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: dex rpc %s returned %d", ErrTransient, method, res.StatusCode)
	}
	if res.StatusCode >= 300 {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("dex rpc %s returned %d: %s", method, res.StatusCode, raw)
	}

	var env rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode rpc envelope: %w", err)
	}
	if env.Error != nil {
		if env.Error.Code == http.StatusNotFound {
			return ErrNoSubaccount
		}
		return fmt.Errorf("dex rpc %s: %s", method, env.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func (a *RealAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	var out struct {
		Equity    string `json:"equity"`
		Available string `json:"availableCollateral"`
	}
	if err := a.call(ctx, "dex_getAccountInfo", nil, &out); err != nil {
		return AccountInfo{}, err
	}
	equity, err := parseFixedPoint8(out.Equity)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("parse equity: %w", err)
	}
	available, err := parseFixedPoint8(out.Available)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("parse available collateral: %w", err)
	}
	return AccountInfo{EquitySmallestUnit: equity, AvailableCollateral: available}, nil
}

func (a *RealAdapter) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var out []struct {
		Market     string `json:"market"`
		Direction  string `json:"direction"`
		BaseAmount string `json:"baseAmount"`
		Leverage   string `json:"leverage"`
		EntryPrice string `json:"entryPrice"`
	}
	if err := a.call(ctx, "dex_getOpenPositions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out))
	for _, p := range out {
		entry, err := parseFixedPoint8(p.EntryPrice)
		if err != nil {
			return nil, fmt.Errorf("parse entry price: %w", err)
		}
		baseAmount, err := decimal.NewFromString(p.BaseAmount)
		if err != nil {
			return nil, fmt.Errorf("parse base amount: %w", err)
		}
		leverage, err := decimal.NewFromString(p.Leverage)
		if err != nil {
			return nil, fmt.Errorf("parse leverage: %w", err)
		}
		positions = append(positions, Position{
			Market: p.Market, Direction: p.Direction,
			BaseAmount: baseAmount, Leverage: leverage, EntryPrice: entry,
		})
	}
	return positions, nil
}

func (a *RealAdapter) GetOraclePrice(ctx context.Context, marketIndex int) (int64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := a.call(ctx, "dex_getOraclePrice", map[string]any{"marketIndex": marketIndex}, &out); err != nil {
		return 0, err
	}
	return parseFixedPoint8(out.Price)
}

func (a *RealAdapter) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (OpenResult, error) {
	var out struct {
		TransactionID string `json:"transactionId"`
		EntryPrice    string `json:"entryPrice"`
	}
	params := map[string]any{
		"market": market, "direction": direction,
		"baseAmount": baseAmount.String(), "leverage": leverage.String(),
		"slippageToleranceBps": 10,
	}
	if err := a.call(ctx, "dex_openPosition", params, &out); err != nil {
		return OpenResult{}, err
	}
	entry, err := parseFixedPoint8(out.EntryPrice)
	if err != nil {
		return OpenResult{}, fmt.Errorf("parse entry price: %w", err)
	}
	return OpenResult{TransactionID: out.TransactionID, EntryPrice: entry}, nil
}

func (a *RealAdapter) ClosePosition(ctx context.Context, market string) (CloseResult, error) {
	var out struct {
		TransactionID string `json:"transactionId"`
		ExitPrice     string `json:"exitPrice"`
		RealizedPNL   string `json:"realizedPnl"`
	}
	if err := a.call(ctx, "dex_closePosition", map[string]any{"market": market}, &out); err != nil {
		return CloseResult{}, err
	}
	exit, err := parseFixedPoint8(out.ExitPrice)
	if err != nil {
		return CloseResult{}, fmt.Errorf("parse exit price: %w", err)
	}
	pnl, err := parseFixedPoint8(out.RealizedPNL)
	if err != nil {
		return CloseResult{}, fmt.Errorf("parse realized pnl: %w", err)
	}
	return CloseResult{TransactionID: out.TransactionID, ExitPrice: exit, RealizedPNL: pnl}, nil
}

// VerifySubaccount is called once at startup to decide whether the
// real adapter can be wired in at all; a failure here means the
// caller boots in mock mode with a loud SystemLog warning per §4.7.
func (a *RealAdapter) VerifySubaccount(ctx context.Context) error {
	_, err := a.GetAccountInfo(ctx)
	return err
}

// parseFixedPoint8 converts a decimal string price into an int64 with
// 8 fractional decimal digits, matching the on-chain price format.
func parseFixedPoint8(s string) (int64, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	for len(fracPart) < 8 {
		fracPart += "0"
	}
	if len(fracPart) > 8 {
		fracPart = fracPart[:8]
	}
	var whole, frac int64
	if _, err := fmt.Sscan(intPart, &whole); err != nil && intPart != "" {
		return 0, fmt.Errorf("parse integer part %q: %w", intPart, err)
	}
	if fracPart != "" {
		if _, err := fmt.Sscan(fracPart, &frac); err != nil {
			return 0, fmt.Errorf("parse fractional part %q: %w", fracPart, err)
		}
	}
	value := whole*100_000_000 + frac
	if neg {
		value = -value
	}
	return value, nil
}
