package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DriftFeed is the primary on-chain perpetuals oracle, reached over
// the same lightweight JSON-RPC transport the teacher's payments
// gateway uses to talk to its node.
type DriftFeed struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

// NewDriftFeed constructs a Feed backed by an on-chain oracle RPC endpoint.
func NewDriftFeed(baseURL string) *DriftFeed {
	return &DriftFeed{baseURL: baseURL, http: &http.Client{Timeout: 2 * time.Second}}
}

func (f *DriftFeed) Name() string { return string(SourceDriftOracle) }

func (f *DriftFeed) Poll(ctx context.Context, symbol string) (Sample, error) {
	var result struct {
		PriceE8   int64 `json:"priceE8"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := f.call(ctx, "oracle_getPrice", []any{symbol}, &result); err != nil {
		return Sample{}, err
	}
	return Sample{Value: result.PriceE8, Source: SourceDriftOracle, Timestamp: time.Unix(result.Timestamp, 0)}, nil
}

func (f *DriftFeed) call(ctx context.Context, method string, params any, out any) error {
	id := f.nextID.Add(1)
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("oracle rpc error: %s", rpcResp.Error.Message)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// BinanceFeed is the centralized-exchange fallback. Poll always
// queries the REST ticker endpoint under restURL; no websocket reader
// feeds it.
type BinanceFeed struct {
	restURL string
	http    *http.Client
	useREST bool
}

// NewBinanceRESTFeed polls Binance's REST ticker endpoint.
func NewBinanceRESTFeed(restURL string) *BinanceFeed {
	return &BinanceFeed{restURL: restURL, http: &http.Client{Timeout: 2 * time.Second}, useREST: true}
}

func (f *BinanceFeed) Name() string {
	if f.useREST {
		return string(SourceBinanceREST)
	}
	return string(SourceBinanceWS)
}

func (f *BinanceFeed) Poll(ctx context.Context, symbol string) (Sample, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.restURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{}, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("binance ticker failed: status=%d", resp.StatusCode)
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Sample{}, err
	}
	value, err := parseFixedPoint8(payload.Price)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Value: value, Source: SourceBinanceREST, Timestamp: time.Now().UTC()}, nil
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
