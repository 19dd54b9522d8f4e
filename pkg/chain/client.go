package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/errs"
)

// Transaction status values reported by the RPC.
const (
	TxStatusSuccess  = "SUCCESS"
	TxStatusFailed   = "FAILED"
	TxStatusNotFound = "NOT_FOUND"
	TxStatusPending  = "PENDING"
)

// Account is the slice of ledger state the coordinator needs: the sequence
// number to build from.
type Account struct {
	AccountID string `json:"accountId"`
	Sequence  int64  `json:"sequence,string"`
}

// SimulationResult carries the resource footprint and fee the envelope must
// be assembled with.
type SimulationResult struct {
	MinResourceFee int64           `json:"minResourceFee,string"`
	Footprint      json.RawMessage `json:"footprint,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// SendResult is the immediate acknowledgement of a submission.
type SendResult struct {
	Hash        string `json:"hash"`
	Status      string `json:"status"`
	ErrorResult string `json:"errorResult,omitempty"`
}

// TxStatus is the polled terminal state of a submitted transaction.
type TxStatus struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Ledger int64  `json:"ledger,omitempty"`
	Error  string `json:"error,omitempty"`
}

// submitTimeout bounds every RPC round-trip; chain submissions are allowed
// the full window.
const submitTimeout = 300 * time.Second

// Client speaks JSON-RPC 2.0 to the contract RPC endpoint.
type Client struct {
	rpcURL string
	http   *http.Client
	log    *zap.SugaredLogger
	nextID atomic.Uint64
}

func NewClient(rpcURL string, logger *zap.SugaredLogger) *Client {
	return &Client{
		rpcURL: rpcURL,
		http:   &http.Client{Timeout: submitTimeout},
		log:    logger,
	}
}

// GetAccount fetches the account entry, primarily for its sequence number.
func (c *Client) GetAccount(ctx context.Context, address string) (*Account, error) {
	var out Account
	if err := c.call(ctx, "getAccount", map[string]string{"address": address}, &out); err != nil {
		return nil, err
	}
	if out.AccountID == "" {
		out.AccountID = address
	}
	return &out, nil
}

// SimulateTransaction runs the envelope against current ledger state. A
// simulation-level error is reported in the result, not as a Go error, so
// the caller can distinguish rejection from transport failure.
func (c *Client) SimulateTransaction(ctx context.Context, txXDR string) (*SimulationResult, error) {
	var out SimulationResult
	if err := c.call(ctx, "simulateTransaction", map[string]string{"transaction": txXDR}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PrepareTransaction simulates and assembles: the returned envelope carries
// the footprint and the bumped fee.
func (c *Client) PrepareTransaction(ctx context.Context, txXDR string) (string, error) {
	sim, err := c.SimulateTransaction(ctx, txXDR)
	if err != nil {
		return "", err
	}
	if sim.Error != "" {
		return "", errs.Ef(errs.ChainRejected, "simulation failed: %s", sim.Error)
	}

	tx, err := DecodeTxXDR(txXDR)
	if err != nil {
		return "", err
	}
	tx.Footprint = sim.Footprint
	if sim.MinResourceFee > tx.Fee {
		tx.Fee = sim.MinResourceFee
	}
	return tx.EncodeXDR()
}

// SendTransaction submits a fully signed envelope.
func (c *Client) SendTransaction(ctx context.Context, signedXDR string) (*SendResult, error) {
	var out SendResult
	if err := c.call(ctx, "sendTransaction", map[string]string{"transaction": signedXDR}, &out); err != nil {
		return nil, err
	}
	if out.Status == "ERROR" {
		return nil, errs.Ef(errs.ChainRejected, "transaction rejected: %s", out.ErrorResult)
	}
	return &out, nil
}

// GetTransaction polls the status of a submitted transaction.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TxStatus, error) {
	var out TxStatus
	if err := c.call(ctx, "getTransaction", map[string]string{"hash": hash}, &out); err != nil {
		return nil, err
	}
	if out.Hash == "" {
		out.Hash = hash
	}
	return &out, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.Internal, err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrapf(errs.ChainUnavailable, err, "rpc %s", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.Wrapf(errs.ChainUnavailable, err, "rpc %s: read response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errs.Ef(errs.ChainUnavailable, "rpc %s: status %d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errs.Wrapf(errs.ChainUnavailable, err, "rpc %s: decode response", method)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == -32600 || envelope.Error.Code == -32602 {
			return errs.Ef(errs.ChainRejected, "rpc %s: %s", method, envelope.Error.Message)
		}
		return errs.Ef(errs.ChainUnavailable, "rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errs.Wrapf(errs.ChainUnavailable, err, "rpc %s: decode result", method)
		}
	}

	c.log.Debugw("chain_rpc",
		"method", method,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
