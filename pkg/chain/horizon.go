package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veilmarket/darkpool/pkg/errs"
)

// Horizon is the public transaction index used as a fallback when RPC
// polling cannot produce a terminal status.
type Horizon struct {
	baseURL string
	http    *http.Client
}

func NewHorizon(baseURL string) *Horizon {
	return &Horizon{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type horizonTx struct {
	ID         string `json:"id"`
	Hash       string `json:"hash"`
	Successful bool   `json:"successful"`
	Ledger     int64  `json:"ledger"`
	ResultXDR  string `json:"result_xdr"`
}

// GetTransactionViaPublicIndex looks the transaction up on the public index.
// A 404 maps to NOT_FOUND rather than an error so callers can treat it as an
// indeterminate outcome.
func (h *Horizon) GetTransactionViaPublicIndex(ctx context.Context, hash string) (*TxStatus, error) {
	url := fmt.Sprintf("%s/transactions/%s", h.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "build horizon request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ChainUnavailable, err, "horizon lookup")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &TxStatus{Status: TxStatusNotFound, Hash: hash}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.ChainUnavailable, "horizon lookup: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.ChainUnavailable, err, "horizon lookup: read response")
	}
	var tx horizonTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, errs.Wrap(errs.ChainUnavailable, err, "horizon lookup: decode response")
	}

	status := TxStatusFailed
	if tx.Successful {
		status = TxStatusSuccess
	}
	return &TxStatus{Status: status, Hash: tx.Hash, Ledger: tx.Ledger}, nil
}
