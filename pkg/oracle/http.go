package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/num"
)

// HTTPOracle proxies oracle calls to an external prover service. All big
// integers cross the wire as decimal strings, byte blobs as 0x hex.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

var _ Oracle = (*HTTPOracle)(nil)

func (o *HTTPOracle) HashAsset(ctx context.Context, assetAddress string) (*big.Int, error) {
	var resp struct {
		AssetHash string `json:"assetHash"`
	}
	req := map[string]string{"assetAddress": assetAddress}
	if err := o.post(ctx, "/hash-asset", req, &resp); err != nil {
		return nil, err
	}
	h, err := num.ParseBig(resp.AssetHash)
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "decode assetHash")
	}
	return h, nil
}

func (o *HTTPOracle) GenerateCommitment(ctx context.Context, req CommitmentRequest) (*CommitmentResult, error) {
	body := map[string]any{
		"assetAddress": req.AssetAddress,
		"side":         req.Side,
		"quantity":     req.Quantity.String(),
		"price":        req.Price.String(),
	}
	var resp struct {
		Commitment string `json:"commitment"`
		Secret     string `json:"secret"`
		Nonce      string `json:"nonce"`
		AssetHash  string `json:"assetHash"`
	}
	if err := o.post(ctx, "/commitment", body, &resp); err != nil {
		return nil, err
	}

	out := &CommitmentResult{}
	var err error
	if out.Commitment, err = num.ParseBig(resp.Commitment); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "decode commitment")
	}
	if out.Secret, err = num.ParseBig(resp.Secret); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "decode secret")
	}
	if out.Nonce, err = num.ParseBig(resp.Nonce); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "decode nonce")
	}
	if out.AssetHash, err = num.ParseBig(resp.AssetHash); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "decode assetHash")
	}
	return out, nil
}

func (o *HTTPOracle) GenerateSettlementProof(ctx context.Context, w SettlementWitness) (*ProofResult, error) {
	body := map[string]any{
		"buyerProof":       wireProof(w.BuyerProof),
		"sellerProof":      wireProof(w.SellerProof),
		"buyerSecret":      w.BuyerSecret.String(),
		"buyerNonce":       w.BuyerNonce.String(),
		"sellerSecret":     w.SellerSecret.String(),
		"sellerNonce":      w.SellerNonce.String(),
		"buyerCommitment":  w.BuyerCommitment.String(),
		"sellerCommitment": w.SellerCommitment.String(),
		"assetHash":        w.AssetHash.String(),
		"quantity":         w.Quantity.String(),
		"price":            w.Price.String(),
		"whitelistRoot":    w.WhitelistRoot.String(),
	}
	var resp struct {
		Proof         hexutil.Bytes   `json:"proof"`
		PublicSignals json.RawMessage `json:"publicSignals"`
		NullifierHash string          `json:"nullifierHash"`
	}
	if err := o.post(ctx, "/prove-settlement", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Proof) == 0 || len(resp.PublicSignals) == 0 || resp.NullifierHash == "" {
		return nil, errs.E(errs.OracleFailure, "prover returned an incomplete proof")
	}
	return &ProofResult{
		Proof:         resp.Proof,
		PublicSignals: resp.PublicSignals,
		NullifierHash: resp.NullifierHash,
		Success:       true,
	}, nil
}

func wireProof(p MerkleProof) map[string]any {
	siblings := make([]string, len(p.Siblings))
	for i, s := range p.Siblings {
		siblings[i] = s.String()
	}
	out := map[string]any{
		"siblings":    siblings,
		"pathIndices": p.PathIndices,
		"leafIndex":   p.LeafIndex,
	}
	if p.Leaf != nil {
		out["leaf"] = p.Leaf.String()
	}
	if p.Root != nil {
		out["root"] = p.Root.String()
	}
	return out
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.OracleFailure, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.OracleFailure, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.OracleFailure, err, "call prover")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errs.Wrap(errs.OracleFailure, err, "read prover response")
	}
	if resp.StatusCode != http.StatusOK {
		return errs.Ef(errs.OracleFailure, "prover %s: status %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.OracleFailure, err, "decode prover response")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
