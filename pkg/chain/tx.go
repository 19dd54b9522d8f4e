package chain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/veilmarket/darkpool/pkg/errs"
)

// Invocation is a single contract call.
type Invocation struct {
	ContractID string  `json:"contractId"`
	Function   string  `json:"function"`
	Args       []ScVal `json:"args"`
}

// Transaction is the envelope the coordinator builds, simulates and hands to
// traders for signing. Signatures are appended by clients; the server never
// inspects them.
type Transaction struct {
	SourceAccount  string          `json:"sourceAccount"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Fee            int64           `json:"fee"`
	TimeoutSeconds int64           `json:"timeoutSeconds"`
	Operation      Invocation      `json:"operation"`
	Footprint      json.RawMessage `json:"footprint,omitempty"`
	Signatures     []string        `json:"signatures,omitempty"`
}

// EncodeXDR serialises the envelope to its opaque wire form.
func (tx *Transaction) EncodeXDR() (string, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "encode transaction")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTxXDR parses an envelope back from its wire form.
func DecodeTxXDR(xdr string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(xdr)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode transaction envelope")
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "parse transaction envelope")
	}
	return &tx, nil
}

// HashXDR is the transaction id: SHA-256 over the decoded envelope bytes,
// lowercase hex.
func HashXDR(xdr string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(xdr)
	if err != nil {
		return "", errs.Wrap(errs.Validation, err, "decode transaction envelope")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
