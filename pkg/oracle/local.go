package oracle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/iden3/go-iden3-crypto/utils"
	"golang.org/x/crypto/sha3"

	"github.com/veilmarket/darkpool/pkg/errs"
)

// DevProofSize is the byte length of the deterministic development proof.
const DevProofSize = 256

const devProofTag = "darkpool/settle/v1"

// LocalOracle is the in-process prover used for development and tests. It
// performs the same Poseidon arithmetic as the circuit but emits a
// deterministic pseudo-proof instead of running Groth16.
type LocalOracle struct{}

func NewLocalOracle() *LocalOracle { return &LocalOracle{} }

var _ Oracle = (*LocalOracle)(nil)

// HashAsset maps an asset contract address to a field element: the address
// bytes are split into 31-byte limbs and Poseidon-hashed.
func (o *LocalOracle) HashAsset(_ context.Context, assetAddress string) (*big.Int, error) {
	if assetAddress == "" {
		return nil, errs.E(errs.Validation, "asset address is required")
	}
	return hashBytesToField([]byte(assetAddress))
}

// GenerateCommitment draws fresh blinding values and computes
// Poseidon(assetHash, side, quantity, price, secret, nonce).
func (o *LocalOracle) GenerateCommitment(ctx context.Context, req CommitmentRequest) (*CommitmentResult, error) {
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, errs.Ef(errs.Validation, "side must be 0 or 1, got %d", req.Side)
	}
	if req.Quantity == nil || req.Quantity.Sign() <= 0 {
		return nil, errs.E(errs.Validation, "quantity must be positive")
	}
	if req.Price == nil || req.Price.Sign() <= 0 {
		return nil, errs.E(errs.Validation, "price must be positive")
	}

	assetHash, err := o.HashAsset(ctx, req.AssetAddress)
	if err != nil {
		return nil, err
	}
	secret, err := randomField()
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "draw secret")
	}
	nonce, err := randomField()
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "draw nonce")
	}

	commitment, err := Commitment(assetHash, req.Side, req.Quantity, req.Price, secret, nonce)
	if err != nil {
		return nil, err
	}
	return &CommitmentResult{
		Commitment: commitment,
		Secret:     secret,
		Nonce:      nonce,
		AssetHash:  assetHash,
	}, nil
}

// GenerateSettlementProof checks the witness the way the circuit would (field
// ranges, Merkle inclusion against the whitelist root) and produces the
// nullifier plus a deterministic proof blob over the public signals.
func (o *LocalOracle) GenerateSettlementProof(ctx context.Context, w SettlementWitness) (*ProofResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkWitnessFields(w); err != nil {
		return nil, err
	}
	if err := VerifyInclusion(w.BuyerProof, w.WhitelistRoot); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "buyer whitelist witness")
	}
	if err := VerifyInclusion(w.SellerProof, w.WhitelistRoot); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "seller whitelist witness")
	}

	nullifier, err := poseidon.Hash([]*big.Int{w.BuyerCommitment, w.SellerCommitment, w.Quantity})
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "nullifier")
	}

	signals := publicSignals(w, nullifier)
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "encode public signals")
	}

	proof := make([]byte, DevProofSize)
	shake := sha3.NewShake256()
	shake.Write([]byte(devProofTag))
	shake.Write(signalsJSON)
	if _, err := shake.Read(proof); err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "derive proof")
	}

	return &ProofResult{
		Proof:         proof,
		PublicSignals: signalsJSON,
		NullifierHash: FieldHex(nullifier),
		Success:       true,
	}, nil
}

// Commitment is the shared commitment formula. Exposed so tests and the HTTP
// proxy fallback can recompute it.
func Commitment(assetHash *big.Int, side int, quantity, price, secret, nonce *big.Int) (*big.Int, error) {
	c, err := poseidon.Hash([]*big.Int{
		assetHash,
		big.NewInt(int64(side)),
		quantity,
		price,
		secret,
		nonce,
	})
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "commitment")
	}
	return c, nil
}

// HashPair is the tree node combiner used by the whitelist service.
func HashPair(left, right *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{left, right})
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "hash pair")
	}
	return h, nil
}

func publicSignals(w SettlementWitness, nullifier *big.Int) []string {
	return []string{
		w.WhitelistRoot.String(),
		nullifier.String(),
		w.AssetHash.String(),
		w.Quantity.String(),
		w.Price.String(),
		w.BuyerCommitment.String(),
		w.SellerCommitment.String(),
	}
}

func checkWitnessFields(w SettlementWitness) error {
	named := []struct {
		name string
		v    *big.Int
	}{
		{"buyerSecret", w.BuyerSecret},
		{"buyerNonce", w.BuyerNonce},
		{"sellerSecret", w.SellerSecret},
		{"sellerNonce", w.SellerNonce},
		{"buyerCommitment", w.BuyerCommitment},
		{"sellerCommitment", w.SellerCommitment},
		{"assetHash", w.AssetHash},
		{"quantity", w.Quantity},
		{"price", w.Price},
		{"whitelistRoot", w.WhitelistRoot},
	}
	for _, f := range named {
		if f.v == nil {
			return errs.Ef(errs.OracleFailure, "witness field %s is missing", f.name)
		}
		if !utils.CheckBigIntInField(f.v) {
			return errs.Ef(errs.OracleFailure, "witness field %s exceeds the field modulus", f.name)
		}
	}
	if w.Quantity.Sign() <= 0 || w.Price.Sign() <= 0 {
		return errs.E(errs.OracleFailure, "execution terms must be positive")
	}
	return nil
}

// VerifyInclusion folds the leaf up the sibling path and compares against the
// expected root.
func VerifyInclusion(p MerkleProof, root *big.Int) error {
	if p.Leaf == nil || p.Root == nil {
		return errs.E(errs.OracleFailure, "incomplete merkle proof")
	}
	if len(p.Siblings) != len(p.PathIndices) {
		return errs.E(errs.OracleFailure, "sibling and path lengths differ")
	}
	if root != nil && p.Root.Cmp(root) != 0 {
		return errs.E(errs.OracleFailure, "proof root does not match whitelist root")
	}

	cur := new(big.Int).Set(p.Leaf)
	for i, sib := range p.Siblings {
		var err error
		if p.PathIndices[i] == 0 {
			cur, err = HashPair(cur, sib)
		} else {
			cur, err = HashPair(sib, cur)
		}
		if err != nil {
			return err
		}
	}
	if cur.Cmp(p.Root) != 0 {
		return errs.E(errs.OracleFailure, "merkle proof does not verify")
	}
	return nil
}

func randomField() (*big.Int, error) {
	return rand.Int(rand.Reader, constants.Q)
}

// FieldHex renders a field element as 0x-prefixed 32-byte hex.
func FieldHex(v *big.Int) string {
	b := v.Bytes()
	if len(b) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		b = padded
	}
	return "0x" + hex.EncodeToString(b)
}

func hashBytesToField(data []byte) (*big.Int, error) {
	const limb = 31
	var limbs []*big.Int
	for start := 0; start < len(data); start += limb {
		end := start + limb
		if end > len(data) {
			end = len(data)
		}
		limbs = append(limbs, new(big.Int).SetBytes(data[start:end]))
	}
	if len(limbs) == 0 {
		limbs = []*big.Int{big.NewInt(0)}
	}
	h, err := poseidon.Hash(limbs)
	if err != nil {
		return nil, errs.Wrap(errs.OracleFailure, err, "hash asset")
	}
	return h, nil
}
