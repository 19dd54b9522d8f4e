// Package oracle defines the proof-oracle boundary: Poseidon hashing,
// commitment construction and Groth16 settlement proofs. The engine treats
// everything behind this interface as opaque.
package oracle

import (
	"context"
	"math/big"
)

// Order sides. The numeric encoding is shared with the circuit and the REST
// surface.
const (
	SideBuy  = 0
	SideSell = 1
)

// MerkleProof is an inclusion witness for one whitelist leaf.
type MerkleProof struct {
	Leaf        *big.Int
	Root        *big.Int
	Siblings    []*big.Int
	PathIndices []int
	LeafIndex   int
}

// CommitmentRequest carries the order body to be committed.
type CommitmentRequest struct {
	AssetAddress string
	Side         int
	Quantity     *big.Int
	Price        *big.Int
}

// CommitmentResult returns the commitment together with the blinding values
// the client must retain to later open it.
type CommitmentResult struct {
	Commitment *big.Int
	Secret     *big.Int
	Nonce      *big.Int
	AssetHash  *big.Int
}

// SettlementWitness is the full input set for the trade proof: both parties'
// whitelist witnesses, both order openings, and the public execution terms.
type SettlementWitness struct {
	BuyerProof  MerkleProof
	SellerProof MerkleProof

	BuyerSecret      *big.Int
	BuyerNonce       *big.Int
	SellerSecret     *big.Int
	SellerNonce      *big.Int
	BuyerCommitment  *big.Int
	SellerCommitment *big.Int

	AssetHash     *big.Int
	Quantity      *big.Int
	Price         *big.Int
	WhitelistRoot *big.Int
}

// ProofResult is what the orchestrator records per match. Success implies
// proof, publicSignals and nullifierHash are all populated.
type ProofResult struct {
	MatchID       string `json:"matchId"`
	Proof         []byte `json:"proof"`
	PublicSignals []byte `json:"publicSignals"`
	NullifierHash string `json:"nullifierHash"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Oracle is implemented by the in-process dev prover and by the HTTP proxy to
// an external prover service.
type Oracle interface {
	HashAsset(ctx context.Context, assetAddress string) (*big.Int, error)
	GenerateCommitment(ctx context.Context, req CommitmentRequest) (*CommitmentResult, error)
	GenerateSettlementProof(ctx context.Context, w SettlementWitness) (*ProofResult, error)
}
