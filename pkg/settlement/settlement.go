// Package settlement runs the per-match settlement state machine: queueing
// proved matches, building the settle_trade transaction, aggregating the two
// parties' signatures and driving chain submission to a terminal status.
package settlement

import (
	"time"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/oracle"
)

// Status is one settlement lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusReady              Status = "ready"
	StatusAwaitingSignatures Status = "awaiting_signatures"
	StatusSubmitted          Status = "submitted"
	StatusConfirmed          Status = "confirmed"
	StatusFailed             Status = "failed"
)

// legal enumerates the transitions the coordinator may take. A failed record
// is revived to ready by a successful rebuild; confirmed is terminal except
// through MarkConfirmed, which bypasses the table.
var legal = map[Status]map[Status]bool{
	StatusPending:            {StatusReady: true, StatusFailed: true},
	StatusReady:              {StatusReady: true, StatusAwaitingSignatures: true, StatusSubmitted: true, StatusFailed: true},
	StatusAwaitingSignatures: {StatusAwaitingSignatures: true, StatusSubmitted: true, StatusFailed: true},
	StatusSubmitted:          {StatusConfirmed: true, StatusFailed: true},
	StatusConfirmed:          {},
	StatusFailed:             {StatusReady: true, StatusFailed: true},
}

// PendingSettlement is the per-match record owned by the coordinator. The
// coordinator hands out snapshots; callers never see live state.
type PendingSettlement struct {
	MatchID              string
	Match                engine.Match
	Proof                oracle.ProofResult
	Status               Status
	UnsignedTxXDR        string
	PartiallySignedTxXDR string
	BuyerSigned          bool
	SellerSigned         bool
	TxHash               string
	Error                string
	CreatedAt            int64
	UpdatedAt            int64
}

func (s *PendingSettlement) snapshot() *PendingSettlement {
	out := *s
	out.Match = s.Match.Clone()
	out.Proof.Proof = append([]byte(nil), s.Proof.Proof...)
	out.Proof.PublicSignals = append([]byte(nil), s.Proof.PublicSignals...)
	return &out
}

// Buyer and Seller identify the two parties of the underlying match.
func (s *PendingSettlement) Buyer() string  { return s.Match.BuyOrder.Trader }
func (s *PendingSettlement) Seller() string { return s.Match.SellOrder.Trader }

// Role tags returned by ForTrader.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// TraderSettlement is a settlement annotated with the querying trader's role.
type TraderSettlement struct {
	Settlement *PendingSettlement
	Role       string
}

// PreparedData carries everything a client needs to build or inspect the
// settlement transaction off-server.
type PreparedData struct {
	MatchID       string
	Buyer         string
	Seller        string
	Asset         string
	PaymentAsset  string
	Quantity      string
	Price         string
	Proof         []byte
	PublicSignals []byte
	NullifierHash string
}

// SigningStatus reports which parties have signed.
type SigningStatus struct {
	MatchID      string
	BuyerSigned  bool
	SellerSigned bool
	Status       Status
}

// SignOutcome is the result of AddSignature. Complete means both parties have
// signed and the auto-submission succeeded.
type SignOutcome struct {
	Complete bool
	TxHash   string
	Error    string
}

// SubmitOutcome is the result of SubmitSettlement.
type SubmitOutcome struct {
	Success bool
	TxHash  string
	Error   string
}

// Stats counts settlements per status.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}

// Config carries the contract ids and polling knobs.
type Config struct {
	SettlementContract string
	PaymentAsset       string
	BaseFee            int64
	TxTimeoutSeconds   int64
	PollInterval       time.Duration
	PollAttempts       int
}

// DefaultConfig returns the polling and fee defaults; contract ids must be
// supplied by the caller.
func DefaultConfig() Config {
	return Config{
		BaseFee:          100,
		TxTimeoutSeconds: 300,
		PollInterval:     time.Second,
		PollAttempts:     30,
	}
}
