package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/chain"
	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/util"
)

// ChainClient is the slice of the RPC client the coordinator uses.
type ChainClient interface {
	GetAccount(ctx context.Context, address string) (*chain.Account, error)
	PrepareTransaction(ctx context.Context, txXDR string) (string, error)
	SendTransaction(ctx context.Context, signedXDR string) (*chain.SendResult, error)
	GetTransaction(ctx context.Context, hash string) (*chain.TxStatus, error)
}

// FallbackReader resolves a transaction on the public index when RPC polling
// comes up empty. May be nil.
type FallbackReader interface {
	GetTransactionViaPublicIndex(ctx context.Context, hash string) (*chain.TxStatus, error)
}

// Coordinator owns every settlement record. All reads and writes of record
// state happen under mu; chain I/O happens between critical sections so a
// slow RPC never blocks queries. Events are emitted while mu is held, which
// keeps the per-match event order intact.
type Coordinator struct {
	mu      sync.Mutex
	records map[string]*PendingSettlement
	order   []string

	cfg      Config
	chain    ChainClient
	fallback FallbackReader
	bus      *events.Bus
	clock    util.Clock
	log      *zap.SugaredLogger
}

func NewCoordinator(
	cfg Config,
	chainClient ChainClient,
	fallback FallbackReader,
	bus *events.Bus,
	clock util.Clock,
	logger *zap.SugaredLogger,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.TxTimeoutSeconds <= 0 {
		cfg.TxTimeoutSeconds = 300
	}
	if cfg.BaseFee <= 0 {
		cfg.BaseFee = 100
	}
	return &Coordinator{
		records:  make(map[string]*PendingSettlement),
		cfg:      cfg,
		chain:    chainClient,
		fallback: fallback,
		bus:      bus,
		clock:    clock,
		log:      logger,
	}
}

// QueueSettlement registers a proved match. Matches without a successful
// proof are rejected; re-queueing an existing match is a no-op that returns
// the current record.
func (c *Coordinator) QueueSettlement(m engine.Match, proof oracle.ProofResult) (*PendingSettlement, error) {
	if !proof.Success {
		return nil, errs.Ef(errs.Validation, "match %s has no valid proof", m.MatchID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[m.MatchID]; ok {
		return existing.snapshot(), nil
	}

	now := c.clock.Now().UnixMilli()
	rec := &PendingSettlement{
		MatchID:   m.MatchID,
		Match:     m.Clone(),
		Proof:     proof,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.Proof.Proof = append([]byte(nil), proof.Proof...)
	rec.Proof.PublicSignals = append([]byte(nil), proof.PublicSignals...)
	c.records[m.MatchID] = rec
	c.order = append(c.order, m.MatchID)

	// The proof is already in hand, so the record moves straight to ready.
	c.setStatusLocked(rec, StatusReady)
	c.bus.Emit(events.SettlementQueued{
		MatchID:   rec.MatchID,
		Buyer:     rec.Buyer(),
		Seller:    rec.Seller(),
		Status:    string(rec.Status),
		Timestamp: now,
	})
	c.log.Infow("settlement_queued",
		"matchId", rec.MatchID,
		"buyer", rec.Buyer(),
		"seller", rec.Seller(),
	)
	return rec.snapshot(), nil
}

// PrepareSettlementData exposes the contract-call arguments for a match so
// clients can inspect what they are signing.
func (c *Coordinator) PrepareSettlementData(matchID string) (*PreparedData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	return &PreparedData{
		MatchID:       rec.MatchID,
		Buyer:         rec.Buyer(),
		Seller:        rec.Seller(),
		Asset:         rec.Match.BuyOrder.AssetAddress,
		PaymentAsset:  c.cfg.PaymentAsset,
		Quantity:      rec.Match.ExecutionQuantity.String(),
		Price:         rec.Match.ExecutionPrice.String(),
		Proof:         append([]byte(nil), rec.Proof.Proof...),
		PublicSignals: append([]byte(nil), rec.Proof.PublicSignals...),
		NullifierHash: rec.Proof.NullifierHash,
	}, nil
}

// BuildSettlementTransaction assembles and simulates the settle_trade
// invocation from sourceAccount's next sequence number. Only ready and failed
// records can be built; a successful build revives a failed record and
// discards any signatures collected against the previous envelope.
func (c *Coordinator) BuildSettlementTransaction(ctx context.Context, matchID, sourceAccount string) (*PendingSettlement, error) {
	c.mu.Lock()
	rec, ok := c.records[matchID]
	if !ok {
		c.mu.Unlock()
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	if rec.Status != StatusReady && rec.Status != StatusFailed {
		status := rec.Status
		c.mu.Unlock()
		return nil, errs.Ef(errs.Conflict, "settlement %s is %s: transaction can only be built from ready or failed", matchID, status)
	}
	data := &PreparedData{
		MatchID:       rec.MatchID,
		Buyer:         rec.Buyer(),
		Seller:        rec.Seller(),
		Asset:         rec.Match.BuyOrder.AssetAddress,
		PaymentAsset:  c.cfg.PaymentAsset,
		Quantity:      rec.Match.ExecutionQuantity.String(),
		Price:         rec.Match.ExecutionPrice.String(),
		Proof:         append([]byte(nil), rec.Proof.Proof...),
		PublicSignals: append([]byte(nil), rec.Proof.PublicSignals...),
	}
	quantity := new(big.Int).Set(rec.Match.ExecutionQuantity)
	price := new(big.Int).Set(rec.Match.ExecutionPrice)
	c.mu.Unlock()

	prepared, err := c.buildEnvelope(ctx, data, quantity, price, sourceAccount)
	if err != nil {
		c.failSettlement(matchID, err.Error())
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok = c.records[matchID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	rec.UnsignedTxXDR = prepared
	rec.PartiallySignedTxXDR = ""
	rec.BuyerSigned = false
	rec.SellerSigned = false
	rec.Error = ""
	c.setStatusLocked(rec, StatusReady)

	envelopeHash, hashErr := chain.HashXDR(prepared)
	if hashErr != nil {
		envelopeHash = ""
	}
	c.bus.Emit(events.SettlementTxBuilt{
		MatchID:   rec.MatchID,
		TxHash:    envelopeHash,
		Buyer:     rec.Buyer(),
		Seller:    rec.Seller(),
		Timestamp: rec.UpdatedAt,
	})
	c.log.Infow("settlement_tx_built",
		"matchId", rec.MatchID,
		"source", sourceAccount,
	)
	return rec.snapshot(), nil
}

func (c *Coordinator) buildEnvelope(ctx context.Context, data *PreparedData, quantity, price *big.Int, sourceAccount string) (string, error) {
	matchBytes, err := hex.DecodeString(data.MatchID)
	if err != nil {
		return "", errs.Wrapf(errs.Internal, err, "match id %s is not hex", data.MatchID)
	}

	acct, err := c.chain.GetAccount(ctx, sourceAccount)
	if err != nil {
		return "", err
	}

	tx := &chain.Transaction{
		SourceAccount:  sourceAccount,
		SequenceNumber: acct.Sequence + 1,
		Fee:            c.cfg.BaseFee,
		TimeoutSeconds: c.cfg.TxTimeoutSeconds,
		Operation: chain.Invocation{
			ContractID: c.cfg.SettlementContract,
			Function:   "settle_trade",
			Args: []chain.ScVal{
				chain.Bytes32(matchBytes),
				chain.Address(data.Buyer),
				chain.Address(data.Seller),
				chain.Address(data.Asset),
				chain.Address(data.PaymentAsset),
				chain.I128(quantity),
				chain.I128(price),
				chain.Bytes(data.Proof),
				chain.Bytes(data.PublicSignals),
			},
		},
	}
	xdr, err := tx.EncodeXDR()
	if err != nil {
		return "", err
	}
	return c.chain.PrepareTransaction(ctx, xdr)
}

// AddSignature records one party's signature over the current envelope. Once
// both parties have signed the coordinator submits the envelope immediately.
// Signers outside the trade are rejected before any state is touched.
func (c *Coordinator) AddSignature(ctx context.Context, matchID, signer, signedTxXDR string) (*SignOutcome, error) {
	c.mu.Lock()

	rec, ok := c.records[matchID]
	if !ok {
		c.mu.Unlock()
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	buyer, seller := rec.Buyer(), rec.Seller()
	if signer != buyer && signer != seller {
		c.mu.Unlock()
		return nil, errs.E(errs.Conflict, "signer not part of this trade")
	}
	if rec.UnsignedTxXDR == "" {
		c.mu.Unlock()
		return nil, errs.Ef(errs.Conflict, "settlement %s has no transaction to sign", matchID)
	}
	if !legal[rec.Status][StatusAwaitingSignatures] {
		status := rec.Status
		c.mu.Unlock()
		return nil, errs.Ef(errs.Conflict, "settlement %s is %s: signatures are no longer accepted", matchID, status)
	}

	// A self-trade signer covers both legs with one signature.
	if signer == buyer {
		rec.BuyerSigned = true
	}
	if signer == seller {
		rec.SellerSigned = true
	}
	rec.PartiallySignedTxXDR = signedTxXDR
	c.setStatusLocked(rec, StatusAwaitingSignatures)

	c.bus.Emit(events.SignatureAdded{
		MatchID:      rec.MatchID,
		Signer:       signer,
		BuyerSigned:  rec.BuyerSigned,
		SellerSigned: rec.SellerSigned,
		Timestamp:    rec.UpdatedAt,
	})
	complete := rec.BuyerSigned && rec.SellerSigned
	if complete {
		c.bus.Emit(events.SignatureComplete{
			MatchID:   rec.MatchID,
			Timestamp: rec.UpdatedAt,
		})
	}
	c.log.Infow("signature_added",
		"matchId", rec.MatchID,
		"signer", signer,
		"complete", complete,
	)
	c.mu.Unlock()

	if !complete {
		return &SignOutcome{Complete: false}, nil
	}

	out := c.SubmitSettlement(ctx, matchID, signedTxXDR)
	if !out.Success {
		return &SignOutcome{Complete: false, TxHash: out.TxHash, Error: out.Error}, nil
	}
	return &SignOutcome{Complete: true, TxHash: out.TxHash}, nil
}

// SubmitSettlement sends the fully signed envelope and blocks until the
// transaction reaches a terminal state, the poll attempts are exhausted, or ctx is
// cancelled. An indeterminate outcome after the fallback lookup is treated
// as confirmed; the envelope was accepted and ledgers close fast.
func (c *Coordinator) SubmitSettlement(ctx context.Context, matchID, signedTxXDR string) *SubmitOutcome {
	if _, err := chain.DecodeTxXDR(signedTxXDR); err != nil {
		c.failSettlement(matchID, err.Error())
		return &SubmitOutcome{Success: false, Error: err.Error()}
	}

	c.mu.Lock()
	rec, ok := c.records[matchID]
	if !ok {
		c.mu.Unlock()
		return &SubmitOutcome{Success: false, Error: fmt.Sprintf("settlement %s not found", matchID)}
	}
	if !legal[rec.Status][StatusSubmitted] {
		status := rec.Status
		c.mu.Unlock()
		return &SubmitOutcome{Success: false, Error: fmt.Sprintf("settlement %s is %s: cannot submit", matchID, status)}
	}
	c.mu.Unlock()

	send, err := c.chain.SendTransaction(ctx, signedTxXDR)
	if err != nil {
		c.failSettlement(matchID, err.Error())
		return &SubmitOutcome{Success: false, Error: err.Error()}
	}
	if send.Status != chain.TxStatusPending {
		reason := fmt.Sprintf("submission returned status %s", send.Status)
		if send.ErrorResult != "" {
			reason += ": " + send.ErrorResult
		}
		c.failSettlement(matchID, reason)
		return &SubmitOutcome{Success: false, Error: reason}
	}

	hash := send.Hash
	if hash == "" {
		if h, err := chain.HashXDR(signedTxXDR); err == nil {
			hash = h
		}
	}

	c.mu.Lock()
	if rec, ok := c.records[matchID]; ok {
		rec.TxHash = hash
		rec.PartiallySignedTxXDR = signedTxXDR
		c.setStatusLocked(rec, StatusSubmitted)
	}
	c.mu.Unlock()
	c.log.Infow("settlement_submitted", "matchId", matchID, "txHash", hash)

	if c.awaitConfirmation(ctx, matchID, hash) {
		return &SubmitOutcome{Success: true, TxHash: hash}
	}
	reason := "settlement transaction failed"
	c.mu.Lock()
	if rec, ok := c.records[matchID]; ok && rec.Error != "" {
		reason = rec.Error
	}
	c.mu.Unlock()
	return &SubmitOutcome{Success: false, TxHash: hash, Error: reason}
}

// awaitConfirmation polls the RPC for a terminal status, then falls back to
// the public index. Returns true when the settlement ends up confirmed.
func (c *Coordinator) awaitConfirmation(ctx context.Context, matchID, hash string) bool {
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		c.clock.Sleep(jittered(c.cfg.PollInterval))

		st, err := c.chain.GetTransaction(ctx, hash)
		if err != nil {
			c.log.Warnw("confirmation_poll_error",
				"matchId", matchID,
				"attempt", attempt,
				"err", err,
			)
			continue
		}
		switch st.Status {
		case chain.TxStatusSuccess:
			c.confirmSettlement(matchID, hash)
			return true
		case chain.TxStatusFailed:
			c.failSettlement(matchID, failReason(st))
			return false
		}
		// NOT_FOUND and PENDING mean the ledger has not caught up yet.
	}
	return c.resolveViaFallback(ctx, matchID, hash)
}

// resolveViaFallback consults the public transaction index. When the index
// cannot produce a verdict either, the settlement is optimistically
// confirmed: the network accepted the envelope and rejection at this point
// is rarer than index lag.
func (c *Coordinator) resolveViaFallback(ctx context.Context, matchID, hash string) bool {
	if c.fallback != nil {
		st, err := c.fallback.GetTransactionViaPublicIndex(ctx, hash)
		if err != nil {
			c.log.Warnw("fallback_lookup_error", "matchId", matchID, "err", err)
		} else {
			switch st.Status {
			case chain.TxStatusSuccess:
				c.confirmSettlement(matchID, hash)
				return true
			case chain.TxStatusFailed:
				c.failSettlement(matchID, failReason(st))
				return false
			}
		}
	}
	c.log.Infow("confirmation_indeterminate", "matchId", matchID, "txHash", hash)
	c.confirmSettlement(matchID, hash)
	return true
}

// MarkConfirmed force-confirms a settlement that was verified out of band.
// It bypasses the transition table; operators use it when the poller gave up
// on a transaction that later appeared on the index.
func (c *Coordinator) MarkConfirmed(matchID, txHash string) (*PendingSettlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	if rec.Status != StatusConfirmed {
		rec.Status = StatusConfirmed
		rec.Error = ""
		if txHash != "" {
			rec.TxHash = txHash
		}
		rec.UpdatedAt = c.clock.Now().UnixMilli()
		c.bus.Emit(events.SettlementConfirmed{
			MatchID:   rec.MatchID,
			TxHash:    rec.TxHash,
			Buyer:     rec.Buyer(),
			Seller:    rec.Seller(),
			Timestamp: rec.UpdatedAt,
		})
		c.log.Infow("settlement_marked_confirmed", "matchId", matchID, "txHash", rec.TxHash)
	}
	return rec.snapshot(), nil
}

// Get returns a snapshot of one settlement.
func (c *Coordinator) Get(matchID string) (*PendingSettlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	return rec.snapshot(), nil
}

// All returns every settlement in queue order.
func (c *Coordinator) All() []*PendingSettlement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*PendingSettlement, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id].snapshot())
	}
	return out
}

// ForTrader returns the settlements the trader participates in, tagged with
// their role. A self-trade reports the buyer role.
func (c *Coordinator) ForTrader(address string) []TraderSettlement {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []TraderSettlement
	for _, id := range c.order {
		rec := c.records[id]
		switch {
		case rec.Buyer() == address:
			out = append(out, TraderSettlement{Settlement: rec.snapshot(), Role: RoleBuyer})
		case rec.Seller() == address:
			out = append(out, TraderSettlement{Settlement: rec.snapshot(), Role: RoleSeller})
		}
	}
	return out
}

// SigningStatus reports which parties have signed a settlement.
func (c *Coordinator) SigningStatus(matchID string) (*SigningStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "settlement %s not found", matchID)
	}
	return &SigningStatus{
		MatchID:      rec.MatchID,
		BuyerSigned:  rec.BuyerSigned,
		SellerSigned: rec.SellerSigned,
		Status:       rec.Status,
	}, nil
}

// Stats counts settlements per status. Every status appears in the map even
// when its count is zero.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Total: len(c.records),
		ByStatus: map[Status]int{
			StatusPending:            0,
			StatusReady:              0,
			StatusAwaitingSignatures: 0,
			StatusSubmitted:          0,
			StatusConfirmed:          0,
			StatusFailed:             0,
		},
	}
	for _, rec := range c.records {
		s.ByStatus[rec.Status]++
	}
	return s
}

func (c *Coordinator) confirmSettlement(matchID, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return
	}
	rec.TxHash = hash
	if c.setStatusLocked(rec, StatusConfirmed) {
		c.bus.Emit(events.SettlementConfirmed{
			MatchID:   rec.MatchID,
			TxHash:    hash,
			Buyer:     rec.Buyer(),
			Seller:    rec.Seller(),
			Timestamp: rec.UpdatedAt,
		})
		c.log.Infow("settlement_confirmed", "matchId", matchID, "txHash", hash)
	}
}

func (c *Coordinator) failSettlement(matchID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[matchID]
	if !ok {
		return
	}
	rec.Error = reason
	if c.setStatusLocked(rec, StatusFailed) {
		c.bus.Emit(events.SettlementFailed{
			MatchID:   rec.MatchID,
			Error:     reason,
			Buyer:     rec.Buyer(),
			Seller:    rec.Seller(),
			Timestamp: rec.UpdatedAt,
		})
		c.log.Warnw("settlement_failed", "matchId", matchID, "reason", reason)
	}
}

// setStatusLocked applies a transition if the table allows it. Callers hold
// mu.
func (c *Coordinator) setStatusLocked(rec *PendingSettlement, to Status) bool {
	if !legal[rec.Status][to] {
		c.log.Warnw("illegal_settlement_transition",
			"matchId", rec.MatchID,
			"from", rec.Status,
			"to", to,
		)
		return false
	}
	rec.Status = to
	rec.UpdatedAt = c.clock.Now().UnixMilli()
	return true
}

func failReason(st *chain.TxStatus) string {
	if st.Error != "" {
		return st.Error
	}
	return "transaction failed on chain"
}

// jittered spreads polls across ±10% of the interval so restarts do not
// synchronise against the RPC.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	base := int64(d) * 9 / 10
	return time.Duration(base + rand.Int63n(int64(d)/5+1))
}
