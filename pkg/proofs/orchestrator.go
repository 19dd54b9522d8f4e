// Package proofs drains matched trades from the engine, produces settlement
// proofs through the oracle and hands successful results to the settlement
// coordinator.
package proofs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/num"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/util"
	"github.com/veilmarket/darkpool/pkg/whitelist"
)

// Queuer receives matches whose proof succeeded.
type Queuer interface {
	QueueSettlement(m engine.Match, proof oracle.ProofResult) error
}

// QueueFunc adapts a function to the Queuer interface.
type QueueFunc func(m engine.Match, proof oracle.ProofResult) error

func (f QueueFunc) QueueSettlement(m engine.Match, proof oracle.ProofResult) error {
	return f(m, proof)
}

// Report summarises one Process invocation.
type Report struct {
	Processed  int
	Successful int
	Failed     int
	Results    []oracle.ProofResult
}

// Orchestrator serialises proof generation: one Process runs at a time, and
// within a run matches are handled in queue order so the per-match event
// sequence is preserved.
type Orchestrator struct {
	engine    *engine.Engine
	oracle    oracle.Oracle
	whitelist *whitelist.Service
	queuer    Queuer
	bus       *events.Bus
	clock     util.Clock
	log       *zap.SugaredLogger

	processMu chan struct{} // capacity 1; held for the whole drain

	resultsMu sync.Mutex
	results   []oracle.ProofResult
}

func NewOrchestrator(
	eng *engine.Engine,
	orc oracle.Oracle,
	wl *whitelist.Service,
	queuer Queuer,
	bus *events.Bus,
	clock util.Clock,
	logger *zap.SugaredLogger,
) *Orchestrator {
	o := &Orchestrator{
		engine:    eng,
		oracle:    orc,
		whitelist: wl,
		queuer:    queuer,
		bus:       bus,
		clock:     clock,
		log:       logger,
		processMu: make(chan struct{}, 1),
	}
	o.processMu <- struct{}{}
	return o
}

// Process drains the match queue and generates one proof per match. A failed
// proof never aborts the run; later matches still process.
func (o *Orchestrator) Process(ctx context.Context) (*Report, error) {
	select {
	case <-o.processMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { o.processMu <- struct{}{} }()

	matches := o.engine.DrainQueue()
	report := &Report{Processed: len(matches)}

	for _, m := range matches {
		res := o.processMatch(ctx, m)
		o.appendResult(res)
		report.Results = append(report.Results, res)
		if res.Success {
			report.Successful++
		} else {
			report.Failed++
		}
	}

	if report.Processed > 0 {
		o.log.Infow("proof_batch_processed",
			"processed", report.Processed,
			"successful", report.Successful,
			"failed", report.Failed,
		)
	}
	return report, nil
}

func (o *Orchestrator) processMatch(ctx context.Context, m engine.Match) oracle.ProofResult {
	buyerProof, ok := o.whitelist.ProofByIndex(m.BuyOrder.WhitelistIndex)
	if !ok {
		return o.fail(m, "buyer whitelist proof not found for index %d", m.BuyOrder.WhitelistIndex)
	}
	sellerProof, ok := o.whitelist.ProofByIndex(m.SellOrder.WhitelistIndex)
	if !ok {
		return o.fail(m, "seller whitelist proof not found for index %d", m.SellOrder.WhitelistIndex)
	}
	root := o.whitelist.Root()
	if root == nil {
		return o.fail(m, "whitelist not initialized")
	}

	buyerCommitment, err := num.ParseBig(m.BuyOrder.Commitment)
	if err != nil {
		return o.fail(m, "buyer commitment: %v", err)
	}
	sellerCommitment, err := num.ParseBig(m.SellOrder.Commitment)
	if err != nil {
		return o.fail(m, "seller commitment: %v", err)
	}

	assetHash, err := o.oracle.HashAsset(ctx, m.BuyOrder.AssetAddress)
	if err != nil {
		return o.fail(m, "hash asset: %v", err)
	}

	o.bus.Emit(events.ProofGenerating{MatchID: m.MatchID, Timestamp: o.clock.Now().UnixMilli()})

	res, err := o.oracle.GenerateSettlementProof(ctx, oracle.SettlementWitness{
		BuyerProof:       buyerProof,
		SellerProof:      sellerProof,
		BuyerSecret:      m.BuyOrder.Secret,
		BuyerNonce:       m.BuyOrder.Nonce,
		SellerSecret:     m.SellOrder.Secret,
		SellerNonce:      m.SellOrder.Nonce,
		BuyerCommitment:  buyerCommitment,
		SellerCommitment: sellerCommitment,
		AssetHash:        assetHash,
		Quantity:         m.ExecutionQuantity,
		Price:            m.ExecutionPrice,
		WhitelistRoot:    root,
	})
	if err != nil {
		return o.fail(m, "generate proof: %v", err)
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "prover reported failure"
		}
		return o.fail(m, "%s", res.Error)
	}

	res.MatchID = m.MatchID
	o.bus.Emit(events.ProofGenerated{
		MatchID:   m.MatchID,
		ProofHash: proofHashPrefix(res.Proof),
		Timestamp: o.clock.Now().UnixMilli(),
	})
	o.log.Infow("proof_generated",
		"match_id", m.MatchID,
		"proof_hash", proofHashPrefix(res.Proof),
	)

	if err := o.queuer.QueueSettlement(m, *res); err != nil {
		o.log.Errorw("queue_settlement_failed", "match_id", m.MatchID, "err", err)
		res.Success = false
		res.Error = "queue settlement: " + err.Error()
		return *res
	}
	return *res
}

// Run drives Process on a timer when automatic proof generation is enabled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.engine.PendingMatches() == 0 {
				continue
			}
			if _, err := o.Process(ctx); err != nil {
				o.log.Errorw("auto_process_failed", "err", err)
			}
		}
	}
}

// Settlements returns the proof outcomes log, oldest first.
func (o *Orchestrator) Settlements() []oracle.ProofResult {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()

	out := make([]oracle.ProofResult, len(o.results))
	copy(out, o.results)
	return out
}

func (o *Orchestrator) appendResult(res oracle.ProofResult) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	o.results = append(o.results, res)
}

func (o *Orchestrator) fail(m engine.Match, format string, args ...any) oracle.ProofResult {
	msg := fmt.Sprintf(format, args...)
	o.bus.Emit(events.ProofFailed{MatchID: m.MatchID, Error: msg, Timestamp: o.clock.Now().UnixMilli()})
	o.log.Warnw("proof_failed", "match_id", m.MatchID, "err", msg)
	return oracle.ProofResult{MatchID: m.MatchID, Success: false, Error: msg}
}

func proofHashPrefix(proof []byte) string {
	sum := sha256.Sum256(proof)
	return hex.EncodeToString(sum[:8])
}
