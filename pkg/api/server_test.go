package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/chain"
	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/num"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/proofs"
	"github.com/veilmarket/darkpool/pkg/settlement"
	"github.com/veilmarket/darkpool/pkg/whitelist"
)

const (
	apiAsset  = "CASSETADDRESS0000000000000000000000000000000000000000000"
	apiBuyer  = "GBUYERADDRESS"
	apiSeller = "GSELLERADDRESS"
	apiSource = "GSOURCEACCOUNT"
)

// apiClock is shared by every component under test; Sleep advances fake time
// so confirmation polling completes instantly.
type apiClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *apiClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *apiClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubChain plays both the settlement RPC and the whitelist registry.
type stubChain struct {
	mu           sync.Mutex
	sendErr      error
	statuses     []*chain.TxStatus
	participants []chain.Participant
	registryErr  error
}

func (s *stubChain) GetAccount(_ context.Context, address string) (*chain.Account, error) {
	return &chain.Account{AccountID: address, Sequence: 99}, nil
}

func (s *stubChain) PrepareTransaction(_ context.Context, txXDR string) (string, error) {
	return txXDR, nil
}

func (s *stubChain) SendTransaction(_ context.Context, _ string) (*chain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &chain.SendResult{Hash: "a1b2c3d4", Status: chain.TxStatusPending}, nil
}

func (s *stubChain) GetTransaction(_ context.Context, hash string) (*chain.TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return &chain.TxStatus{Status: chain.TxStatusNotFound, Hash: hash}, nil
	}
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return st, nil
}

func (s *stubChain) GetRegistryParticipants(_ context.Context, _ string) ([]chain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registryErr != nil {
		return nil, s.registryErr
	}
	return s.participants, nil
}

type testEnv struct {
	t     *testing.T
	ts    *httptest.Server
	chain *stubChain
	eng   *engine.Engine
	coord *settlement.Coordinator
	wl    *whitelist.Service
	hub   *Hub
	bus   *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := zap.NewNop().Sugar()
	clock := &apiClock{now: time.UnixMilli(1_700_000_000_000)}
	bus := events.NewBus()
	stub := &stubChain{
		statuses: []*chain.TxStatus{{Status: chain.TxStatusSuccess}},
		participants: []chain.Participant{
			{Address: apiBuyer, Index: 0, IDHash: big.NewInt(11)},
			{Address: apiSeller, Index: 1, IDHash: big.NewInt(22)},
		},
	}

	eng := engine.New(bus, clock, log)
	wl := whitelist.NewService(4, stub, "CREGISTRY", log)
	orc := oracle.NewLocalOracle()
	coord := settlement.NewCoordinator(settlement.Config{
		SettlementContract: "CSETTLEMENTCONTRACT",
		PaymentAsset:       "CUSDCADDRESS",
		PollInterval:       time.Millisecond,
		PollAttempts:       3,
	}, stub, nil, bus, clock, log)
	orch := proofs.NewOrchestrator(eng, orc, wl, proofs.QueueFunc(
		func(m engine.Match, proof oracle.ProofResult) error {
			_, err := coord.QueueSettlement(m, proof)
			return err
		},
	), bus, clock, log)
	hub := NewHub(bus, log)
	t.Cleanup(hub.Shutdown)

	_, err := wl.Initialize([]*big.Int{big.NewInt(11), big.NewInt(22)})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Engine:       eng,
		Orchestrator: orch,
		Coordinator:  coord,
		Whitelist:    wl,
		Oracle:       orc,
		Hub:          hub,
		Log:          log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, ts: ts, chain: stub, eng: eng, coord: coord, wl: wl, hub: hub, bus: bus}
}

func (e *testEnv) post(path string, body, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(e.ts.URL+path, "application/json", &buf)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) postRaw(path, body string, out any) int {
	e.t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) get(path string, out any) int {
	e.t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func intPtr(i int) *int { return &i }

func (e *testEnv) generateCommitment(side int, quantity, price int64) CommitmentResponse {
	e.t.Helper()
	var out CommitmentResponse
	status := e.post("/api/commitment/generate", CommitmentRequest{
		AssetAddress: apiAsset,
		Side:         intPtr(side),
		Quantity:     num.FromInt64(quantity),
		Price:        num.FromInt64(price),
	}, &out)
	require.Equal(e.t, http.StatusOK, status)
	return out
}

func (e *testEnv) submitOrder(trader string, side int, quantity, price int64, index int) SubmitOrderResponse {
	e.t.Helper()
	c := e.generateCommitment(side, quantity, price)
	var out SubmitOrderResponse
	status := e.post("/api/orders/submit", SubmitOrderRequest{
		Commitment:     c.Commitment,
		Trader:         trader,
		AssetAddress:   apiAsset,
		Side:           intPtr(side),
		Quantity:       num.FromInt64(quantity),
		Price:          num.FromInt64(price),
		Secret:         num.MustParse(c.Secret),
		Nonce:          num.MustParse(c.Nonce),
		WhitelistIndex: intPtr(index),
	}, &out)
	require.Equal(e.t, http.StatusOK, status)
	return out
}

// matchPair crosses one buy against one sell and returns the match id.
func (e *testEnv) matchPair() string {
	e.t.Helper()
	first := e.submitOrder(apiBuyer, engine.SideBuy, 100, 50, 0)
	require.False(e.t, first.Matched)
	second := e.submitOrder(apiSeller, engine.SideSell, 100, 50, 1)
	require.True(e.t, second.Matched)
	require.Len(e.t, second.Matches, 1)
	return second.Matches[0].MatchID
}

// settleReady runs the proof pass so the match has a ready settlement.
func (e *testEnv) settleReady() string {
	e.t.Helper()
	matchID := e.matchPair()
	var report ProcessReportView
	status := e.post("/api/matches/process", struct{}{}, &report)
	require.Equal(e.t, http.StatusOK, status)
	require.Equal(e.t, 1, report.Successful)
	return matchID
}

func TestSubmitOrderRestingThenMatch(t *testing.T) {
	env := newTestEnv(t)

	first := env.submitOrder(apiBuyer, engine.SideBuy, 100, 50, 0)
	assert.False(t, first.Matched)
	assert.NotEmpty(t, first.NoMatchReason)
	assert.Equal(t, 1, first.OrderBook.Buys)

	second := env.submitOrder(apiSeller, engine.SideSell, 100, 48, 1)
	assert.True(t, second.Matched)
	require.Len(t, second.Matches, 1)
	assert.Equal(t, apiBuyer, second.Matches[0].BuyOrder.Trader)
	assert.Equal(t, apiSeller, second.Matches[0].SellOrder.Trader)
	assert.Equal(t, "100", second.Matches[0].ExecutionQuantity)
	assert.Equal(t, 1, second.PendingMatches)
	assert.Zero(t, second.OrderBook.Buys)
	assert.Zero(t, second.OrderBook.Sells)

	var book engine.BookSnapshot
	status := env.get("/api/orders/"+apiAsset, &book)
	assert.Equal(t, http.StatusOK, status)
	assert.Zero(t, book.Buys)
	assert.Zero(t, book.Sells)

	var matches []MatchView
	status = env.get("/api/matches", &matches)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, matches, 1)
	assert.Equal(t, second.Matches[0].MatchID, matches[0].MatchID)

	var pending PendingMatchesResponse
	status = env.get("/api/matches/pending", &pending)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, pending.PendingCount)
}

func TestSubmitOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	status := env.post("/api/orders/submit", SubmitOrderRequest{
		Commitment:   "123",
		AssetAddress: apiAsset,
		Side:         intPtr(engine.SideBuy),
		Quantity:     num.FromInt64(1),
		Price:        num.FromInt64(1),
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Error)

	errResp = ErrorResponse{}
	status = env.post("/api/orders/submit", SubmitOrderRequest{
		Commitment:   "123",
		Trader:       apiBuyer,
		AssetAddress: apiAsset,
		Side:         intPtr(5),
		Quantity:     num.FromInt64(1),
		Price:        num.FromInt64(1),
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Error)
	assert.Contains(t, errResp.Details, "side must be 0 or 1")

	errResp = ErrorResponse{}
	status = env.postRaw("/api/orders/submit", "{not json", &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Error)
}

func TestCommitmentEndpoints(t *testing.T) {
	env := newTestEnv(t)

	first := env.generateCommitment(engine.SideBuy, 100, 50)
	assert.NotEmpty(t, first.Commitment)
	assert.NotEmpty(t, first.Secret)
	assert.NotEmpty(t, first.Nonce)
	assert.NotEmpty(t, first.AssetHash)

	second := env.generateCommitment(engine.SideBuy, 100, 50)
	assert.NotEqual(t, first.Secret, second.Secret, "blinding values must be fresh per call")
	assert.NotEqual(t, first.Commitment, second.Commitment)

	var hashed HashAssetResponse
	status := env.post("/api/commitment/hash-asset", HashAssetRequest{AssetAddress: apiAsset}, &hashed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, first.AssetHash, hashed.AssetHash)

	var errResp ErrorResponse
	status = env.postRaw("/api/commitment/generate", `{"assetAddress":"CA","quantity":"1","price":"1"}`, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Error)
}

func TestFullSettlementFlowOverREST(t *testing.T) {
	env := newTestEnv(t)
	matchID := env.settleReady()

	var list []SettlementView
	status := env.get("/api/settlement/pending", &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	assert.Equal(t, matchID, list[0].MatchID)
	assert.Equal(t, "ready", list[0].Status)

	var proofLog []ProofResultView
	status = env.get("/api/matches/settlements", &proofLog)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, proofLog, 1)
	assert.True(t, proofLog[0].Success)
	assert.NotEmpty(t, proofLog[0].NullifierHash)

	var built BuildTxResponse
	status = env.post("/api/settlement/"+matchID+"/build-tx", BuildTxRequest{SourceAccount: apiSource}, &built)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, matchID, built.MatchID)
	require.NotEmpty(t, built.TxXDR)

	tx, err := chain.DecodeTxXDR(built.TxXDR)
	require.NoError(t, err)
	assert.Equal(t, apiSource, tx.SourceAccount)
	assert.Equal(t, int64(100), tx.SequenceNumber)

	var signResp SignResponse
	status = env.post("/api/settlement/"+matchID+"/sign", SignRequest{
		SignerAddress: "GSTRANGER",
		SignedTxXDR:   built.TxXDR,
	}, &signResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, signResp.Success)
	assert.False(t, signResp.Complete)
	assert.Equal(t, "signer not part of this trade", signResp.Error)

	signResp = SignResponse{}
	status = env.post("/api/settlement/"+matchID+"/sign", SignRequest{
		SignerAddress: apiBuyer,
		SignedTxXDR:   built.TxXDR,
	}, &signResp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, signResp.Success)
	assert.False(t, signResp.Complete)
	assert.Contains(t, signResp.Message, "awaiting counterparty")

	var signing SigningStatusView
	status = env.get("/api/settlement/"+matchID+"/signing-status", &signing)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, signing.BuyerSigned)
	assert.False(t, signing.SellerSigned)
	assert.Equal(t, "awaiting_signatures", signing.Status)

	signResp = SignResponse{}
	status = env.post("/api/settlement/"+matchID+"/sign", SignRequest{
		SignerAddress: apiSeller,
		SignedTxXDR:   built.TxXDR,
	}, &signResp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, signResp.Success)
	assert.True(t, signResp.Complete)
	assert.NotEmpty(t, signResp.TxHash)

	var view SettlementView
	status = env.get("/api/settlement/"+matchID, &view)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", view.Status)
	assert.Equal(t, signResp.TxHash, view.TxHash)

	var stats SettlementStatsView
	status = env.get("/api/settlement/stats/summary", &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["confirmed"])

	var mine []TraderSettlementView
	status = env.get("/api/settlement/for-trader/"+apiBuyer, &mine)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, mine, 1)
	assert.Equal(t, "buyer", mine[0].Role)
}

func TestSettlementRoutesUnknownMatch(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	status := env.get("/api/settlement/deadbeef", &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errResp.Error)

	errResp = ErrorResponse{}
	status = env.get("/api/settlement/deadbeef/signing-status", &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	errResp = ErrorResponse{}
	status = env.post("/api/settlement/deadbeef/prepare", struct{}{}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	errResp = ErrorResponse{}
	status = env.post("/api/settlement/deadbeef/build-tx", BuildTxRequest{SourceAccount: apiSource}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	errResp = ErrorResponse{}
	status = env.post("/api/settlement/deadbeef/sign", SignRequest{
		SignerAddress: apiBuyer,
		SignedTxXDR:   "AAAA",
	}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	errResp = ErrorResponse{}
	status = env.post("/api/settlement/deadbeef/submit", SubmitTxRequest{SignedTxXDR: "AAAA"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPrepareSettlementEndpoint(t *testing.T) {
	env := newTestEnv(t)
	matchID := env.settleReady()

	var data PreparedDataView
	status := env.post("/api/settlement/"+matchID+"/prepare", struct{}{}, &data)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, matchID, data.MatchID)
	assert.Equal(t, apiBuyer, data.Buyer)
	assert.Equal(t, apiSeller, data.Seller)
	assert.Equal(t, apiAsset, data.AssetAddress)
	assert.Equal(t, "CUSDCADDRESS", data.PaymentAsset)
	assert.Equal(t, "100", data.Quantity)
	assert.NotEmpty(t, data.Proof)
	assert.NotEmpty(t, data.NullifierHash)
}

func TestSubmitEndpointReportsOutcome(t *testing.T) {
	env := newTestEnv(t)
	matchID := env.settleReady()

	var built BuildTxResponse
	status := env.post("/api/settlement/"+matchID+"/build-tx", BuildTxRequest{SourceAccount: apiSource}, &built)
	require.Equal(t, http.StatusOK, status)

	// Garbage XDR is a failed outcome, not a transport error.
	var out SubmitTxResponse
	status = env.post("/api/settlement/"+matchID+"/submit", SubmitTxRequest{SignedTxXDR: "%%%not-xdr%%%"}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)

	var view SettlementView
	env.get("/api/settlement/"+matchID, &view)
	assert.Equal(t, "failed", view.Status)
}

func TestConfirmEndpointForcesStatus(t *testing.T) {
	env := newTestEnv(t)
	matchID := env.settleReady()

	var view SettlementView
	status := env.post("/api/settlement/"+matchID+"/confirm", ConfirmRequest{TxHash: "cafe01"}, &view)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", view.Status)
	assert.Equal(t, "cafe01", view.TxHash)
}

func TestWhitelistStatusAndSync(t *testing.T) {
	env := newTestEnv(t)

	var st WhitelistStatusResponse
	status := env.get("/api/whitelist/status", &st)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, st.Initialized)
	assert.Equal(t, 2, st.Participants)
	assert.Equal(t, 16, st.Capacity)
	assert.Contains(t, st.Root, "0x")
	assert.Contains(t, st.Root, "...", "long roots are truncated for display")

	st = WhitelistStatusResponse{}
	status = env.post("/api/whitelist/sync", struct{}{}, &st)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, st.Initialized)
	assert.Equal(t, 2, st.Participants)

	// After a sync the registry mapping resolves indices, so clients may omit
	// whitelistIndex entirely.
	c := env.generateCommitment(engine.SideBuy, 10, 5)
	var res SubmitOrderResponse
	status = env.post("/api/orders/submit", SubmitOrderRequest{
		Commitment:   c.Commitment,
		Trader:       apiBuyer,
		AssetAddress: apiAsset,
		Side:         intPtr(engine.SideBuy),
		Quantity:     num.FromInt64(10),
		Price:        num.FromInt64(5),
		Secret:       num.MustParse(c.Secret),
		Nonce:        num.MustParse(c.Nonce),
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, res.OrderBook.Buys)
}

func TestWhitelistSyncErrors(t *testing.T) {
	env := newTestEnv(t)

	env.chain.mu.Lock()
	env.chain.participants = nil
	env.chain.mu.Unlock()

	var errResp ErrorResponse
	status := env.post("/api/whitelist/sync", struct{}{}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "conflict", errResp.Error)
	assert.Contains(t, errResp.Details, "no active participants")

	env.chain.mu.Lock()
	env.chain.registryErr = errs.E(errs.ChainUnavailable, "registry unreachable")
	env.chain.mu.Unlock()

	errResp = ErrorResponse{}
	status = env.post("/api/whitelist/sync", struct{}{}, &errResp)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "chain_unavailable", errResp.Error)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.matchPair()

	var health HealthResponse
	status := env.get("/health", &health)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.PendingMatches)
	assert.Zero(t, health.WebSocket.Sessions)
}

func TestProcessWithEmptyQueue(t *testing.T) {
	env := newTestEnv(t)

	var report ProcessReportView
	status := env.post("/api/matches/process", struct{}{}, &report)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, report.Processed)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "trace-me-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-me-42", resp.Header.Get("X-Request-Id"))
}

func TestResolveWhitelistIndexPrecedence(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.wl.Sync(context.Background()))

	srv := NewServer(Deps{
		Whitelist:   env.wl,
		TraderIndex: map[string]int{apiBuyer: 7},
		Log:         zap.NewNop().Sugar(),
	})

	assert.Equal(t, 7, srv.resolveWhitelistIndex(apiBuyer, nil), "config override wins")
	assert.Equal(t, 1, srv.resolveWhitelistIndex(apiSeller, nil), "registry mapping second")
	assert.Equal(t, 5, srv.resolveWhitelistIndex("GSTRANGER", intPtr(5)), "client claim third")
	assert.Zero(t, srv.resolveWhitelistIndex("GSTRANGER", nil))
}
