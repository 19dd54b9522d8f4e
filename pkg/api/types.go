package api

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/num"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/proofs"
	"github.com/veilmarket/darkpool/pkg/settlement"
)

// ErrorResponse is the uniform error reply: a stable kind tag plus a human
// message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CommitmentRequest proxies to the proof oracle. Quantity and price travel as
// decimal strings; num.Big keeps them off the float64 path.
type CommitmentRequest struct {
	AssetAddress string  `json:"assetAddress" validate:"required"`
	Side         *int    `json:"side" validate:"required"`
	Quantity     num.Big `json:"quantity"`
	Price        num.Big `json:"price"`
}

type CommitmentResponse struct {
	Commitment string `json:"commitment"`
	Secret     string `json:"secret"`
	Nonce      string `json:"nonce"`
	AssetHash  string `json:"assetHash"`
}

type HashAssetRequest struct {
	AssetAddress string `json:"assetAddress" validate:"required"`
}

type HashAssetResponse struct {
	AssetHash string `json:"assetHash"`
}

// SubmitOrderRequest carries the full private order, including the blinding
// values the proof witness needs. They are accepted here and never surface in
// any response, event or log.
type SubmitOrderRequest struct {
	Commitment     string  `json:"commitment" validate:"required"`
	Trader         string  `json:"trader" validate:"required"`
	AssetAddress   string  `json:"assetAddress" validate:"required"`
	Side           *int    `json:"side" validate:"required"`
	Quantity       num.Big `json:"quantity"`
	Price          num.Big `json:"price"`
	Secret         num.Big `json:"secret"`
	Nonce          num.Big `json:"nonce"`
	Expiry         int64   `json:"expiry,omitempty"`
	WhitelistIndex *int    `json:"whitelistIndex,omitempty"`
}

type SubmitOrderResponse struct {
	Matched        bool                `json:"matched"`
	Matches        []MatchView         `json:"matches,omitempty"`
	NoMatchReason  string              `json:"noMatchReason,omitempty"`
	PendingMatches int                 `json:"pendingMatches"`
	OrderBook      engine.BookSnapshot `json:"orderBook"`
}

// OrderView is the public projection of an order: secret and nonce are
// structurally absent.
type OrderView struct {
	Commitment     string `json:"commitment"`
	Trader         string `json:"trader"`
	AssetAddress   string `json:"assetAddress"`
	Side           int    `json:"side"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	Timestamp      int64  `json:"timestamp"`
	Expiry         int64  `json:"expiry"`
	WhitelistIndex int    `json:"whitelistIndex"`
}

type MatchView struct {
	MatchID           string    `json:"matchId"`
	BuyOrder          OrderView `json:"buyOrder"`
	SellOrder         OrderView `json:"sellOrder"`
	ExecutionPrice    string    `json:"executionPrice"`
	ExecutionQuantity string    `json:"executionQuantity"`
	Timestamp         int64     `json:"timestamp"`
}

type PendingMatchesResponse struct {
	PendingCount int `json:"pendingCount"`
}

// ProofResultView renders proof blobs as 0x hex.
type ProofResultView struct {
	MatchID       string        `json:"matchId"`
	Proof         hexutil.Bytes `json:"proof,omitempty"`
	PublicSignals hexutil.Bytes `json:"publicSignals,omitempty"`
	NullifierHash string        `json:"nullifierHash,omitempty"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

type ProcessReportView struct {
	Processed  int               `json:"processed"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []ProofResultView `json:"results"`
}

type SettlementView struct {
	MatchID       string          `json:"matchId"`
	Match         MatchView       `json:"match"`
	Status        string          `json:"status"`
	Proof         ProofResultView `json:"proof"`
	UnsignedTxXDR string          `json:"unsignedTxXdr,omitempty"`
	BuyerSigned   bool            `json:"buyerSigned"`
	SellerSigned  bool            `json:"sellerSigned"`
	TxHash        string          `json:"txHash,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

type TraderSettlementView struct {
	SettlementView
	Role string `json:"role"`
}

type SettlementStatsView struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

type SigningStatusView struct {
	MatchID      string `json:"matchId"`
	BuyerSigned  bool   `json:"buyerSigned"`
	SellerSigned bool   `json:"sellerSigned"`
	Status       string `json:"status"`
}

type PreparedDataView struct {
	MatchID       string        `json:"matchId"`
	Buyer         string        `json:"buyer"`
	Seller        string        `json:"seller"`
	AssetAddress  string        `json:"assetAddress"`
	PaymentAsset  string        `json:"paymentAsset"`
	Quantity      string        `json:"quantity"`
	Price         string        `json:"price"`
	Proof         hexutil.Bytes `json:"proof"`
	PublicSignals hexutil.Bytes `json:"publicSignals"`
	NullifierHash string        `json:"nullifierHash"`
}

type BuildTxRequest struct {
	SourceAccount string `json:"sourceAccount" validate:"required"`
}

type BuildTxResponse struct {
	MatchID string `json:"matchId"`
	TxXDR   string `json:"txXdr"`
}

type SignRequest struct {
	SignerAddress string `json:"signerAddress" validate:"required"`
	SignedTxXDR   string `json:"signedTxXdr" validate:"required"`
}

type SignResponse struct {
	Success  bool   `json:"success"`
	Complete bool   `json:"complete"`
	Message  string `json:"message,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
	Error    string `json:"error,omitempty"`
}

type SubmitTxRequest struct {
	SignedTxXDR string `json:"signedTxXdr" validate:"required"`
}

type SubmitTxResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ConfirmRequest struct {
	TxHash string `json:"txHash"`
}

type WhitelistStatusResponse struct {
	Initialized  bool   `json:"initialized"`
	Root         string `json:"root,omitempty"`
	Participants int    `json:"participants"`
	Capacity     int    `json:"capacity"`
}

type HealthResponse struct {
	Status         string   `json:"status"`
	PendingMatches int      `json:"pendingMatches"`
	WebSocket      HubStats `json:"websocket"`
}

func orderView(o engine.PrivateOrder) OrderView {
	return OrderView{
		Commitment:     o.Commitment,
		Trader:         o.Trader,
		AssetAddress:   o.AssetAddress,
		Side:           o.Side,
		Quantity:       num.FormatBig(o.Quantity),
		Price:          num.FormatBig(o.Price),
		Timestamp:      o.Timestamp,
		Expiry:         o.Expiry,
		WhitelistIndex: o.WhitelistIndex,
	}
}

func matchView(m engine.Match) MatchView {
	return MatchView{
		MatchID:           m.MatchID,
		BuyOrder:          orderView(m.BuyOrder),
		SellOrder:         orderView(m.SellOrder),
		ExecutionPrice:    num.FormatBig(m.ExecutionPrice),
		ExecutionQuantity: num.FormatBig(m.ExecutionQuantity),
		Timestamp:         m.Timestamp,
	}
}

func matchViews(ms []engine.Match) []MatchView {
	out := make([]MatchView, len(ms))
	for i, m := range ms {
		out[i] = matchView(m)
	}
	return out
}

func proofView(p oracle.ProofResult) ProofResultView {
	return ProofResultView{
		MatchID:       p.MatchID,
		Proof:         hexutil.Bytes(p.Proof),
		PublicSignals: hexutil.Bytes(p.PublicSignals),
		NullifierHash: p.NullifierHash,
		Success:       p.Success,
		Error:         p.Error,
	}
}

func reportView(r *proofs.Report) ProcessReportView {
	out := ProcessReportView{
		Processed:  r.Processed,
		Successful: r.Successful,
		Failed:     r.Failed,
		Results:    make([]ProofResultView, len(r.Results)),
	}
	for i, res := range r.Results {
		out.Results[i] = proofView(res)
	}
	return out
}

func settlementView(s *settlement.PendingSettlement) SettlementView {
	return SettlementView{
		MatchID:       s.MatchID,
		Match:         matchView(s.Match),
		Status:        string(s.Status),
		Proof:         proofView(s.Proof),
		UnsignedTxXDR: s.UnsignedTxXDR,
		BuyerSigned:   s.BuyerSigned,
		SellerSigned:  s.SellerSigned,
		TxHash:        s.TxHash,
		Error:         s.Error,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func settlementViews(ss []*settlement.PendingSettlement) []SettlementView {
	out := make([]SettlementView, len(ss))
	for i, s := range ss {
		out[i] = settlementView(s)
	}
	return out
}

func preparedView(d *settlement.PreparedData) PreparedDataView {
	return PreparedDataView{
		MatchID:       d.MatchID,
		Buyer:         d.Buyer,
		Seller:        d.Seller,
		AssetAddress:  d.Asset,
		PaymentAsset:  d.PaymentAsset,
		Quantity:      d.Quantity,
		Price:         d.Price,
		Proof:         hexutil.Bytes(d.Proof),
		PublicSignals: hexutil.Bytes(d.PublicSignals),
		NullifierHash: d.NullifierHash,
	}
}
