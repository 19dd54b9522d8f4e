// Package events implements the typed pub/sub bus that connects the matching
// engine, proof orchestrator and settlement coordinator to the push channel.
package events

// Topic is one of the closed set of event tags.
type Topic string

const (
	TopicOrderSubmitted      Topic = "order:submitted"
	TopicOrderMatched        Topic = "order:matched"
	TopicProofGenerating     Topic = "proof:generating"
	TopicProofGenerated      Topic = "proof:generated"
	TopicProofFailed         Topic = "proof:failed"
	TopicSettlementQueued    Topic = "settlement:queued"
	TopicSettlementTxBuilt   Topic = "settlement:txBuilt"
	TopicSettlementConfirmed Topic = "settlement:confirmed"
	TopicSettlementFailed    Topic = "settlement:failed"
	TopicSignatureAdded      Topic = "signature:added"
	TopicSignatureComplete   Topic = "signature:complete"
)

// ChannelSystem carries the welcome frame and other server notices.
const ChannelSystem = "system"

func ChannelOrderbook(asset string) string    { return "orderbook:" + asset }
func ChannelTrader(address string) string     { return "trader:" + address }
func ChannelSettlement(matchID string) string { return "settlement:" + matchID }

// Event is any payload routable over the bus. Channels returns the push
// channels the payload fans out to. Payloads never carry order secrets or
// nonces.
type Event interface {
	Topic() Topic
	Channels() []string
}

// OrderSubmitted is emitted on book insertion, before the match pass runs.
type OrderSubmitted struct {
	Commitment string `json:"commitment"`
	Trader     string `json:"trader"`
	Asset      string `json:"assetAddress"`
	Side       int    `json:"side"`
	Timestamp  int64  `json:"timestamp"`
}

func (OrderSubmitted) Topic() Topic { return TopicOrderSubmitted }
func (e OrderSubmitted) Channels() []string {
	return []string{ChannelOrderbook(e.Asset), ChannelTrader(e.Trader)}
}

// OrderMatched is emitted once per match, before proof generation starts.
type OrderMatched struct {
	MatchID   string `json:"matchId"`
	Asset     string `json:"assetAddress"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (OrderMatched) Topic() Topic { return TopicOrderMatched }
func (e OrderMatched) Channels() []string {
	return []string{
		ChannelOrderbook(e.Asset),
		ChannelTrader(e.Buyer),
		ChannelTrader(e.Seller),
		ChannelSettlement(e.MatchID),
	}
}

type ProofGenerating struct {
	MatchID   string `json:"matchId"`
	Timestamp int64  `json:"timestamp"`
}

func (ProofGenerating) Topic() Topic         { return TopicProofGenerating }
func (e ProofGenerating) Channels() []string { return []string{ChannelSettlement(e.MatchID)} }

// ProofGenerated carries only a prefix of the proof hash; full proof bytes
// stay in the settlements log.
type ProofGenerated struct {
	MatchID   string `json:"matchId"`
	ProofHash string `json:"proofHash"`
	Timestamp int64  `json:"timestamp"`
}

func (ProofGenerated) Topic() Topic         { return TopicProofGenerated }
func (e ProofGenerated) Channels() []string { return []string{ChannelSettlement(e.MatchID)} }

type ProofFailed struct {
	MatchID   string `json:"matchId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func (ProofFailed) Topic() Topic         { return TopicProofFailed }
func (e ProofFailed) Channels() []string { return []string{ChannelSettlement(e.MatchID)} }

type SettlementQueued struct {
	MatchID   string `json:"matchId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (SettlementQueued) Topic() Topic { return TopicSettlementQueued }
func (e SettlementQueued) Channels() []string {
	return []string{ChannelSettlement(e.MatchID), ChannelTrader(e.Buyer), ChannelTrader(e.Seller)}
}

type SettlementTxBuilt struct {
	MatchID   string `json:"matchId"`
	TxHash    string `json:"txHash"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Timestamp int64  `json:"timestamp"`
}

func (SettlementTxBuilt) Topic() Topic { return TopicSettlementTxBuilt }
func (e SettlementTxBuilt) Channels() []string {
	return []string{ChannelSettlement(e.MatchID), ChannelTrader(e.Buyer), ChannelTrader(e.Seller)}
}

type SignatureAdded struct {
	MatchID      string `json:"matchId"`
	Signer       string `json:"signer"`
	BuyerSigned  bool   `json:"buyerSigned"`
	SellerSigned bool   `json:"sellerSigned"`
	Timestamp    int64  `json:"timestamp"`
}

func (SignatureAdded) Topic() Topic { return TopicSignatureAdded }
func (e SignatureAdded) Channels() []string {
	return []string{ChannelSettlement(e.MatchID), ChannelTrader(e.Signer)}
}

type SignatureComplete struct {
	MatchID   string `json:"matchId"`
	Timestamp int64  `json:"timestamp"`
}

func (SignatureComplete) Topic() Topic         { return TopicSignatureComplete }
func (e SignatureComplete) Channels() []string { return []string{ChannelSettlement(e.MatchID)} }

type SettlementConfirmed struct {
	MatchID   string `json:"matchId"`
	TxHash    string `json:"txHash"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Timestamp int64  `json:"timestamp"`
}

func (SettlementConfirmed) Topic() Topic { return TopicSettlementConfirmed }
func (e SettlementConfirmed) Channels() []string {
	return []string{ChannelSettlement(e.MatchID), ChannelTrader(e.Buyer), ChannelTrader(e.Seller)}
}

type SettlementFailed struct {
	MatchID   string `json:"matchId"`
	Error     string `json:"error"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Timestamp int64  `json:"timestamp"`
}

func (SettlementFailed) Topic() Topic { return TopicSettlementFailed }
func (e SettlementFailed) Channels() []string {
	return []string{ChannelSettlement(e.MatchID), ChannelTrader(e.Buyer), ChannelTrader(e.Seller)}
}
