// Package api is the REST and push-channel surface. It owns no domain state:
// every handler translates between JSON DTOs and the injected components, and
// every error is mapped from its kind to an HTTP status.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/metrics"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/proofs"
	"github.com/veilmarket/darkpool/pkg/settlement"
	"github.com/veilmarket/darkpool/pkg/whitelist"
)

// maxBodyBytes bounds request bodies; proof blobs stay well under it.
const maxBodyBytes = 1 << 20

// Deps carries every component the server serves. Nothing here is global;
// tests construct the set they need.
type Deps struct {
	Engine       *engine.Engine
	Orchestrator *proofs.Orchestrator
	Coordinator  *settlement.Coordinator
	Whitelist    *whitelist.Service
	Oracle       oracle.Oracle
	Hub          *Hub
	Metrics      *metrics.Metrics
	Log          *zap.SugaredLogger

	// CORSOrigins defaults to allow-all when empty. TraderIndex overrides
	// whitelist indices per trader address, ahead of the synced registry.
	CORSOrigins []string
	TraderIndex map[string]int
}

type Server struct {
	engine       *engine.Engine
	orchestrator *proofs.Orchestrator
	coordinator  *settlement.Coordinator
	whitelist    *whitelist.Service
	oracle       oracle.Oracle
	hub          *Hub
	metrics      *metrics.Metrics
	log          *zap.SugaredLogger

	router      *mux.Router
	validate    *validator.Validate
	corsOrigins []string
	traderIndex map[string]int
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:       d.Engine,
		orchestrator: d.Orchestrator,
		coordinator:  d.Coordinator,
		whitelist:    d.Whitelist,
		oracle:       d.Oracle,
		hub:          d.Hub,
		metrics:      d.Metrics,
		log:          d.Log,
		router:       mux.NewRouter(),
		validate:     validator.New(),
		corsOrigins:  d.CORSOrigins,
		traderIndex:  d.TraderIndex,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/commitment/generate", s.handleGenerateCommitment).Methods(http.MethodPost)
	api.HandleFunc("/commitment/hash-asset", s.handleHashAsset).Methods(http.MethodPost)

	api.HandleFunc("/orders/submit", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{assetAddress}", s.handleOrderbook).Methods(http.MethodGet)

	api.HandleFunc("/matches", s.handleMatches).Methods(http.MethodGet)
	api.HandleFunc("/matches/pending", s.handlePendingMatches).Methods(http.MethodGet)
	api.HandleFunc("/matches/settlements", s.handleProofLog).Methods(http.MethodGet)
	api.HandleFunc("/matches/process", s.handleProcessMatches).Methods(http.MethodPost)

	// Literal settlement routes must precede the {matchId} capture.
	api.HandleFunc("/settlement/pending", s.handleSettlements).Methods(http.MethodGet)
	api.HandleFunc("/settlement/stats/summary", s.handleSettlementStats).Methods(http.MethodGet)
	api.HandleFunc("/settlement/for-trader/{address}", s.handleTraderSettlements).Methods(http.MethodGet)
	api.HandleFunc("/settlement/{matchId}", s.handleGetSettlement).Methods(http.MethodGet)
	api.HandleFunc("/settlement/{matchId}/signing-status", s.handleSigningStatus).Methods(http.MethodGet)
	api.HandleFunc("/settlement/{matchId}/prepare", s.handlePrepareSettlement).Methods(http.MethodPost)
	api.HandleFunc("/settlement/{matchId}/build-tx", s.handleBuildTx).Methods(http.MethodPost)
	api.HandleFunc("/settlement/{matchId}/sign", s.handleSign).Methods(http.MethodPost)
	api.HandleFunc("/settlement/{matchId}/submit", s.handleSubmitTx).Methods(http.MethodPost)
	api.HandleFunc("/settlement/{matchId}/confirm", s.handleConfirm).Methods(http.MethodPost)

	api.HandleFunc("/whitelist/sync", s.handleWhitelistSync).Methods(http.MethodPost)
	api.HandleFunc("/whitelist/status", s.handleWhitelistStatus).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.HandleUpgrade)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler wraps the router with CORS for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ==============================
// Middleware
// ==============================

// instrument stamps a request id, logs the request, feeds the latency
// histogram and converts handler panics into a 500.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorw("handler_panic",
					"request_id", requestID,
					"path", r.URL.Path,
					"panic", rec,
				)
				s.respondJSON(sw, http.StatusInternalServerError, ErrorResponse{
					Error:   string(errs.Internal),
					Details: "internal server error",
				})
			}
			elapsed := time.Since(start)
			route := routePattern(r)
			s.log.Infow("http_request",
				"request_id", requestID,
				"method", r.Method,
				"route", route,
				"status", sw.status,
				"duration_ms", elapsed.Milliseconds(),
			)
			if s.metrics != nil {
				s.metrics.ObserveHTTP(route, r.Method, sw.status, elapsed.Seconds())
			}
		}()
		next.ServeHTTP(sw, r)
	})
}

func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// statusWriter captures the status code and keeps the connection hijackable
// for the WebSocket upgrade.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// ==============================
// Commitment handlers
// ==============================

func (s *Server) handleGenerateCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if *req.Side != oracle.SideBuy && *req.Side != oracle.SideSell {
		s.respondError(w, errs.Ef(errs.Validation, "side must be 0 or 1, got %d", *req.Side))
		return
	}

	res, err := s.oracle.GenerateCommitment(r.Context(), oracle.CommitmentRequest{
		AssetAddress: req.AssetAddress,
		Side:         *req.Side,
		Quantity:     req.Quantity.Int(),
		Price:        req.Price.Int(),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, CommitmentResponse{
		Commitment: res.Commitment.String(),
		Secret:     res.Secret.String(),
		Nonce:      res.Nonce.String(),
		AssetHash:  res.AssetHash.String(),
	})
}

func (s *Server) handleHashAsset(w http.ResponseWriter, r *http.Request) {
	var req HashAssetRequest
	if !s.decode(w, r, &req) {
		return
	}
	hash, err := s.oracle.HashAsset(r.Context(), req.AssetAddress)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, HashAssetResponse{AssetHash: hash.String()})
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if *req.Side != engine.SideBuy && *req.Side != engine.SideSell {
		s.respondError(w, errs.Ef(errs.Validation, "side must be 0 or 1, got %d", *req.Side))
		return
	}

	order := engine.PrivateOrder{
		Commitment:     req.Commitment,
		Trader:         req.Trader,
		AssetAddress:   req.AssetAddress,
		Side:           *req.Side,
		Quantity:       req.Quantity.Int(),
		Price:          req.Price.Int(),
		Secret:         req.Secret.Int(),
		Nonce:          req.Nonce.Int(),
		Expiry:         req.Expiry,
		WhitelistIndex: s.resolveWhitelistIndex(req.Trader, req.WhitelistIndex),
	}

	res, err := s.engine.Submit(order)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, SubmitOrderResponse{
		Matched:        res.Matched,
		Matches:        matchViews(res.Matches),
		NoMatchReason:  res.NoMatchReason,
		PendingMatches: res.PendingProofs,
		OrderBook:      res.Book,
	})
}

// resolveWhitelistIndex picks the proving index for a trader: config override
// first, then the synced registry, then the client's claim.
func (s *Server) resolveWhitelistIndex(trader string, client *int) int {
	if idx, ok := s.traderIndex[trader]; ok {
		return idx
	}
	if s.whitelist != nil {
		if idx, ok := s.whitelist.IndexForTrader(trader); ok {
			return idx
		}
	}
	if client != nil {
		return *client
	}
	return 0
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["assetAddress"]
	s.respondJSON(w, http.StatusOK, s.engine.BookSnapshot(asset))
}

// ==============================
// Match handlers
// ==============================

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, matchViews(s.engine.Completed()))
}

func (s *Server) handlePendingMatches(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, PendingMatchesResponse{PendingCount: s.engine.PendingMatches()})
}

func (s *Server) handleProofLog(w http.ResponseWriter, r *http.Request) {
	results := s.orchestrator.Settlements()
	views := make([]ProofResultView, len(results))
	for i, res := range results {
		views[i] = proofView(res)
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleProcessMatches(w http.ResponseWriter, r *http.Request) {
	report, err := s.orchestrator.Process(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reportView(report))
}

// ==============================
// Settlement handlers
// ==============================

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, settlementViews(s.coordinator.All()))
}

func (s *Server) handleSettlementStats(w http.ResponseWriter, r *http.Request) {
	stats := s.coordinator.Stats()
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	s.respondJSON(w, http.StatusOK, SettlementStatsView{Total: stats.Total, ByStatus: byStatus})
}

func (s *Server) handleTraderSettlements(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	settlements := s.coordinator.ForTrader(address)
	views := make([]TraderSettlementView, len(settlements))
	for i, ts := range settlements {
		views[i] = TraderSettlementView{
			SettlementView: settlementView(ts.Settlement),
			Role:           ts.Role,
		}
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coordinator.Get(mux.Vars(r)["matchId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, settlementView(rec))
}

func (s *Server) handleSigningStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coordinator.SigningStatus(mux.Vars(r)["matchId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, SigningStatusView{
		MatchID:      st.MatchID,
		BuyerSigned:  st.BuyerSigned,
		SellerSigned: st.SellerSigned,
		Status:       string(st.Status),
	})
}

func (s *Server) handlePrepareSettlement(w http.ResponseWriter, r *http.Request) {
	data, err := s.coordinator.PrepareSettlementData(mux.Vars(r)["matchId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, preparedView(data))
}

func (s *Server) handleBuildTx(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	var req BuildTxRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.coordinator.BuildSettlementTransaction(r.Context(), matchID, req.SourceAccount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, BuildTxResponse{MatchID: rec.MatchID, TxXDR: rec.UnsignedTxXDR})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	var req SignRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, err := s.coordinator.AddSignature(r.Context(), matchID, req.SignerAddress, req.SignedTxXDR)
	if err != nil {
		// Party and state conflicts keep the sign-response shape so clients
		// see {complete:false, error} rather than the generic envelope.
		if errs.KindOf(err) == errs.Conflict {
			s.respondJSON(w, http.StatusBadRequest, SignResponse{Error: err.Error()})
			return
		}
		s.respondError(w, err)
		return
	}

	resp := SignResponse{
		Success:  out.Error == "",
		Complete: out.Complete,
		TxHash:   out.TxHash,
		Error:    out.Error,
	}
	if resp.Success && !resp.Complete {
		resp.Message = "signature recorded; awaiting counterparty"
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	var req SubmitTxRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.coordinator.Get(matchID); err != nil {
		s.respondError(w, err)
		return
	}

	out := s.coordinator.SubmitSettlement(r.Context(), matchID, req.SignedTxXDR)
	s.respondJSON(w, http.StatusOK, SubmitTxResponse{
		Success: out.Success,
		TxHash:  out.TxHash,
		Error:   out.Error,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	var req ConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.coordinator.MarkConfirmed(matchID, req.TxHash)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, settlementView(rec))
}

// ==============================
// Whitelist handlers
// ==============================

func (s *Server) handleWhitelistSync(w http.ResponseWriter, r *http.Request) {
	if err := s.whitelist.Sync(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.whitelistStatus())
}

func (s *Server) handleWhitelistStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.whitelistStatus())
}

func (s *Server) whitelistStatus() WhitelistStatusResponse {
	root := s.whitelist.RootHex()
	if len(root) > 18 {
		root = root[:18] + "..."
	}
	return WhitelistStatusResponse{
		Initialized:  root != "",
		Root:         root,
		Participants: s.whitelist.Size(),
		Capacity:     s.whitelist.Capacity(),
	}
}

// ==============================
// Health
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		PendingMatches: s.engine.PendingMatches(),
	}
	if s.hub != nil {
		resp.WebSocket = s.hub.Stats()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// ==============================
// Helpers
// ==============================

// decode reads, parses and validates the body. On failure it writes the 400
// itself and reports false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.respondError(w, errs.Wrap(errs.Validation, err, "invalid request body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.respondError(w, errs.Wrap(errs.Validation, err, "invalid request"))
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnw("response_encode_failed", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	s.respondJSON(w, errs.HTTPStatus(kind), ErrorResponse{
		Error:   string(kind),
		Details: err.Error(),
	})
}
