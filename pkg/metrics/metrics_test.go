package metrics

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/util"
)

func TestObserveBusFeedsCounters(t *testing.T) {
	m := New()
	bus := events.NewBus()
	m.ObserveBus(bus)

	bus.Emit(events.OrderSubmitted{Trader: "GA", Asset: "CA"})
	bus.Emit(events.OrderSubmitted{Trader: "GB", Asset: "CA"})
	bus.Emit(events.OrderMatched{MatchID: "m1", Asset: "CA"})
	bus.Emit(events.ProofGenerated{MatchID: "m1"})
	bus.Emit(events.ProofFailed{MatchID: "m2", Error: "bad witness"})
	bus.Emit(events.SettlementQueued{MatchID: "m1"})
	bus.Emit(events.SettlementTxBuilt{MatchID: "m1"})
	bus.Emit(events.SignatureAdded{MatchID: "m1", Signer: "GA"})
	bus.Emit(events.SettlementConfirmed{MatchID: "m1"})
	bus.Emit(events.SettlementFailed{MatchID: "m2", Error: "rejected"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proofs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proofs.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("tx_built")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatures))
}

func TestHandlerServesScrape(t *testing.T) {
	m := New()
	m.ObserveHTTP("/api/matches", "GET", 200, 0.031)
	m.RegisterQueueDepth(func() int { return 4 })
	m.RegisterSessions(func() int { return 2 })

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "darkpool_http_request_duration_seconds")
	assert.Contains(t, text, `route="/api/matches"`)
	assert.Contains(t, text, "darkpool_match_queue_depth 4")
	assert.Contains(t, text, "darkpool_websocket_sessions 2")
	assert.Contains(t, text, "go_goroutines")
}

func TestBookDepthCollector(t *testing.T) {
	log := zap.NewNop().Sugar()
	eng := engine.New(events.NewBus(), util.SystemClock{}, log)

	_, err := eng.Submit(engine.PrivateOrder{
		Commitment:   "101",
		Trader:       "GBUYER",
		AssetAddress: "CASSET",
		Side:         engine.SideBuy,
		Quantity:     big.NewInt(10),
		Price:        big.NewInt(5),
	})
	require.NoError(t, err)
	_, err = eng.Submit(engine.PrivateOrder{
		Commitment:   "102",
		Trader:       "GSELLER",
		AssetAddress: "CASSET",
		Side:         engine.SideSell,
		Quantity:     big.NewInt(10),
		Price:        big.NewInt(9),
	})
	require.NoError(t, err)

	m := New()
	m.RegisterBookDepth(eng)

	expected := `
		# HELP darkpool_book_orders Resting orders per asset and side.
		# TYPE darkpool_book_orders gauge
		darkpool_book_orders{asset="CASSET",side="buy"} 1
		darkpool_book_orders{asset="CASSET",side="sell"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(m.registry, strings.NewReader(expected), "darkpool_book_orders"))
}
