package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/database/stats"
	"kabuto-relay/services"
)

// ingestBuy pushes a webhook through ingress and returns the stored signal.
func ingestBuy(t *testing.T, srv *Server, ticker, timestamp string) *database.Signal {
	t.Helper()
	rec := do(t, srv, "POST", "/webhook", buyPayload(ticker, timestamp), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	id, _ := decodeBody(t, rec)["signal_id"].(string)
	sig, err := srv.signals.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, sig)
	return sig
}

func TestPendingRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "GET", "/api/signals/pending", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidAPIKey, decodeBody(t, rec)["error_code"])

	rec = do(t, srv, "GET", "/api/signals/pending", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPendingEmpty(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, "GET", "/api/signals/pending", nil, apiAuth())
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDispatchLifecycle(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	// Poll
	rec := do(t, srv, "GET", "/api/signals/pending", nil, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	views := body["signals"].([]interface{})
	view := views[0].(map[string]interface{})
	assert.Equal(t, sig.SignalID, view["signal_id"])
	assert.Equal(t, sig.Checksum, view["checksum"])

	// Ack
	rec = do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, database.StateFetched, decodeBody(t, rec)["state"])

	// Report the fill
	rec = do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/executed",
		map[string]interface{}{
			"client_id":          "excel-01",
			"execution_price":    1851.0,
			"execution_quantity": 100,
			"order_id":           "RSS-001",
		}, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, database.StateExecuted, body["state"])
	assert.Equal(t, "EXE_20250616_100000_7203", body["execution_id"])

	// The fill opened a position and counted toward the day
	pos, err := positions.NewRepository(srv.db).Get("7203")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 100, pos.Quantity)
	assert.Equal(t, 1851.0, pos.AvgCost)

	day, err := stats.NewRepository(srv.db).Get(jst(10, 0))
	require.NoError(t, err)
	require.NotNil(t, day)
	assert.Equal(t, 1, day.EntryCount)
	assert.Equal(t, 1, day.TotalTrades)
}

func TestAckChecksumMismatch(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": "deadbeefdeadbeef"}, apiAuth())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error_message"], "checksum")

	got, err := srv.signals.GetByID(sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, database.StatePending, got.State)
}

func TestAckIdempotent(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	ack := func() *database.Signal {
		rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
			map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got, err := srv.signals.GetByID(sig.SignalID)
		require.NoError(t, err)
		return got
	}

	first := ack()
	second := ack()
	assert.Equal(t, database.StateFetched, second.State)
	assert.Equal(t, first.FetchedAt.Unix(), second.FetchedAt.Unix())
	assert.Equal(t, "excel-01", second.FetchedBy)
}

func TestAckUnknownSignal(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, "POST", "/api/signals/sig_nope/ack",
		map[string]string{"client_id": "excel-01", "checksum": "x"}, apiAuth())
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeSignalNotFound, decodeBody(t, rec)["error_code"])
}

func TestExecutedBeforeAck(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/executed",
		map[string]interface{}{
			"client_id":          "excel-01",
			"execution_price":    1851.0,
			"execution_quantity": 100,
			"order_id":           "RSS-001",
		}, apiAuth())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidState, decodeBody(t, rec)["error_code"])
}

func TestExecutedTwiceConflicts(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())

	report := map[string]interface{}{
		"client_id":          "excel-01",
		"execution_price":    1851.0,
		"execution_quantity": 100,
		"order_id":           "RSS-001",
	}
	rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/executed", report, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/executed", report, apiAuth())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error_message"], "already executed")

	// The duplicate report must not double the position
	pos, err := positions.NewRepository(srv.db).Get("7203")
	require.NoError(t, err)
	assert.Equal(t, 100, pos.Quantity)
}

func TestFailedReport(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())

	rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/failed",
		map[string]string{"client_id": "excel-01", "error": "RSS.ORDER returned error 4"}, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := srv.signals.GetByID(sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, database.StateFailed, got.State)
	assert.Equal(t, "RSS.ORDER returned error 4", got.ErrorMessage)
}

func TestFailedReportOnPending(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	// Failure reported without any ack, e.g. the client crashed after
	// polling but before acknowledging.
	rec := do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/failed",
		map[string]string{"client_id": "excel-01", "error": "workbook closed"}, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := srv.signals.GetByID(sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, database.StateFailed, got.State)
	assert.Equal(t, "workbook closed", got.ErrorMessage)

	// A second report on the now-terminal signal conflicts
	rec = do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/failed",
		map[string]string{"client_id": "excel-01", "error": "again"}, apiAuth())
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestKillSwitchBlocksDispatch(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	require.NoError(t, srv.killSw.Activate("manual stop", "admin", jst(10, 1)))

	rec := do(t, srv, "GET", "/api/signals/pending", nil, apiAuth())
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The blocked candidate was failed, not left pending
	got, err := srv.signals.GetByID(sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, database.StateFailed, got.State)
	assert.Contains(t, got.ErrorMessage, "kill_switch_active")
}

func TestAutoKillSwitchOnDailyLoss(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.db.Create(&database.Position{
		Ticker: "7203", Quantity: 100, AvgCost: 1600, EntryDate: jst(9, 40),
	}).Error)

	payload := buyPayload("7203", "t1")
	payload["action"] = "sell"
	rec := do(t, srv, "POST", "/webhook", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["signal_id"].(string)
	sig, err := srv.signals.GetByID(id)
	require.NoError(t, err)

	do(t, srv, "POST", "/api/signals/"+id+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())

	// (1000-1600)*100 = -60000 breaches the -50000 floor
	rec = do(t, srv, "POST", "/api/signals/"+id+"/executed",
		map[string]interface{}{
			"client_id":          "excel-01",
			"execution_price":    1000.0,
			"execution_quantity": 100,
			"order_id":           "RSS-002",
		}, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	enabled, err := srv.killSw.IsTradingEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	status, err := srv.killSw.Status()
	require.NoError(t, err)
	assert.Equal(t, services.AutoTriggerActor, status.ActivatedBy)
}

func TestGetSignal(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")

	rec := do(t, srv, "GET", "/api/signals/"+sig.SignalID, nil, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sig.Checksum, decodeBody(t, rec)["checksum"])

	rec = do(t, srv, "GET", "/api/signals/sig_nope", nil, apiAuth())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSignalsByState(t *testing.T) {
	srv := newTestServer(t)
	sig := ingestBuy(t, srv, "7203", "t1")
	do(t, srv, "POST", "/api/signals/"+sig.SignalID+"/ack",
		map[string]string{"client_id": "excel-01", "checksum": sig.Checksum}, apiAuth())

	rec := do(t, srv, "GET", "/api/signals?state=fetched", nil, apiAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = do(t, srv, "GET", "/api/signals?state=bogus", nil, apiAuth())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatUpsert(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "POST", "/heartbeat", map[string]string{"client_id": "excel-01"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var hb database.Heartbeat
	require.NoError(t, srv.db.Where("client_id = ?", "excel-01").First(&hb).Error)
	assert.Equal(t, jst(10, 0).Unix(), hb.LastHeartbeat.Unix())

	// A later beat updates the same row
	srv.SetClock(func() time.Time { return jst(10, 5) })
	rec = do(t, srv, "POST", "/heartbeat", map[string]string{"client_id": "excel-01"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var count int64
	require.NoError(t, srv.db.Model(&database.Heartbeat{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, srv.db.Where("client_id = ?", "excel-01").First(&hb).Error)
	assert.Equal(t, jst(10, 5).Unix(), hb.LastHeartbeat.Unix())
}

func TestHeartbeatMissingClientID(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, "POST", "/heartbeat", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
