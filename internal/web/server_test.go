package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"github.com/vitos/copytrade/internal/infrastructure/storage"
	"github.com/vitos/copytrade/internal/usecase"
	"go.uber.org/zap"
)

type stubAccounts struct {
	statuses  []usecase.WorkerStatus
	positions map[string][]domain.Position
	forced    map[string]bool
}

func (s *stubAccounts) Status() []usecase.WorkerStatus { return s.statuses }

func (s *stubAccounts) Positions(key string) ([]domain.Position, bool) {
	p, ok := s.positions[key]
	return p, ok
}

func (s *stubAccounts) SetForcedUnwind(key string, on bool) error {
	if _, ok := s.positions[key]; !ok {
		return fmt.Errorf("unknown account %q", key)
	}
	s.forced[key] = on
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubAccounts, *usecase.IntentQueue, *storage.SQLiteStore) {
	t.Helper()
	accounts := &stubAccounts{
		statuses: []usecase.WorkerStatus{
			{Account: "kraken:master", Broker: "kraken", Role: domain.RoleMaster, State: usecase.WorkerRunning},
			{Account: "kraken:user:1", Broker: "kraken", Role: domain.RoleUser, State: usecase.WorkerPaused, Flagged: true},
		},
		positions: map[string][]domain.Position{
			"kraken:master": {{Symbol: "BTC-USD", EntryPrice: 50000, Quantity: 0.002}},
			"kraken:user:1": {},
		},
		forced: map[string]bool{},
	}
	journal, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	queue := usecase.NewIntentQueue(1)
	srv := NewServer(0, accounts, queue, journal, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, accounts, queue, journal
}

func TestServer_HealthAndStatus(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Accounts []usecase.WorkerStatus `json:"accounts"`
		Paused   int                    `json:"paused"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Accounts, 2)
	assert.Equal(t, 1, body.Paused)
}

func TestServer_QueueEntry(t *testing.T) {
	ts, _, queue, _ := newTestServer(t)
	post := func(body string) int {
		resp, err := http.Post(ts.URL+"/api/entries", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	ok := `{"account":"kraken:master","symbol":"ETH-USD","side":"BUY","stop_loss":2900,"take_profit_levels":[3100],"size_quote":100}`
	assert.Equal(t, http.StatusAccepted, post(ok))
	assert.Equal(t, http.StatusTooManyRequests, post(ok))
	assert.Equal(t, http.StatusNotFound, post(`{"account":"nope","symbol":"ETH-USD","size_quote":10}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"account":"kraken:user:1","symbol":"ETH-USD"}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"symbol":"ETH-USD","size_quote":10}`))
	assert.Equal(t, http.StatusBadRequest, post(`not json`))

	got := queue.NextEntries(context.Background(), "kraken:master")
	require.Len(t, got, 1)
	assert.Equal(t, "ETH-USD", got[0].Symbol)
	assert.Equal(t, 2900.0, got[0].StopLoss)
	assert.Equal(t, []float64{3100}, got[0].TakeProfitLevels)
}

func TestServer_PositionsAndUnwind(t *testing.T) {
	ts, accounts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/accounts/kraken:master/positions")
	require.NoError(t, err)
	var positions []domain.Position
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&positions))
	resp.Body.Close()
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USD", positions[0].Symbol)

	resp, err = http.Get(ts.URL + "/api/accounts/missing/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/accounts/kraken:master/unwind", "application/json", strings.NewReader(`{"enabled":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, accounts.forced["kraken:master"])
}

func TestServer_JournalAndMetrics(t *testing.T) {
	ts, _, _, journal := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, journal.SaveEvent(ctx, &domain.Event{
		ID: "01J0", Kind: domain.EventCopySkipped, AccountKey: "kraken:user:1",
		Symbol: "BTC-USD", Detail: "reason=tier_conflict", CreatedAt: time.Now().UTC(),
	}))
	metrics.IncSignal("published")

	resp, err := http.Get(ts.URL + "/api/events?kind=copy_skipped&limit=10")
	require.NoError(t, err)
	var events []domain.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()
	require.Len(t, events, 1)
	assert.Equal(t, "kraken:user:1", events[0].AccountKey)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "copytrade_signals_total")
}
