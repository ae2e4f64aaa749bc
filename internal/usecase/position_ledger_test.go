package usecase

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/copytrade/internal/domain"
	"go.uber.org/zap"
)

func TestPositionLedger_ProportionalPartialExit(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "kraken:master", zap.NewNop())

	require.NoError(t, ledger.TrackEntry("BTC-USD", 50000, 0.002, 100))
	require.NoError(t, ledger.TrackExit("BTC-USD", Partial(0.001)))

	pos, ok := ledger.Get("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 0.001, pos.Quantity, 1e-12)
	assert.InDelta(t, 50, pos.SizeQuote, 1e-9)
	assert.InDelta(t, 0.5, pos.RemainingFraction, 1e-9)
	assert.InDelta(t, 0.002, pos.OriginalQuantity(), 1e-12)

	require.NoError(t, ledger.TrackExit("BTC-USD", nil))
	_, ok = ledger.Get("BTC-USD")
	assert.False(t, ok)
	assert.Empty(t, ledger.All())
}

func TestPositionLedger_TrackEntryIsIdempotentBySymbol(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "kraken:master", zap.NewNop())

	require.NoError(t, ledger.TrackEntry("ETH-USD", 3000, 1, 3000))
	require.NoError(t, ledger.TrackEntry("ETH-USD", 3100, 0.5, 1550, WithStopLoss(3000)))

	all := ledger.All()
	require.Len(t, all, 1)
	assert.Equal(t, 3100.0, all[0].EntryPrice)
	assert.Equal(t, 3000.0, all[0].StopLoss)
	assert.Equal(t, 1.0, all[0].RemainingFraction)
}

func TestPositionLedger_ExitMarksStep(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "kraken:master", zap.NewNop())
	require.NoError(t, ledger.TrackEntry("SOL-USD", 100, 10, 1000))

	require.NoError(t, ledger.TrackExit("SOL-USD", Partial(1), MarkStep(0)))

	pos, _ := ledger.Get("SOL-USD")
	assert.True(t, pos.StepFired(0))
	assert.False(t, pos.StepFired(1))
	assert.InDelta(t, 9, pos.Quantity, 1e-12)
}

func TestPositionLedger_TrackExitUnknownSymbol(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "kraken:master", zap.NewNop())
	err := ledger.TrackExit("DOGE-USD", nil)
	assert.ErrorIs(t, err, domain.ErrNoPosition)
}

func TestPositionLedger_SyncWithEmptyHoldingsRemovesAll(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "coinbase:user:7", zap.NewNop())
	require.NoError(t, ledger.TrackEntry("BTC-USD", 50000, 0.002, 100))
	require.NoError(t, ledger.TrackEntry("ETH-USD", 3000, 0.1, 300))

	removed, err := ledger.SyncWithBroker(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, ledger.All())
	assert.True(t, ledger.Trusted())
}

func TestPositionLedger_SyncDropsNearZeroHoldings(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "kraken:master", zap.NewNop())
	require.NoError(t, ledger.TrackEntry("BTC-USD", 50000, 0.002, 100))
	require.NoError(t, ledger.TrackEntry("ETH-USD", 3000, 0.1, 300))

	removed, err := ledger.SyncWithBroker([]domain.Holding{
		{Asset: "BTC", Quantity: 0.0000001},
		{Asset: "ETH", Quantity: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := ledger.Get("ETH-USD")
	assert.True(t, ok)
	_, ok = ledger.Get("BTC-USD")
	assert.False(t, ok)
}

func TestPositionLedger_RestartRequiresReconcile(t *testing.T) {
	dir := t.TempDir()
	first := NewPositionLedger(dir, "kraken:master", zap.NewNop())
	require.NoError(t, first.TrackEntry("BTC-USD", 50000, 0.002, 100, WithTakeProfits([]float64{50500, 51000})))

	second := NewPositionLedger(dir, "kraken:master", zap.NewNop())
	require.NoError(t, second.Load())
	assert.False(t, second.Trusted())

	pos, ok := second.Get("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 0.002, pos.Quantity, 1e-12)
	assert.Equal(t, []float64{50500, 51000}, pos.TakeProfitLevels)

	removed, err := second.SyncWithBroker([]domain.Holding{{Asset: "BTC", Quantity: 0.002}})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, second.Trusted())
}

func TestPositionLedger_PersistedLayout(t *testing.T) {
	dir := t.TempDir()
	ledger := NewPositionLedger(dir, "bybit:user:42", zap.NewNop())
	require.NoError(t, ledger.TrackEntry("ETH-USDT", 3000, 0.1, 300))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "updated_at")
	assert.Contains(t, doc, "positions")

	var positions map[string]domain.Position
	require.NoError(t, json.Unmarshal(doc["positions"], &positions))
	assert.Equal(t, 0.1, positions["ETH-USDT"].Quantity)
}

func TestPositionLedger_LoadMissingFile(t *testing.T) {
	ledger := NewPositionLedger(t.TempDir(), "paper:master", zap.NewNop())
	require.NoError(t, ledger.Load())
	assert.Empty(t, ledger.All())
	assert.False(t, ledger.Trusted())
}
