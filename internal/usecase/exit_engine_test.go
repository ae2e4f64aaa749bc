package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vitos/copytrade/internal/domain"
)

func openPosition(entry, qty float64, opened time.Time) domain.Position {
	return domain.Position{
		Symbol:            "BTC-USD",
		Side:              domain.SideBuy,
		EntryPrice:        entry,
		Quantity:          qty,
		SizeQuote:         entry * qty,
		RemainingFraction: 1,
		OpenedAt:          opened,
	}
}

func TestExitEngine_FeeAwareSteps(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 10, now.Add(-time.Hour))

	d := engine.Evaluate(pos, 100.7, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitProfitStep, d.Reason)
	assert.False(t, d.Full)
	assert.Equal(t, 0, d.StepIndex)
	assert.InDelta(t, 1.0, d.Quantity, 1e-9)

	d = engine.Evaluate(pos, 100.7, now, coinbasePolicy(), false)
	assert.False(t, d.Exit(), "1.4%% fee broker must not exit at 0.7%% gross")

	d = engine.Evaluate(pos, 101.99, now, coinbasePolicy(), false)
	assert.False(t, d.Exit())

	d = engine.Evaluate(pos, 102.0, now, coinbasePolicy(), false)
	assert.Equal(t, domain.ExitProfitStep, d.Reason)
	assert.Equal(t, 0, d.StepIndex)
}

func TestExitEngine_UnprofitableStepIsIgnored(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 10, now)
	policy := domain.ExitPolicy{
		RoundTripFeePct: 1.4,
		Steps: []domain.ProfitStep{
			{GrossPct: 0.7, ExitFraction: 0.1},
			{GrossPct: 2.0, ExitFraction: 0.2},
		},
	}

	assert.False(t, engine.Evaluate(pos, 100.7, now, policy, false).Exit())

	d := engine.Evaluate(pos, 102.0, now, policy, false)
	assert.Equal(t, 1, d.StepIndex)
	assert.InDelta(t, 2.0, d.Quantity, 1e-9)
}

func TestExitEngine_StepFiresOnce(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 9, now)
	pos.RemainingFraction = 0.9
	pos.MarkStep(0)

	d := engine.Evaluate(pos, 100.8, now, krakenPolicy(), false)
	assert.False(t, d.Exit())

	d = engine.Evaluate(pos, 101.0, now, krakenPolicy(), false)
	assert.Equal(t, 1, d.StepIndex)
	// fraction is of the original quantity (10), not the remainder
	assert.InDelta(t, 1.5, d.Quantity, 1e-9)
}

func TestExitEngine_StopLoss(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 2, now)

	assert.False(t, engine.Evaluate(pos, 98.5, now, krakenPolicy(), false).Exit())

	d := engine.Evaluate(pos, 98.0, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitStopLoss, d.Reason)
	assert.True(t, d.Full)
	assert.Equal(t, 2.0, d.Quantity)

	pos.StopLoss = 99
	d = engine.Evaluate(pos, 98.9, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitStopLoss, d.Reason)
}

func TestExitEngine_MaxHold(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 1, now.Add(-49*time.Hour))

	d := engine.Evaluate(pos, 100.1, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitMaxHold, d.Reason)
	assert.True(t, d.Full)

	pos.OpenedAt = now.Add(-47 * time.Hour)
	assert.False(t, engine.Evaluate(pos, 100.1, now, krakenPolicy(), false).Exit())
}

func TestExitEngine_Priority(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	stale := openPosition(100, 1, now.Add(-72*time.Hour))

	d := engine.Evaluate(stale, 97, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitStopLoss, d.Reason, "stop loss wins over max hold")

	d = engine.Evaluate(stale, 101, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitProfitStep, d.Reason, "profit step wins over max hold")

	d = engine.Evaluate(stale, 101, now, krakenPolicy(), true)
	assert.Equal(t, domain.ExitForcedUnwind, d.Reason)
	assert.True(t, d.Full)
}

func TestExitEngine_StepCoveringRemainderIsFull(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 0.5, now)
	pos.RemainingFraction = 0.05 // original 10

	d := engine.Evaluate(pos, 100.7, now, krakenPolicy(), false)
	assert.Equal(t, domain.ExitProfitStep, d.Reason)
	assert.True(t, d.Full)
	assert.Equal(t, 0.5, d.Quantity)
	assert.Equal(t, 0, d.StepIndex)
}

func TestExitEngine_TakeProfitLevels(t *testing.T) {
	engine := NewExitEngine()
	now := time.Now()
	pos := openPosition(100, 10, now)
	pos.TakeProfitLevels = []float64{103, 101.2}

	assert.False(t, engine.Evaluate(pos, 100.7, now, krakenPolicy(), false).Exit())

	d := engine.Evaluate(pos, 101.2, now, krakenPolicy(), false)
	assert.Equal(t, 0, d.StepIndex)
	assert.InDelta(t, 1.0, d.Quantity, 1e-9)
}
