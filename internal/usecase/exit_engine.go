package usecase

import (
	"sort"
	"time"

	"github.com/vitos/copytrade/internal/domain"
)

const priceEpsilon = 1e-9

// ExitEngine decides what to do with one open position at a given price.
// It is stateless; per-position progress lives in Position.ExitFlags.
type ExitEngine struct{}

func NewExitEngine() *ExitEngine {
	return &ExitEngine{}
}

// Evaluate checks, in order: forced unwind, stop loss, profit steps, max hold.
func (e *ExitEngine) Evaluate(pos domain.Position, price float64, now time.Time, policy domain.ExitPolicy, forced bool) domain.ExitDecision {
	none := domain.ExitDecision{StepIndex: -1}
	if pos.Quantity <= 0 {
		return none
	}
	full := func(reason domain.ExitReason) domain.ExitDecision {
		return domain.ExitDecision{Reason: reason, Full: true, Quantity: pos.Quantity, StepIndex: -1}
	}

	if forced {
		return full(domain.ExitForcedUnwind)
	}
	if price <= 0 || pos.EntryPrice <= 0 {
		return none
	}

	if stop := stopPrice(pos, policy); stop > 0 && price <= stop*(1+priceEpsilon) {
		return full(domain.ExitStopLoss)
	}

	original := pos.OriginalQuantity()
	for i, step := range stepsFor(pos, policy) {
		if pos.StepFired(i) || !step.Actionable(policy.RoundTripFeePct) {
			continue
		}
		target := pos.EntryPrice * (1 + step.GrossPct/100)
		if price < target*(1-priceEpsilon) {
			// steps are ascending; later ones cannot be crossed either
			break
		}
		qty := original * step.ExitFraction
		if qty >= pos.Quantity*(1-priceEpsilon) {
			d := full(domain.ExitProfitStep)
			d.StepIndex = i
			return d
		}
		return domain.ExitDecision{Reason: domain.ExitProfitStep, Quantity: qty, StepIndex: i}
	}

	if policy.MaxHold > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= policy.MaxHold {
		return full(domain.ExitMaxHold)
	}
	return none
}

func stopPrice(pos domain.Position, policy domain.ExitPolicy) float64 {
	if pos.StopLoss > 0 {
		return pos.StopLoss
	}
	if policy.StopLossPct > 0 {
		return pos.EntryPrice * (1 - policy.StopLossPct/100)
	}
	return 0
}

// stepsFor converts strategy-provided take-profit prices into gross steps,
// borrowing exit fractions from the broker policy. Without levels the policy
// steps apply unchanged.
func stepsFor(pos domain.Position, policy domain.ExitPolicy) []domain.ProfitStep {
	if len(pos.TakeProfitLevels) == 0 || len(policy.Steps) == 0 {
		return policy.Steps
	}
	levels := append([]float64(nil), pos.TakeProfitLevels...)
	sort.Float64s(levels)
	steps := make([]domain.ProfitStep, 0, len(levels))
	for i, level := range levels {
		if level <= pos.EntryPrice {
			continue
		}
		fraction := policy.Steps[len(policy.Steps)-1].ExitFraction
		if i < len(policy.Steps) {
			fraction = policy.Steps[i].ExitFraction
		}
		steps = append(steps, domain.ProfitStep{
			GrossPct:     (level/pos.EntryPrice - 1) * 100,
			ExitFraction: fraction,
		})
	}
	return steps
}
