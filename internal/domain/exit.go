package domain

import "time"

// ProfitStep is one stepped-exit threshold: once price is GrossPct above entry,
// ExitFraction of the original quantity is sold.
type ProfitStep struct {
	GrossPct     float64 `json:"gross_pct" yaml:"gross_pct"`
	ExitFraction float64 `json:"exit_fraction" yaml:"exit_fraction"`
}

// Actionable reports whether the step still nets a profit after round-trip fees.
func (s ProfitStep) Actionable(roundTripFeePct float64) bool {
	return s.GrossPct-roundTripFeePct > 0
}

// ExitPolicy is the per-broker exit configuration evaluated on every price update.
type ExitPolicy struct {
	RoundTripFeePct float64
	StopLossPct     float64
	MaxHold         time.Duration
	Steps           []ProfitStep
}

type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitForcedUnwind ExitReason = "forced_unwind"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitProfitStep   ExitReason = "profit_step"
	ExitMaxHold      ExitReason = "max_hold"
	ExitCopySignal   ExitReason = "copy_signal"
)

// ExitDecision is what the exit engine wants done with one position.
type ExitDecision struct {
	Reason    ExitReason
	Full      bool
	Quantity  float64
	StepIndex int
}

func (d ExitDecision) Exit() bool { return d.Reason != ExitNone }
