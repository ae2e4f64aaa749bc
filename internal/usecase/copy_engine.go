package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/id"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// CopyDecision is the outcome of one signal for one follower.
type CopyDecision struct {
	SignalID   string
	Follower   string
	Symbol     string
	Side       domain.Side
	Size       float64
	Skipped    bool
	SkipReason string
	Err        error
}

// CopyEngine mirrors master signals onto followers. Each follower consumes
// its own subscription in its own goroutine.
type CopyEngine struct {
	bus       *TradeSignalBus
	followers []*ExecutionCoordinator
	sizer     PositionSizer
	journal   domain.JournalRepository
	reporter  *ErrorReporter
	logger    *zap.Logger

	paused     func(accountKey string) bool
	onDecision func(CopyDecision)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCopyEngine(bus *TradeSignalBus, followers []*ExecutionCoordinator, journal domain.JournalRepository, reporter *ErrorReporter, logger *zap.Logger) *CopyEngine {
	return &CopyEngine{
		bus:       bus,
		followers: followers,
		journal:   journal,
		reporter:  reporter,
		logger:    logger,
	}
}

// WithPauseCheck skips followers whose account loop is paused.
func (e *CopyEngine) WithPauseCheck(fn func(accountKey string) bool) *CopyEngine {
	e.paused = fn
	return e
}

func (e *CopyEngine) WithDecisionHook(fn func(CopyDecision)) *CopyEngine {
	e.onDecision = fn
	return e
}

// Start subscribes every follower and begins consuming.
func (e *CopyEngine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, f := range e.followers {
		sub, err := e.bus.Subscribe(f.Account().Key())
		if err != nil {
			e.cancel()
			return fmt.Errorf("subscribe %s: %w", f.Account().Key(), err)
		}
		e.wg.Add(1)
		go func(f *ExecutionCoordinator, sub *Subscription) {
			defer e.wg.Done()
			sub.Run(ctx, func(ctx context.Context, sig domain.TradeSignal) {
				e.handle(ctx, f, sig)
			})
		}(f, sub)
	}
	e.logger.Info("Copy engine started", zap.Int("followers", len(e.followers)))
	return nil
}

func (e *CopyEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *CopyEngine) handle(ctx context.Context, f *ExecutionCoordinator, sig domain.TradeSignal) (dec CopyDecision) {
	dec = CopyDecision{
		SignalID: sig.ID,
		Follower: f.Account().Key(),
		Symbol:   sig.Symbol,
		Side:     sig.Side,
	}
	defer func() {
		if r := recover(); r != nil {
			dec.Err = fmt.Errorf("panic handling signal: %v", r)
			e.logger.Error("Recovered from panic in copy handler",
				zap.String("follower", dec.Follower), zap.Any("panic", r))
		}
		e.finish(ctx, dec)
	}()

	if sig.Broker != f.Broker().Name() {
		return skip(dec, "broker_mismatch")
	}
	if e.paused != nil && e.paused(f.Account().Key()) {
		return skip(dec, "follower_paused")
	}

	switch sig.Side {
	case domain.SideBuy:
		return e.copyEntry(ctx, f, sig, dec)
	case domain.SideSell:
		return e.copyExit(ctx, f, sig, dec)
	}
	return skip(dec, "unknown_side")
}

func (e *CopyEngine) copyEntry(ctx context.Context, f *ExecutionCoordinator, sig domain.TradeSignal, dec CopyDecision) CopyDecision {
	masterSize := sig.Size
	if sig.SizeType == domain.SizeBase {
		masterSize = sig.Size * sig.Price
	}

	bal, err := f.Broker().GetBalance(ctx)
	if err != nil {
		return e.fail(f, dec, err)
	}
	minQuote, err := f.Broker().MinOrderQuote(ctx, sig.Symbol)
	if err != nil {
		return e.fail(f, dec, err)
	}
	size, err := e.sizer.Scale(masterSize, sig.MasterBalanceAtTrade, bal.Available, minQuote)
	if err != nil {
		dec.Err = err
		return skip(dec, "invalid_signal")
	}
	dec.Size = size

	_, err = f.Enter(ctx, domain.EntryIntent{
		Symbol:     sig.Symbol,
		Side:       domain.SideBuy,
		EntryPrice: sig.Price,
		SizeQuote:  size,
	})
	switch {
	case err == nil:
		return dec
	case errors.Is(err, domain.ErrTierConflict):
		dec.Err = err
		return skip(dec, "tier_conflict")
	case errors.Is(err, ErrPositionOpen):
		return skip(dec, "position_exists")
	case errors.Is(err, domain.ErrForcedUnwind):
		return skip(dec, "forced_unwind")
	case errors.Is(err, domain.ErrLedgerUntrusted):
		return skip(dec, "ledger_untrusted")
	case domain.IsDust(err):
		dec.Err = err
		return skip(dec, "dust")
	}
	return e.fail(f, dec, err)
}

func (e *CopyEngine) copyExit(ctx context.Context, f *ExecutionCoordinator, sig domain.TradeSignal, dec CopyDecision) CopyDecision {
	if sig.PositionFraction <= 0 {
		return skip(dec, "fraction_missing")
	}
	res, err := f.ExitFraction(ctx, sig.Symbol, sig.PositionFraction)
	switch {
	case err == nil && res == nil:
		return skip(dec, "dust")
	case err == nil:
		dec.Size = res.FilledQty
		return dec
	case errors.Is(err, domain.ErrNoPosition):
		return skip(dec, "no_follower_position")
	case errors.Is(err, ErrPhantomRemoved):
		return skip(dec, "phantom_removed")
	}
	return e.fail(f, dec, err)
}

func (e *CopyEngine) fail(f *ExecutionCoordinator, dec CopyDecision, err error) CopyDecision {
	dec.Err = err
	if domain.IsPermission(err) && e.reporter != nil {
		e.reporter.ReportPermission(f.Account(), err)
	}
	return dec
}

func skip(dec CopyDecision, reason string) CopyDecision {
	dec.Skipped = true
	dec.SkipReason = reason
	return dec
}

func (e *CopyEngine) finish(ctx context.Context, dec CopyDecision) {
	if e.onDecision != nil {
		e.onDecision(dec)
	}
	if dec.SkipReason == "broker_mismatch" {
		return
	}

	kind := domain.EventCopyExecuted
	fields := []zap.Field{
		zap.String("follower", dec.Follower),
		zap.String("signal_id", dec.SignalID),
		zap.String("symbol", dec.Symbol),
		zap.String("side", string(dec.Side)),
		zap.Float64("size", dec.Size),
	}
	switch {
	case dec.Skipped:
		kind = domain.EventCopySkipped
		metrics.IncSignal("skipped")
		e.logger.Info("Copy skipped", append(fields, zap.String("reason", dec.SkipReason), zap.Error(dec.Err))...)
	case dec.Err != nil:
		kind = domain.EventCopySkipped
		metrics.IncSignal("failed")
		e.logger.Warn("Copy failed", append(fields, zap.Error(dec.Err))...)
	default:
		metrics.IncSignal("copied")
		e.logger.Info("Copy executed", fields...)
	}

	if e.journal == nil {
		return
	}
	detail := fmt.Sprintf("signal=%s size=%.10g", dec.SignalID, dec.Size)
	if dec.SkipReason != "" {
		detail += " reason=" + dec.SkipReason
	}
	if dec.Err != nil {
		detail += " err=" + dec.Err.Error()
	}
	ev := &domain.Event{
		ID:         id.New(),
		Kind:       kind,
		AccountKey: dec.Follower,
		Symbol:     dec.Symbol,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.journal.SaveEvent(ctx, ev); err != nil {
		e.logger.Warn("Failed to journal copy decision", zap.Error(err))
	}
}
