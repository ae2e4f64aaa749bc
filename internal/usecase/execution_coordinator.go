package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/id"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

var (
	ErrPositionOpen   = errors.New("position already open")
	// ErrPhantomRemoved means the tracked position had no live balance and was dropped without an order.
	ErrPhantomRemoved = errors.New("no live balance, position removed")
)

// SignalPublisher receives the master's confirmed fills.
type SignalPublisher interface {
	Publish(sig domain.TradeSignal) error
}

type CoordinatorConfig struct {
	Policy  domain.ExitPolicy
	TierMax float64
	Forced  bool
}

// ExecutionCoordinator owns order placement and the exit state machine for
// one account. All ledger mutations for the account go through it.
type ExecutionCoordinator struct {
	account   domain.Account
	broker    domain.Broker
	ledger    *PositionLedger
	exits     *ExitEngine
	sizer     PositionSizer
	policy    domain.ExitPolicy
	tierMax   float64
	journal   domain.JournalRepository
	publisher SignalPublisher
	prices    domain.PriceSource
	logger    *zap.Logger
	now       func() time.Time

	opMu   sync.Mutex
	forced atomic.Bool
}

func NewExecutionCoordinator(
	account domain.Account,
	broker domain.Broker,
	ledger *PositionLedger,
	cfg CoordinatorConfig,
	journal domain.JournalRepository,
	logger *zap.Logger,
) *ExecutionCoordinator {
	c := &ExecutionCoordinator{
		account: account,
		broker:  broker,
		ledger:  ledger,
		exits:   NewExitEngine(),
		policy:  cfg.Policy,
		tierMax: cfg.TierMax,
		journal: journal,
		logger:  logger.With(zap.String("account", account.Key()), zap.String("broker", broker.Name())),
		now:     time.Now,
	}
	c.forced.Store(cfg.Forced)
	return c
}

// WithPublisher makes this coordinator a signal source; set only on masters.
func (c *ExecutionCoordinator) WithPublisher(p SignalPublisher) *ExecutionCoordinator {
	c.publisher = p
	return c
}

func (c *ExecutionCoordinator) WithPriceSource(src domain.PriceSource) *ExecutionCoordinator {
	c.prices = src
	return c
}

func (c *ExecutionCoordinator) Account() domain.Account   { return c.account }
func (c *ExecutionCoordinator) Broker() domain.Broker     { return c.broker }
func (c *ExecutionCoordinator) Ledger() *PositionLedger   { return c.ledger }
func (c *ExecutionCoordinator) Policy() domain.ExitPolicy { return c.policy }
func (c *ExecutionCoordinator) TierMax() float64          { return c.tierMax }
func (c *ExecutionCoordinator) SetForcedUnwind(on bool)   { c.forced.Store(on) }
func (c *ExecutionCoordinator) ForcedUnwind() bool        { return c.forced.Load() }

// ReconcileOnStartup syncs the ledger with live holdings. Nothing may trade
// on this account until it has succeeded.
func (c *ExecutionCoordinator) ReconcileOnStartup(ctx context.Context) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	holdings, err := c.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", c.account.Key(), err)
	}

	before := c.ledger.All()
	removed, err := c.ledger.SyncWithBroker(holdings)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.AddPhantoms(c.account.Key(), removed)
		for _, p := range before {
			if _, ok := c.ledger.Get(p.Symbol); ok {
				continue
			}
			c.record(ctx, domain.EventPhantomRemoved, p.Symbol,
				fmt.Sprintf("qty=%.10g entry=%.10g", p.Quantity, p.EntryPrice))
		}
	}
	c.logger.Info("Ledger reconciled",
		zap.Int("holdings", len(holdings)),
		zap.Int("tracked", len(c.ledger.All())),
		zap.Int("phantoms_removed", removed))
	return removed, nil
}

// Enter buys intent.SizeQuote of intent.Symbol and tracks the confirmed fill.
// Followers are capped at their tier maximum.
func (c *ExecutionCoordinator) Enter(ctx context.Context, intent domain.EntryIntent) (*domain.OrderResult, error) {
	if c.forced.Load() {
		return nil, domain.ErrForcedUnwind
	}
	if !c.ledger.Trusted() {
		return nil, domain.ErrLedgerUntrusted
	}
	if intent.Side != "" && intent.Side != domain.SideBuy {
		return nil, fmt.Errorf("entry side %s: %w", intent.Side, domain.ErrInvalidSignal)
	}
	if intent.SizeQuote <= 0 {
		return nil, fmt.Errorf("entry size %.10g: %w", intent.SizeQuote, domain.ErrInvalidSignal)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, open := c.ledger.Get(intent.Symbol); open {
		return nil, fmt.Errorf("%s: %w", intent.Symbol, ErrPositionOpen)
	}

	size := intent.SizeQuote
	if !c.account.IsMaster() {
		minQuote, err := c.broker.MinOrderQuote(ctx, intent.Symbol)
		if err != nil {
			return nil, err
		}
		if size, err = c.sizer.ApplyTier(size, c.tierMax, minQuote); err != nil {
			return nil, err
		}
	}

	var masterBalance float64
	if c.publisher != nil {
		bal, err := c.broker.GetBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("balance before entry: %w", err)
		}
		masterBalance = bal.Available
	}

	res, err := c.broker.PlaceMarketOrder(ctx, domain.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     domain.SideBuy,
		Size:     size,
		SizeType: domain.SizeQuote,
	})
	if err != nil {
		return nil, err
	}

	opts := []EntryOption{WithSide(domain.SideBuy)}
	if intent.StopLoss > 0 {
		opts = append(opts, WithStopLoss(intent.StopLoss))
	}
	if len(intent.TakeProfitLevels) > 0 {
		opts = append(opts, WithTakeProfits(intent.TakeProfitLevels))
	}
	if err := c.ledger.TrackEntry(intent.Symbol, res.FilledPrice, res.FilledQty, res.Cost, opts...); err != nil {
		return res, err
	}

	c.bookFill(ctx, res, "entry")
	c.logger.Info("Entry filled",
		zap.String("symbol", intent.Symbol),
		zap.Float64("qty", res.FilledQty),
		zap.Float64("price", res.FilledPrice),
		zap.Float64("cost", res.Cost),
		zap.String("order_id", res.OrderID))

	if c.publisher != nil {
		c.publish(ctx, domain.TradeSignal{
			Symbol:               intent.Symbol,
			Side:                 domain.SideBuy,
			Price:                res.FilledPrice,
			Size:                 res.Cost,
			SizeType:             domain.SizeQuote,
			MasterBalanceAtTrade: masterBalance,
		})
	}
	return res, nil
}

// Exit sells according to d. Dust is handled here as a non-fatal skip and
// returns a nil result. The ledger is only touched after a verified fill.
func (c *ExecutionCoordinator) Exit(ctx context.Context, symbol string, d domain.ExitDecision) (*domain.OrderResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.exitLocked(ctx, symbol, d)
}

// ExitFraction sells fraction of the current position, used to mirror a master sell.
func (c *ExecutionCoordinator) ExitFraction(ctx context.Context, symbol string, fraction float64) (*domain.OrderResult, error) {
	if fraction <= 0 {
		return nil, fmt.Errorf("exit fraction %.10g: %w", fraction, domain.ErrInvalidSignal)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	pos, ok := c.ledger.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoPosition)
	}
	d := domain.ExitDecision{Reason: domain.ExitCopySignal, StepIndex: -1}
	if fraction >= 1-priceEpsilon {
		d.Full = true
		d.Quantity = pos.Quantity
	} else {
		d.Quantity = pos.Quantity * fraction
	}
	return c.exitLocked(ctx, symbol, d)
}

func (c *ExecutionCoordinator) exitLocked(ctx context.Context, symbol string, d domain.ExitDecision) (*domain.OrderResult, error) {
	pos, ok := c.ledger.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoPosition)
	}

	qty := d.Quantity
	if d.Full || qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}

	live, err := c.liveQuantity(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if live <= phantomEpsilon {
		c.logger.Warn("No live balance for tracked position, dropping",
			zap.String("symbol", symbol), zap.Float64("tracked", pos.Quantity))
		if err := c.ledger.TrackExit(symbol, nil); err != nil {
			return nil, err
		}
		metrics.AddPhantoms(c.account.Key(), 1)
		c.record(ctx, domain.EventPhantomRemoved, symbol, "no live balance at exit")
		return nil, fmt.Errorf("%s: %w", symbol, ErrPhantomRemoved)
	}
	if qty > live {
		qty = live
	}

	res, err := c.broker.PlaceMarketOrder(ctx, domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.SideSell,
		Size:     qty,
		SizeType: domain.SizeBase,
	})
	if err != nil {
		if domain.IsDust(err) {
			return nil, c.skipDust(symbol, d, err)
		}
		return nil, err
	}

	if d.Full && res.Status == domain.OrderFilled {
		err = c.ledger.TrackExit(symbol, nil)
	} else {
		var opts []ExitOption
		if d.StepIndex >= 0 {
			opts = append(opts, MarkStep(d.StepIndex))
		}
		err = c.ledger.TrackExit(symbol, Partial(res.FilledQty), opts...)
	}
	if err != nil {
		return res, err
	}

	metrics.IncExit(c.account.Key(), string(d.Reason))
	c.bookFill(ctx, res, string(d.Reason))
	c.record(ctx, domain.EventExitTriggered, symbol,
		fmt.Sprintf("reason=%s qty=%.10g price=%.10g full=%t", d.Reason, res.FilledQty, res.FilledPrice, d.Full))
	c.logger.Info("Exit filled",
		zap.String("symbol", symbol),
		zap.String("reason", string(d.Reason)),
		zap.Int("step", d.StepIndex),
		zap.Float64("qty", res.FilledQty),
		zap.Float64("price", res.FilledPrice),
		zap.String("status", string(res.Status)))

	if c.publisher != nil {
		c.publish(ctx, domain.TradeSignal{
			Symbol:           symbol,
			Side:             domain.SideSell,
			Price:            res.FilledPrice,
			Size:             res.FilledQty,
			SizeType:         domain.SizeBase,
			PositionFraction: res.FilledQty / pos.Quantity,
		})
	}
	return res, nil
}

// skipDust resolves an exit that cannot be placed. A full exit drops the
// unsellable remainder; a step is marked so it does not fire again.
func (c *ExecutionCoordinator) skipDust(symbol string, d domain.ExitDecision, dustErr error) error {
	c.logger.Info("Exit below exchange minimum, skipping",
		zap.String("symbol", symbol),
		zap.String("reason", string(d.Reason)),
		zap.Error(dustErr))
	if d.Full {
		return c.ledger.TrackExit(symbol, nil)
	}
	if d.StepIndex >= 0 {
		return c.ledger.MarkStep(symbol, d.StepIndex)
	}
	return nil
}

// CheckPositions runs the exit engine over every open position. A permission
// error stops the pass immediately; other per-symbol errors are collected.
func (c *ExecutionCoordinator) CheckPositions(ctx context.Context) error {
	if !c.ledger.Trusted() {
		return domain.ErrLedgerUntrusted
	}
	forced := c.forced.Load()
	var errs []error
	for _, pos := range c.ledger.All() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, err := c.price(ctx, pos.Symbol)
		if err != nil {
			if domain.IsPermission(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("price %s: %w", pos.Symbol, err))
			continue
		}

		d := c.exits.Evaluate(pos, price, c.now(), c.policy, forced)
		if !d.Exit() {
			continue
		}
		c.logger.Info("Exit triggered",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", string(d.Reason)),
			zap.Float64("price", price),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("qty", d.Quantity))

		if _, err := c.Exit(ctx, pos.Symbol, d); err != nil {
			if errors.Is(err, ErrPhantomRemoved) {
				continue
			}
			if domain.IsPermission(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("exit %s: %w", pos.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (c *ExecutionCoordinator) price(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		if p, ok := c.prices.LastPrice(symbol); ok && p > 0 {
			return p, nil
		}
	}
	return c.broker.GetCurrentPrice(ctx, symbol)
}

func (c *ExecutionCoordinator) liveQuantity(ctx context.Context, symbol string) (float64, error) {
	holdings, err := c.broker.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	base := domain.BaseAsset(symbol)
	var qty float64
	for _, h := range holdings {
		if strings.EqualFold(domain.BaseAsset(h.Asset), base) {
			qty += h.Quantity
		}
	}
	return qty, nil
}

func (c *ExecutionCoordinator) publish(ctx context.Context, sig domain.TradeSignal) {
	sig.ID = id.New()
	sig.Broker = c.broker.Name()
	sig.CreatedAt = c.now().UTC()
	if err := c.publisher.Publish(sig); err != nil {
		c.logger.Warn("Failed to publish signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	c.record(ctx, domain.EventSignalPublished, sig.Symbol,
		fmt.Sprintf("id=%s side=%s size=%.10g %s", sig.ID, sig.Side, sig.Size, sig.SizeType))
}

func (c *ExecutionCoordinator) bookFill(ctx context.Context, res *domain.OrderResult, reason string) {
	metrics.IncFill(c.account.Key(), string(res.Side))
	c.record(ctx, domain.EventFillConfirmed, res.Symbol,
		fmt.Sprintf("order=%s side=%s qty=%.10g price=%.10g", res.OrderID, res.Side, res.FilledQty, res.FilledPrice))
	if c.journal == nil {
		return
	}
	fill := &domain.Fill{
		ID:         id.New(),
		AccountKey: c.account.Key(),
		Broker:     c.broker.Name(),
		Symbol:     res.Symbol,
		Side:       res.Side,
		OrderID:    res.OrderID,
		Quantity:   res.FilledQty,
		Price:      res.FilledPrice,
		Cost:       res.Cost,
		Fees:       res.Fees,
		Reason:     reason,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.journal.SaveFill(ctx, fill); err != nil {
		c.logger.Warn("Failed to journal fill", zap.String("order_id", res.OrderID), zap.Error(err))
	}
}

func (c *ExecutionCoordinator) record(ctx context.Context, kind, symbol, detail string) {
	if c.journal == nil {
		return
	}
	ev := &domain.Event{
		ID:         id.New(),
		Kind:       kind,
		AccountKey: c.account.Key(),
		Symbol:     symbol,
		Detail:     detail,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.journal.SaveEvent(ctx, ev); err != nil {
		c.logger.Warn("Failed to journal event", zap.String("kind", kind), zap.Error(err))
	}
}
