package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/copytrade/internal/config"
	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/exchange"
	"github.com/vitos/copytrade/internal/infrastructure/id"
	"github.com/vitos/copytrade/internal/infrastructure/nonce"
	"github.com/vitos/copytrade/internal/infrastructure/ratelimit"
	"github.com/vitos/copytrade/internal/infrastructure/storage"
	"github.com/vitos/copytrade/internal/usecase"
	"go.uber.org/zap"
)

// app holds everything built from one config file.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	journal  *storage.SQLiteStore
	nonces   *nonce.Authority
	limiter  *ratelimit.Limiter
	ticker   *exchange.BybitTickerStream
	symbols  []string
	bus      *usecase.TradeSignalBus
	intents  *usecase.IntentQueue
	reporter *usecase.ErrorReporter
	coords   []*usecase.ExecutionCoordinator
	accounts []config.AccountConfig
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	journal, err := storage.NewSQLiteStore(cfg.State.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		journal:  journal,
		nonces:   nonce.NewAuthority(cfg.State.Dir, log),
		limiter:  ratelimit.NewLimiter(ratelimit.DefaultRules()),
		bus:      usecase.NewTradeSignalBus(cfg.Copy.QueueCapacity, log),
		intents:  usecase.NewIntentQueue(32).WithDefaultSize(cfg.Execution.EntrySizeQuote),
		reporter: usecase.NewErrorReporter(log),
	}
	a.bus.OnDrop(a.journalDrop)

	for _, b := range cfg.Brokers {
		if b.PriceStream && a.ticker == nil {
			a.ticker = exchange.NewBybitTickerStream(b.WSEndpoint, 0, log)
		}
		policy, dropped := cfg.ExitPolicy(b)
		for _, s := range dropped {
			log.Warn("Profit step cannot cover round-trip fee, ignoring",
				zap.String("broker", b.Name),
				zap.Float64("gross_pct", s.GrossPct),
				zap.Float64("fee_pct", policy.RoundTripFeePct))
		}
	}

	for _, ac := range cfg.Accounts {
		acct := ac.Domain()
		if !acct.Enabled {
			log.Info("Account disabled, skipping", zap.String("account", acct.Key()))
			continue
		}
		coord, err := a.buildCoordinator(ac)
		if err != nil {
			a.close()
			return nil, err
		}
		a.coords = append(a.coords, coord)
		a.accounts = append(a.accounts, ac)
	}
	if len(a.coords) == 0 {
		a.close()
		return nil, fmt.Errorf("no enabled accounts configured")
	}
	return a, nil
}

func (a *app) buildCoordinator(ac config.AccountConfig) (*usecase.ExecutionCoordinator, error) {
	acct := ac.Domain()
	bc, ok := a.cfg.Broker(acct.Broker)
	if !ok {
		return nil, fmt.Errorf("account %s: broker %s not configured", acct.Key(), acct.Broker)
	}
	creds, err := ac.Credentials()
	if err != nil {
		return nil, err
	}

	a.limiter.Configure(acct.Key(), bc.Rules())
	deps := exchange.Deps{
		Account: acct,
		Nonces:  a.nonces,
		Limiter: a.limiter,
		Logger:  a.log.With(zap.String("account", acct.Key())),
	}
	broker, err := exchange.New(acct.Broker, creds, deps, bc.Settings(), bc.PaperBalance)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.Key(), err)
	}
	if paper, ok := broker.(*exchange.PaperAdapter); ok && a.ticker != nil {
		paper.WithPriceSource(a.ticker)
	}

	ledger := usecase.NewPositionLedger(a.cfg.State.Dir, acct.Key(), a.log)
	if err := ledger.Load(); err != nil {
		return nil, err
	}

	policy, _ := a.cfg.ExitPolicy(bc)
	coord := usecase.NewExecutionCoordinator(acct, broker, ledger, usecase.CoordinatorConfig{
		Policy:  policy,
		TierMax: a.tierMax(acct),
		Forced:  a.cfg.Execution.ForcedUnwind,
	}, a.journal, a.log)
	if acct.IsMaster() && a.cfg.Copy.Enabled {
		coord.WithPublisher(a.bus)
	}
	if bc.PriceStream && a.ticker != nil {
		coord.WithPriceSource(a.ticker)
		a.symbols = append(a.symbols, ac.Symbols...)
	}
	return coord, nil
}

func (a *app) tierMax(acct domain.Account) float64 {
	if acct.IsMaster() {
		return 0
	}
	return a.cfg.TierMax(acct.Tier)
}

func (a *app) followers() []*usecase.ExecutionCoordinator {
	var out []*usecase.ExecutionCoordinator
	for _, c := range a.coords {
		if !c.Account().IsMaster() {
			out = append(out, c)
		}
	}
	return out
}

func (a *app) workers() []*usecase.AccountWorker {
	cfg := usecase.WorkerConfig{
		Interval:   a.cfg.Execution.PollInterval,
		ErrorPause: a.cfg.Execution.ErrorPause,
	}
	out := make([]*usecase.AccountWorker, 0, len(a.coords))
	for _, c := range a.coords {
		out = append(out, usecase.NewAccountWorker(c, a.intents, a.reporter, cfg, a.log))
	}
	return out
}

func (a *app) journalDrop(sub string, sig domain.TradeSignal) {
	ev := &domain.Event{
		ID:         id.New(),
		Kind:       domain.EventSignalDropped,
		AccountKey: sub,
		Symbol:     sig.Symbol,
		Detail:     fmt.Sprintf("signal=%s side=%s subscriber=%s", sig.ID, sig.Side, sub),
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.journal.SaveEvent(context.Background(), ev); err != nil {
		a.log.Warn("Failed to journal dropped signal", zap.Error(err))
	}
}

func (a *app) close() {
	if err := a.journal.Close(); err != nil {
		a.log.Warn("Failed to close journal", zap.Error(err))
	}
}
