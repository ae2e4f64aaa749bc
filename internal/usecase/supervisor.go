package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vitos/copytrade/internal/domain"
	"go.uber.org/zap"
)

// Supervisor starts one isolated goroutine per account plus the copy engine.
type Supervisor struct {
	workers []*AccountWorker
	copy    *CopyEngine
	bus     *TradeSignalBus
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewSupervisor(workers []*AccountWorker, copyEngine *CopyEngine, bus *TradeSignalBus, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		workers: workers,
		copy:    copyEngine,
		bus:     bus,
		logger:  logger,
	}
	if copyEngine != nil {
		copyEngine.WithPauseCheck(s.IsPaused)
	}
	return s
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if s.copy != nil {
		if err := s.copy.Start(ctx); err != nil {
			s.cancel()
			return err
		}
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, w)
	}
	s.started = true
	s.logger.Info("Supervisor started", zap.Int("accounts", len(s.workers)))
	return nil
}

// runWorker keeps a panic or error in one account from reaching the others.
func (s *Supervisor) runWorker(ctx context.Context, w *AccountWorker) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Account loop crashed",
				zap.String("account", w.Key()),
				zap.Any("panic", r))
		}
	}()
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Account loop exited", zap.String("account", w.Key()), zap.Error(err))
	}
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Close()
	}
	if s.copy != nil {
		s.copy.Stop()
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

func (s *Supervisor) Status() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

func (s *Supervisor) IsPaused(accountKey string) bool {
	if w := s.worker(accountKey); w != nil {
		return w.Paused()
	}
	return false
}

// SetForcedUnwind toggles forced unwind for one account.
func (s *Supervisor) SetForcedUnwind(accountKey string, on bool) error {
	w := s.worker(accountKey)
	if w == nil {
		return fmt.Errorf("unknown account %q", accountKey)
	}
	w.Coordinator().SetForcedUnwind(on)
	s.logger.Info("Forced unwind changed", zap.String("account", accountKey), zap.Bool("on", on))
	return nil
}

// Positions returns the open positions of one account.
func (s *Supervisor) Positions(accountKey string) ([]domain.Position, bool) {
	w := s.worker(accountKey)
	if w == nil {
		return nil, false
	}
	return w.Coordinator().Ledger().All(), true
}

func (s *Supervisor) worker(accountKey string) *AccountWorker {
	for _, w := range s.workers {
		if w.Key() == accountKey {
			return w
		}
	}
	return nil
}
