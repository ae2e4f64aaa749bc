package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerPaused   WorkerState = "paused"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerStatus is the externally visible state of one account loop.
type WorkerStatus struct {
	Account      string      `json:"account"`
	Broker       string      `json:"broker"`
	Role         domain.Role `json:"role"`
	State        WorkerState `json:"state"`
	Flagged      bool        `json:"flagged"`
	ForcedUnwind bool        `json:"forced_unwind"`
	Trusted      bool        `json:"ledger_trusted"`
	Positions    int         `json:"positions"`
	LastError    string      `json:"last_error,omitempty"`
	LastCycle    time.Time   `json:"last_cycle"`
	Cycles       int64       `json:"cycles"`
}

type WorkerConfig struct {
	Interval   time.Duration
	ErrorPause time.Duration
}

// AccountWorker is the long-lived loop for one account: reconcile first,
// then on every tick check exits and take pending entries.
type AccountWorker struct {
	coord    *ExecutionCoordinator
	entries  domain.EntrySource
	reporter *ErrorReporter
	cfg      WorkerConfig
	logger   *zap.Logger

	// owned by the Run goroutine
	connected bool

	mu     sync.RWMutex
	status WorkerStatus
}

func NewAccountWorker(coord *ExecutionCoordinator, entries domain.EntrySource, reporter *ErrorReporter, cfg WorkerConfig, logger *zap.Logger) *AccountWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 30 * time.Second
	}
	acct := coord.Account()
	return &AccountWorker{
		coord:    coord,
		entries:  entries,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With(zap.String("account", acct.Key())),
		status: WorkerStatus{
			Account: acct.Key(),
			Broker:  acct.Broker,
			Role:    acct.Role,
			State:   WorkerStarting,
		},
	}
}

func (w *AccountWorker) Key() string { return w.coord.Account().Key() }

func (w *AccountWorker) Coordinator() *ExecutionCoordinator { return w.coord }

// Run blocks until ctx is done or the account hits a permission error.
func (w *AccountWorker) Run(ctx context.Context) error {
	w.logger.Info("Account loop starting", zap.Duration("interval", w.cfg.Interval))
	defer w.setState(WorkerStopped)

	for {
		err := w.connect(ctx)
		if err == nil {
			_, err = w.coord.ReconcileOnStartup(ctx)
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.IsPermission(err) {
			w.pause(err)
			return err
		}
		w.recordError(err)
		w.logger.Warn("Reconciliation failed, retrying", zap.Error(err), zap.Duration("pause", w.cfg.ErrorPause))
		if !sleepCtx(ctx, w.cfg.ErrorPause) {
			return ctx.Err()
		}
	}
	w.setState(WorkerRunning)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		err := w.cycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		case domain.IsPermission(err):
			w.pause(err)
			return err
		default:
			w.recordError(err)
			w.logger.Error("Cycle failed", zap.Error(err), zap.Duration("pause", w.cfg.ErrorPause))
			if !sleepCtx(ctx, w.cfg.ErrorPause) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Account loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs one pass. Panics are converted to errors so they stay inside
// this account's loop.
func (w *AccountWorker) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in account cycle: %v", r)
		}
		w.mu.Lock()
		w.status.LastCycle = time.Now().UTC()
		w.status.Cycles++
		if err == nil {
			w.status.LastError = ""
		}
		w.mu.Unlock()
	}()

	if err := w.connect(ctx); err != nil {
		return err
	}

	var errs []error
	if err := w.coord.CheckPositions(ctx); err != nil {
		if domain.IsPermission(err) {
			return err
		}
		errs = append(errs, err)
	}

	if w.entries == nil || w.coord.ForcedUnwind() {
		return errors.Join(errs...)
	}
	for _, intent := range w.entries.NextEntries(ctx, w.Key()) {
		_, err := w.coord.Enter(ctx, intent)
		switch {
		case err == nil:
		case domain.IsPermission(err):
			return err
		case errors.Is(err, ErrPositionOpen), domain.IsDust(err), errors.Is(err, domain.ErrTierConflict):
			w.logger.Info("Entry skipped", zap.String("symbol", intent.Symbol), zap.Error(err))
		default:
			errs = append(errs, fmt.Errorf("enter %s: %w", intent.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// connect opens the broker session if it is not open yet. A later
// ErrNotConnected from any call drops the flag so the next attempt reconnects.
func (w *AccountWorker) connect(ctx context.Context) error {
	if w.connected {
		return nil
	}
	if err := w.coord.Broker().Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", w.Key(), err)
	}
	w.connected = true
	w.logger.Info("Broker connected")
	return nil
}

func (w *AccountWorker) recordError(err error) {
	if errors.Is(err, domain.ErrNotConnected) {
		w.connected = false
	}
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.mu.Unlock()
}

func (w *AccountWorker) pause(err error) {
	if w.reporter != nil {
		w.reporter.ReportPermission(w.coord.Account(), err)
	}
	metrics.SetPaused(w.Key(), true)
	w.mu.Lock()
	w.status.State = WorkerPaused
	w.status.Flagged = true
	w.status.LastError = err.Error()
	w.mu.Unlock()
}

func (w *AccountWorker) setState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// a paused account stays paused until restarted
	if w.status.State == WorkerPaused && s == WorkerStopped {
		return
	}
	w.status.State = s
}

func (w *AccountWorker) Paused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.State == WorkerPaused
}

func (w *AccountWorker) Status() WorkerStatus {
	w.mu.RLock()
	st := w.status
	w.mu.RUnlock()
	st.ForcedUnwind = w.coord.ForcedUnwind()
	st.Trusted = w.coord.Ledger().Trusted()
	st.Positions = len(w.coord.Ledger().All())
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
