package usecase

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/filestore"
	"go.uber.org/zap"
)

const (
	phantomEpsilon = 1e-8
	phantomRatio   = 0.01 // live holding under 1% of tracked qty counts as gone
)

type ledgerFile struct {
	UpdatedAt time.Time                   `json:"updated_at"`
	Positions map[string]*domain.Position `json:"positions"`
}

// PositionLedger is the per-account record of what the bot believes is open.
// A loaded ledger is untrusted until SyncWithBroker has run.
type PositionLedger struct {
	accountKey string
	path       string
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	positions map[string]*domain.Position
	trusted   bool
}

type EntryOption func(*domain.Position)

func WithStopLoss(price float64) EntryOption {
	return func(p *domain.Position) { p.StopLoss = price }
}

func WithTakeProfits(levels []float64) EntryOption {
	return func(p *domain.Position) {
		p.TakeProfitLevels = append([]float64(nil), levels...)
	}
}

func WithSide(side domain.Side) EntryOption {
	return func(p *domain.Position) { p.Side = side }
}

func WithOpenedAt(t time.Time) EntryOption {
	return func(p *domain.Position) { p.OpenedAt = t }
}

type ExitOption func(*domain.Position)

// MarkStep flags profit step i as fired on the position that survives the exit.
func MarkStep(i int) ExitOption {
	return func(p *domain.Position) { p.MarkStep(i) }
}

// Partial is a helper for TrackExit's optional quantity.
func Partial(q float64) *float64 { return &q }

func NewPositionLedger(dir, accountKey string, logger *zap.Logger) *PositionLedger {
	return &PositionLedger{
		accountKey: accountKey,
		path:       filepath.Join(dir, filestore.SafeName(accountKey)+".positions.json"),
		logger:     logger,
		now:        time.Now,
		positions:  make(map[string]*domain.Position),
		trusted:    true,
	}
}

// Load restores the last persisted state and marks the ledger untrusted.
func (l *PositionLedger) Load() error {
	var f ledgerFile
	found, err := filestore.ReadJSON(l.path, &f)
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", l.accountKey, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*domain.Position)
	if found {
		for sym, p := range f.Positions {
			if p == nil || p.Quantity <= 0 {
				continue
			}
			p.Symbol = sym
			l.positions[sym] = p
		}
	}
	l.trusted = false
	l.logger.Info("Ledger loaded",
		zap.String("account", l.accountKey),
		zap.Int("positions", len(l.positions)),
		zap.Bool("found", found))
	return nil
}

func (l *PositionLedger) AccountKey() string { return l.accountKey }

func (l *PositionLedger) Trusted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trusted
}

// TrackEntry creates or overwrites the position for symbol.
func (l *PositionLedger) TrackEntry(symbol string, entryPrice, quantity, sizeQuote float64, opts ...EntryOption) error {
	if quantity <= 0 || entryPrice <= 0 {
		return fmt.Errorf("track entry %s: quantity %.10g and price %.10g must be positive", symbol, quantity, entryPrice)
	}
	pos := &domain.Position{
		Symbol:            symbol,
		Side:              domain.SideBuy,
		EntryPrice:        entryPrice,
		Quantity:          quantity,
		SizeQuote:         sizeQuote,
		RemainingFraction: 1,
		OpenedAt:          l.now().UTC(),
	}
	for _, opt := range opts {
		opt(pos)
	}

	return l.mutate(func(m map[string]*domain.Position) {
		m[symbol] = pos
	})
}

// TrackExit removes the position when exitQty is nil or covers the whole quantity,
// otherwise shrinks quantity and size_quote proportionally.
func (l *PositionLedger) TrackExit(symbol string, exitQty *float64, opts ...ExitOption) error {
	l.mu.RLock()
	_, ok := l.positions[symbol]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("track exit %s: %w", symbol, domain.ErrNoPosition)
	}

	return l.mutate(func(m map[string]*domain.Position) {
		cur, ok := m[symbol]
		if !ok {
			return
		}
		if exitQty == nil || *exitQty >= cur.Quantity-phantomEpsilon {
			delete(m, symbol)
			return
		}
		if *exitQty <= 0 {
			return
		}
		next := *cur
		next.TakeProfitLevels = append([]float64(nil), cur.TakeProfitLevels...)
		keep := (cur.Quantity - *exitQty) / cur.Quantity
		next.Quantity = cur.Quantity - *exitQty
		next.SizeQuote = cur.SizeQuote * keep
		next.RemainingFraction = cur.RemainingFraction * keep
		for _, opt := range opts {
			opt(&next)
		}
		m[symbol] = &next
	})
}

// MarkStep flags a step as fired without changing quantity, used when the
// step's order turned out to be dust.
func (l *PositionLedger) MarkStep(symbol string, step int) error {
	l.mu.RLock()
	_, ok := l.positions[symbol]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mark step %s: %w", symbol, domain.ErrNoPosition)
	}
	return l.mutate(func(m map[string]*domain.Position) {
		cur, ok := m[symbol]
		if !ok {
			return
		}
		next := *cur
		next.MarkStep(step)
		m[symbol] = &next
	})
}

// SyncWithBroker drops every tracked position whose base asset is missing or
// near zero in holdings and returns how many were removed. The ledger is
// trusted afterwards.
func (l *PositionLedger) SyncWithBroker(holdings []domain.Holding) (int, error) {
	live := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		live[domain.BaseAsset(h.Asset)] += h.Quantity
	}

	var phantoms []string
	l.mu.RLock()
	for sym, p := range l.positions {
		qty, ok := live[domain.BaseAsset(sym)]
		if !ok || qty <= phantomEpsilon || qty < p.Quantity*phantomRatio {
			phantoms = append(phantoms, sym)
		}
	}
	l.mu.RUnlock()

	if len(phantoms) > 0 {
		sort.Strings(phantoms)
		err := l.mutate(func(m map[string]*domain.Position) {
			for _, sym := range phantoms {
				delete(m, sym)
			}
		})
		if err != nil {
			return 0, err
		}
		l.logger.Warn("Removed phantom positions",
			zap.String("account", l.accountKey),
			zap.Strings("symbols", phantoms))
	}

	l.mu.Lock()
	l.trusted = true
	l.mu.Unlock()
	return len(phantoms), nil
}

// Get returns a copy of the tracked position for symbol.
func (l *PositionLedger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// All returns copies of every open position ordered by symbol.
func (l *PositionLedger) All() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// mutate applies fn to a copy of the position map, persists it, and only then
// swaps it in, so a failed write leaves memory and disk in agreement.
func (l *PositionLedger) mutate(fn func(map[string]*domain.Position)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]*domain.Position, len(l.positions)+1)
	for k, v := range l.positions {
		next[k] = v
	}
	fn(next)

	f := ledgerFile{UpdatedAt: l.now().UTC(), Positions: next}
	if err := filestore.WriteJSON(l.path, f); err != nil {
		return fmt.Errorf("persist ledger %s: %w", l.accountKey, err)
	}
	l.positions = next
	return nil
}
