package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("signal bus closed")

// TradeSignalBus fans master fills out to one bounded queue per follower.
// A full queue drops its oldest signal so a stalled follower never blocks
// the publisher.
type TradeSignalBus struct {
	capacity int
	logger   *zap.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	closed atomic.Bool
	onDrop func(sub string, sig domain.TradeSignal)
}

// Subscription is one follower's view of the bus.
type Subscription struct {
	Name    string
	ch      chan domain.TradeSignal
	mu      sync.Mutex
	dropped atomic.Uint64
}

func NewTradeSignalBus(capacity int, logger *zap.Logger) *TradeSignalBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &TradeSignalBus{capacity: capacity, logger: logger}
}

// OnDrop registers a callback invoked for every evicted signal.
func (b *TradeSignalBus) OnDrop(fn func(sub string, sig domain.TradeSignal)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

func (b *TradeSignalBus) Subscribe(name string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	s := &Subscription{Name: name, ch: make(chan domain.TradeSignal, b.capacity)}
	b.subs = append(b.subs, s)
	return s, nil
}

// Publish enqueues sig for every subscriber without blocking.
func (b *TradeSignalBus) Publish(sig domain.TradeSignal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return ErrBusClosed
	}

	for _, s := range b.subs {
		if evicted, ok := s.offer(sig); ok {
			metrics.IncSignal("dropped")
			b.logger.Warn("Signal queue full, dropped oldest",
				zap.String("subscriber", s.Name),
				zap.String("dropped_id", evicted.ID),
				zap.String("symbol", evicted.Symbol))
			if b.onDrop != nil {
				b.onDrop(s.Name, evicted)
			}
		}
	}
	metrics.IncSignal("published")
	return nil
}

// Close stops publishing and ends every subscriber's Run loop.
func (b *TradeSignalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range b.subs {
		close(s.ch)
	}
}

// offer enqueues sig, evicting the oldest pending signal when full.
func (s *Subscription) offer(sig domain.TradeSignal) (domain.TradeSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- sig:
		return domain.TradeSignal{}, false
	default:
	}

	var evicted domain.TradeSignal
	var ok bool
	select {
	case evicted = <-s.ch:
		ok = true
		s.dropped.Add(1)
	default:
	}
	// only publishers send, and they hold s.mu, so a slot is free here
	s.ch <- sig
	return evicted, ok
}

// Dropped is the number of signals evicted from this subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Pending is the number of queued signals.
func (s *Subscription) Pending() int { return len(s.ch) }

// Run hands signals to handler until ctx is done or the bus closes.
func (s *Subscription) Run(ctx context.Context, handler func(context.Context, domain.TradeSignal)) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.ch:
			if !ok {
				return
			}
			handler(ctx, sig)
		}
	}
}
