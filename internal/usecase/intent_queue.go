package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/vitos/copytrade/internal/domain"
)

var ErrIntentQueueFull = errors.New("entry intent queue full")

// IntentQueue buffers strategy entry intents per account until that
// account's loop collects them.
type IntentQueue struct {
	capacity    int
	defaultSize float64

	mu      sync.Mutex
	pending map[string][]domain.EntryIntent
}

func NewIntentQueue(capacity int) *IntentQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &IntentQueue{capacity: capacity, pending: make(map[string][]domain.EntryIntent)}
}

// WithDefaultSize fills SizeQuote for intents that arrive without one.
func (q *IntentQueue) WithDefaultSize(sizeQuote float64) *IntentQueue {
	q.defaultSize = sizeQuote
	return q
}

func (q *IntentQueue) Push(accountKey string, intent domain.EntryIntent) error {
	if intent.SizeQuote <= 0 {
		intent.SizeQuote = q.defaultSize
	}
	if intent.Symbol == "" || intent.SizeQuote <= 0 {
		return domain.ErrInvalidSignal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending[accountKey]) >= q.capacity {
		return ErrIntentQueueFull
	}
	q.pending[accountKey] = append(q.pending[accountKey], intent)
	return nil
}

// NextEntries drains everything queued for accountKey.
func (q *IntentQueue) NextEntries(_ context.Context, accountKey string) []domain.EntryIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending[accountKey]
	delete(q.pending, accountKey)
	return out
}

func (q *IntentQueue) Len(accountKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[accountKey])
}
