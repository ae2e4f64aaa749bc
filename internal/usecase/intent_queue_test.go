package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/copytrade/internal/domain"
)

func TestIntentQueue(t *testing.T) {
	q := NewIntentQueue(2)
	intent := domain.EntryIntent{Symbol: "BTC-USD", Side: domain.SideBuy, SizeQuote: 100}

	require.NoError(t, q.Push("kraken:master", intent))
	require.NoError(t, q.Push("kraken:master", intent))
	assert.ErrorIs(t, q.Push("kraken:master", intent), ErrIntentQueueFull)
	assert.ErrorIs(t, q.Push("kraken:master", domain.EntryIntent{Symbol: "BTC-USD"}), domain.ErrInvalidSignal)

	require.NoError(t, q.Push("coinbase:master", intent))

	got := q.NextEntries(context.Background(), "kraken:master")
	assert.Len(t, got, 2)
	assert.Empty(t, q.NextEntries(context.Background(), "kraken:master"))
	assert.Equal(t, 1, q.Len("coinbase:master"))
}

func TestIntentQueue_DefaultSize(t *testing.T) {
	q := NewIntentQueue(4).WithDefaultSize(100)
	require.NoError(t, q.Push("paper:master", domain.EntryIntent{Symbol: "BTC-USD"}))

	got := q.NextEntries(context.Background(), "paper:master")
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].SizeQuote)
}
