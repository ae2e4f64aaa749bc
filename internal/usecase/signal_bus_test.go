package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/copytrade/internal/domain"
	"go.uber.org/zap"
)

func sig(id string) domain.TradeSignal {
	return domain.TradeSignal{ID: id, Broker: "kraken", Symbol: "BTC-USD", Side: domain.SideBuy}
}

func TestTradeSignalBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewTradeSignalBus(2, zap.NewNop())
	var dropped []string
	bus.OnDrop(func(sub string, s domain.TradeSignal) {
		dropped = append(dropped, sub+"/"+s.ID)
	})

	sub, err := bus.Subscribe("kraken:user:1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(sig("a")))
	require.NoError(t, bus.Publish(sig("b")))
	require.NoError(t, bus.Publish(sig("c")))

	assert.Equal(t, 2, sub.Pending())
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, []string{"kraken:user:1/a"}, dropped)

	bus.Close()
	var got []string
	sub.Run(context.Background(), func(_ context.Context, s domain.TradeSignal) {
		got = append(got, s.ID)
	})
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestTradeSignalBus_StalledSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewTradeSignalBus(1, zap.NewNop())
	stalled, err := bus.Subscribe("stalled")
	require.NoError(t, err)
	live, err := bus.Subscribe("live")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		live.Run(ctx, func(_ context.Context, s domain.TradeSignal) {
			mu.Lock()
			got = append(got, s.ID)
			mu.Unlock()
		})
	}()

	publishDone := make(chan struct{})
	go func() {
		defer close(publishDone)
		for _, id := range []string{"1", "2", "3", "4", "5"} {
			_ = bus.Publish(sig(id))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-publishDone:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	assert.Equal(t, 1, stalled.Pending())
	assert.Equal(t, uint64(4), stalled.Dropped())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == "5"
	}, time.Second, 5*time.Millisecond)

	bus.Close()
	<-done
}

func TestTradeSignalBus_Closed(t *testing.T) {
	bus := NewTradeSignalBus(4, zap.NewNop())
	bus.Close()
	bus.Close()

	assert.ErrorIs(t, bus.Publish(sig("x")), ErrBusClosed)
	_, err := bus.Subscribe("late")
	assert.ErrorIs(t, err, ErrBusClosed)
}
