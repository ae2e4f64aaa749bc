package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/copytrade/internal/domain"
)

func TestFloorToIncrement(t *testing.T) {
	v, _ := floorToIncrement(0.123456789, 0.0001).Float64()
	assert.Equal(t, 0.1234, v)

	v, _ = floorToIncrement(0.3, 0.1).Float64()
	assert.Equal(t, 0.3, v, "decimal math avoids float drift at exact multiples")
}

func TestPrepareSizeDust(t *testing.T) {
	inst := instrument{BaseIncrement: 0.001, MinBase: 0.002, QuoteIncrement: 0.01, MinQuote: 1}

	_, err := prepareSize(domain.OrderRequest{Symbol: "ETH-USD", Size: 0.0009, SizeType: domain.SizeBase}, inst, 0, 0)
	require.Error(t, err)
	assert.True(t, domain.IsDust(err))

	_, err = prepareSize(domain.OrderRequest{Symbol: "ETH-USD", Size: 0.0019, SizeType: domain.SizeBase}, inst, 0, 0)
	assert.True(t, domain.IsDust(err), "below minimum after rounding")

	size, err := prepareSize(domain.OrderRequest{Symbol: "ETH-USD", Size: 0.00259, SizeType: domain.SizeBase}, inst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.002, size)

	_, err = prepareSize(domain.OrderRequest{Symbol: "ETH-USD", Size: 0.002, SizeType: domain.SizeBase}, inst, 100, 0)
	assert.True(t, domain.IsDust(err), "notional 0.2 below min quote 1")
}

func TestPrepareSizeQuoteAndDollarFilter(t *testing.T) {
	inst := instrument{QuoteIncrement: 0.01, MinQuote: 1}
	size, err := prepareSize(domain.OrderRequest{Symbol: "BTC-USD", Size: 25.129, SizeType: domain.SizeQuote}, inst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 25.12, size)

	_, err = prepareSize(domain.OrderRequest{Symbol: "BTC-USD", Size: 1.5, SizeType: domain.SizeQuote}, inst, 0, 2)
	assert.True(t, domain.IsDust(err))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0.00120", formatSize(0.0012, 0.00001))
	assert.Equal(t, "25", formatSize(25, 1))
}
