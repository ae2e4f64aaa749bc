package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/copytrade/internal/domain"
)

func TestPositionSizer_Scale(t *testing.T) {
	var sizer PositionSizer

	tests := []struct {
		name     string
		follower float64
		minSize  float64
		want     float64
		wantErr  bool
	}{
		{name: "smaller follower", follower: 1000, want: 50},
		{name: "larger follower", follower: 50000, want: 2500},
		{name: "empty follower", follower: 0, wantErr: true},
		{name: "negative follower", follower: -10, wantErr: true},
		{name: "below minimum", follower: 100, minSize: 10, wantErr: true},
		{name: "exactly minimum", follower: 200, minSize: 10, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sizer.Scale(500, 10000, tt.follower, tt.minSize)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidSignal)
				assert.Zero(t, got)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPositionSizer_ScaleRejectsBadMaster(t *testing.T) {
	var sizer PositionSizer
	_, err := sizer.Scale(500, 0, 1000, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestPositionSizer_ApplyTier(t *testing.T) {
	var sizer PositionSizer

	got, err := sizer.ApplyTier(250, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got)

	got, err = sizer.ApplyTier(40, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got)

	_, err = sizer.ApplyTier(40, 25, 30)
	assert.ErrorIs(t, err, domain.ErrTierConflict)

	got, err = sizer.ApplyTier(40, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got, "no tier means no cap")
}
