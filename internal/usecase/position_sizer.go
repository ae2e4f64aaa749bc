package usecase

import (
	"fmt"

	"github.com/vitos/copytrade/internal/domain"
)

// PositionSizer scales a master order to a follower by balance ratio.
type PositionSizer struct{}

// Scale returns masterSize * followerBalance / masterBalance. A follower with no
// balance, or a result below minSize, yields ErrInvalidSignal; the size is never
// forced up to the minimum.
func (PositionSizer) Scale(masterSize, masterBalance, followerBalance, minSize float64) (float64, error) {
	if masterSize <= 0 || masterBalance <= 0 {
		return 0, fmt.Errorf("master size %.10g balance %.10g: %w", masterSize, masterBalance, domain.ErrInvalidSignal)
	}
	if followerBalance <= 0 {
		return 0, fmt.Errorf("follower balance %.10g: %w", followerBalance, domain.ErrInvalidSignal)
	}
	size := masterSize * (followerBalance / masterBalance)
	if minSize > 0 && size < minSize {
		return 0, fmt.Errorf("scaled size %.10g below minimum %.10g: %w", size, minSize, domain.ErrInvalidSignal)
	}
	return size, nil
}

// ApplyTier caps size at the follower's tier maximum. If the cap pushes the
// size under the broker minimum the copy is rejected with ErrTierConflict.
func (PositionSizer) ApplyTier(size, tierMax, minSize float64) (float64, error) {
	if tierMax > 0 && size > tierMax {
		size = tierMax
	}
	if minSize > 0 && size < minSize {
		return 0, fmt.Errorf("size %.10g (tier max %.10g) under minimum %.10g: %w", size, tierMax, minSize, domain.ErrTierConflict)
	}
	return size, nil
}
