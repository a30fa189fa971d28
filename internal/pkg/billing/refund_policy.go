package billing

import (
	"fmt"
	"math"
)

// Cancellation refund tiers. A boundary value belongs to the tier that
// refunds more.
const (
	lateCancellationHours  = 24
	earlyCancellationHours = 48
)

// CancellationRefundPercent returns the share of the original charge that is
// refunded when a reservation is cancelled hoursUntilStart before it begins.
// Negative values (cancelled after the start) fall into the lowest tier.
func CancellationRefundPercent(hoursUntilStart float64) (int64, error) {
	if math.IsNaN(hoursUntilStart) || math.IsInf(hoursUntilStart, 0) {
		return 0, fmt.Errorf("%w: hours until start must be a finite number", ErrValidation)
	}
	switch {
	case hoursUntilStart < lateCancellationHours:
		return 50, nil
	case hoursUntilStart < earlyCancellationHours:
		return 80, nil
	default:
		return 100, nil
	}
}

// CancellationRefundAmount applies the policy to an amount in minor units,
// rounding down.
func CancellationRefundAmount(amount int64, hoursUntilStart float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	pct, err := CancellationRefundPercent(hoursUntilStart)
	if err != nil {
		return 0, err
	}
	return amount * pct / 100, nil
}
