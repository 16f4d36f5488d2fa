// Package money provides integer minor-unit amount handling.
//
// All escrow values are carried as int64 minor units (e.g. cents, or the
// token's smallest denomination). There is no floating point anywhere in the
// settlement path; the service fee is computed with floor division.
package money

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidAmount is returned for non-positive or unparseable amounts.
var ErrInvalidAmount = errors.New("money: invalid amount")

// ServiceFeeBps is the platform fee in basis points (200 = 2%).
const ServiceFeeBps int64 = 200

// Amount is a value in integer minor units.
type Amount = int64

// Parse converts a decimal-digit string into an Amount. Negative, zero,
// fractional, or malformed values are rejected.
func Parse(s string) (Amount, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %d", ErrInvalidAmount, v)
	}
	return v, nil
}

// Fee returns the floor-divided basis-point fee on amount.
func Fee(amount Amount, bps int64) Amount {
	return amount * bps / 10000
}

// Split is the result of dividing a held balance at release time.
type Split struct {
	SellerPayout Amount `json:"sellerPayout"`
	ServiceFee   Amount `json:"serviceFee"`
	BuyerSurplus Amount `json:"buyerSurplus"`
}

// SplitRelease divides a held balance for a direct release: the seller
// receives the agreed amount minus the service fee, the fee recipient
// receives the fee, and any surplus held beyond the agreed amount is
// refunded to the buyer. The parts always sum to held exactly.
func SplitRelease(amount, held Amount, bps int64) Split {
	fee := Fee(amount, bps)
	return Split{
		SellerPayout: amount - fee,
		ServiceFee:   fee,
		BuyerSurplus: held - amount,
	}
}
