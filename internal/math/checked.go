package math

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrOverflow is returned when a checked operation would wrap around.
// Wraparound is the single most dangerous failure mode for an escrow ledger,
// so every arithmetic path on balances goes through these helpers.
var ErrOverflow = errors.New("arithmetic overflow")

// ErrUnderflow is returned when a checked subtraction would go below zero.
var ErrUnderflow = errors.New("arithmetic underflow")

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrUnderflow, a, b)
	}
	return diff, nil
}

// CheckedMul returns a*b or ErrOverflow. Used for trade cost (amount × price).
func CheckedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return lo, nil
}
