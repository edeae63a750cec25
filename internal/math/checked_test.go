package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	"stexchange/internal/math"
)

func TestCheckedAdd(t *testing.T) {
	sum, err := math.CheckedAdd(40, 2)
	if err != nil || sum != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", sum, err)
	}

	_, err = math.CheckedAdd(stdmath.MaxUint64, 1)
	if !errors.Is(err, math.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}

	// Max + 0 is still fine.
	sum, err = math.CheckedAdd(stdmath.MaxUint64, 0)
	if err != nil || sum != stdmath.MaxUint64 {
		t.Errorf("max + 0 should not overflow: %v", err)
	}
}

func TestCheckedSub(t *testing.T) {
	diff, err := math.CheckedSub(100, 30)
	if err != nil || diff != 70 {
		t.Fatalf("got (%d, %v), want (70, nil)", diff, err)
	}

	_, err = math.CheckedSub(0, 1)
	if !errors.Is(err, math.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}

	diff, err = math.CheckedSub(5, 5)
	if err != nil || diff != 0 {
		t.Errorf("5 - 5 should be 0: got (%d, %v)", diff, err)
	}
}

func TestCheckedMul(t *testing.T) {
	p, err := math.CheckedMul(10, 5)
	if err != nil || p != 50 {
		t.Fatalf("got (%d, %v), want (50, nil)", p, err)
	}

	_, err = math.CheckedMul(stdmath.MaxUint64, 2)
	if !errors.Is(err, math.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}

	p, err = math.CheckedMul(stdmath.MaxUint64, 1)
	if err != nil || p != stdmath.MaxUint64 {
		t.Errorf("max * 1 should not overflow: %v", err)
	}

	p, err = math.CheckedMul(0, stdmath.MaxUint64)
	if err != nil || p != 0 {
		t.Errorf("0 * max should be 0: got (%d, %v)", p, err)
	}
}
