package capguard

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinBounds(t *testing.T) {
	g, err := New(d(-0.1), d(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, delta := range []float64{-0.1, 0, 0.0833, 0.5} {
		if err := g.Check(d(delta)); err != nil {
			t.Errorf("delta %v should pass, got %v", delta, err)
		}
	}
}

func TestCheck_BelowFloor(t *testing.T) {
	g, _ := New(d(0), d(0.5))

	if err := g.Check(d(-0.01)); err != ErrBelowFloor {
		t.Errorf("expected ErrBelowFloor, got %v", err)
	}
}

func TestCheck_AboveCeiling(t *testing.T) {
	g, _ := New(d(0), d(0.5))

	if err := g.Check(d(0.51)); err != ErrAboveCeiling {
		t.Errorf("expected ErrAboveCeiling, got %v", err)
	}
}

func TestNew_InvertedBounds(t *testing.T) {
	_, err := New(d(1), d(0))
	if !errors.Is(err, ErrInvertedBounds) {
		t.Errorf("expected ErrInvertedBounds, got %v", err)
	}
}

func TestOpen_AcceptsEverything(t *testing.T) {
	g := Open()
	if !g.IsOpen() {
		t.Error("open guard should report IsOpen")
	}
	if err := g.Check(d(1e9)); err != nil {
		t.Errorf("open guard rejected delta: %v", err)
	}

	var nilGuard *Guard
	if err := nilGuard.Check(d(-1e9)); err != nil {
		t.Errorf("nil guard rejected delta: %v", err)
	}
}

func TestResolve_PrefersPerFund(t *testing.T) {
	perFund := &model.CapConfig{FundID: "F1", Lower: d(0), Upper: d(0.1)}
	global := &model.CapConfig{Lower: d(-1), Upper: d(1)}

	g, err := Resolve(perFund, global)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Check(d(0.5)); err != ErrAboveCeiling {
		t.Errorf("per-fund bounds should apply, got %v", err)
	}
}

func TestResolve_FallsBackToGlobal(t *testing.T) {
	global := &model.CapConfig{Lower: d(-1), Upper: d(1)}

	g, err := Resolve(nil, global)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Check(d(0.5)); err != nil {
		t.Errorf("global bounds should accept 0.5, got %v", err)
	}
}

func TestResolve_NoConfigIsOpen(t *testing.T) {
	g, err := Resolve(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.IsOpen() {
		t.Error("expected open guard without configuration")
	}
}
