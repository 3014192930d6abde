package fund

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNormalizeTicker_Valid(t *testing.T) {
	tests := map[string]string{
		"VFMVN30":   "VFMVN30",
		" vfmvn30 ": "VFMVN30",
		"DCDS":      "DCDS",
		"E1":        "E1",
	}
	for in, want := range tests {
		got, err := NormalizeTicker(in)
		if err != nil {
			t.Errorf("NormalizeTicker(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeTicker(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeTicker_Invalid(t *testing.T) {
	tests := []string{
		"",
		"A",
		"1FUND",
		"VF-MVN30",
		"ABCDEFGHIJKLMN",
	}
	for _, ticker := range tests {
		if _, err := NormalizeTicker(ticker); !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("expected ErrInvalidTicker for %q, got %v", ticker, err)
		}
	}
}

const sampleSeed = `
cap:
  lower: -0.05
  upper: 0.5
funds:
  - id: fund-a
    ticker: vfmvn30
    name: VN30 ETF fund
    nav: 10000
    capital_cost_percent: 2
    initial_quantity: 1000
    initial_price: 9950
  - ticker: DCDS
    nav: 25000
    inactive: true
    cap:
      lower: 0
      upper: 0.25
`

func TestParseCatalogue(t *testing.T) {
	c, err := ParseCatalogue([]byte(sampleSeed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Funds) != 2 {
		t.Fatalf("expected 2 funds, got %d", len(c.Funds))
	}

	a := c.Funds[0]
	if a.ID != "fund-a" || a.Ticker != "VFMVN30" {
		t.Errorf("unexpected first fund: %+v", a)
	}
	if !a.InitialPrice.Equal(d(9950)) || !a.InitialQuantity.Equal(d(1000)) {
		t.Errorf("unexpected inventory seed: %s @ %s", a.InitialQuantity, a.InitialPrice)
	}

	b := c.Funds[1]
	if b.ID != "DCDS" {
		t.Errorf("id should default to ticker, got %q", b.ID)
	}
	if !b.InitialPrice.Equal(d(25000)) {
		t.Errorf("initial price should default to nav, got %s", b.InitialPrice)
	}

	f := b.Fund(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if f.Status != model.FundInactive {
		t.Errorf("expected inactive fund, got %s", f.Status)
	}

	caps := c.CapConfigs()
	if len(caps) != 2 {
		t.Fatalf("expected global + one per-fund cap, got %d", len(caps))
	}
	if caps[0].FundID != "" || !caps[0].Upper.Equal(d(0.5)) {
		t.Errorf("unexpected global cap: %+v", caps[0])
	}
	if caps[1].FundID != "DCDS" || !caps[1].Upper.Equal(d(0.25)) {
		t.Errorf("unexpected per-fund cap: %+v", caps[1])
	}
}

func TestParseCatalogue_Rejects(t *testing.T) {
	tests := map[string]string{
		"bad ticker":    "funds:\n  - ticker: x\n    nav: 1\n",
		"zero nav":      "funds:\n  - ticker: ABC\n    nav: 0\n",
		"duplicate id":  "funds:\n  - ticker: ABC\n    nav: 1\n  - ticker: abc\n    nav: 2\n",
		"negative cost": "funds:\n  - ticker: ABC\n    nav: 1\n    capital_cost_percent: -1\n",
		"not yaml":      "funds: [",
		"inverted cap":  "funds:\n  - ticker: ABC\n    nav: 1\n    cap:\n      lower: 1\n      upper: 0\n",
		"inverted root": "cap:\n  lower: 1\n  upper: 0\nfunds: []\n",
	}
	for name, doc := range tests {
		if _, err := ParseCatalogue([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSeedNormalize(t *testing.T) {
	s := Seed{Ticker: " e1vfvn30 ", NAV: d(15000)}
	if err := s.Normalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "E1VFVN30" || s.Ticker != "E1VFVN30" {
		t.Errorf("unexpected identity: %q %q", s.ID, s.Ticker)
	}
	if !s.InitialPrice.Equal(d(15000)) {
		t.Errorf("initial price should default to nav, got %s", s.InitialPrice)
	}

	bad := Seed{Ticker: "ABC", NAV: d(-1)}
	if err := bad.Normalize(); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("expected ErrInvalidSeed, got %v", err)
	}
}

func TestLoadCatalogue_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funds.yaml")
	if err := os.WriteFile(path, []byte(sampleSeed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	c, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Funds) != 2 {
		t.Errorf("expected 2 funds, got %d", len(c.Funds))
	}

	if _, err := LoadCatalogue(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
