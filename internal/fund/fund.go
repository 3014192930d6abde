// Package fund handles fund ticker validation and the YAML seed file that
// declares the fund catalogue, its inventory seed values and the
// interest-rate cap configuration.
package fund

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fundbo/fund-engine/internal/model"
)

// tickerRegex matches exchange-style fund tickers: 2-12 upper-case
// letters or digits, starting with a letter. Example: VFMVN30
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

var (
	ErrInvalidTicker = errors.New("fund: invalid ticker format")
	ErrInvalidSeed   = errors.New("fund: invalid seed")
)

// NormalizeTicker upper-cases and validates a ticker.
func NormalizeTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 2-12 letters/digits, leading letter)", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// Seed is one fund entry of the seed file.
// The same shape is accepted by POST /api/v1/funds.
type Seed struct {
	ID                 string          `yaml:"id" json:"id"`
	Ticker             string          `yaml:"ticker" json:"ticker"`
	Name               string          `yaml:"name" json:"name"`
	NAV                decimal.Decimal `yaml:"nav" json:"nav"`
	CapitalCostPercent decimal.Decimal `yaml:"capital_cost_percent" json:"capital_cost_percent"`
	InitialPrice       decimal.Decimal `yaml:"initial_price" json:"initial_price"`
	InitialQuantity    decimal.Decimal `yaml:"initial_quantity" json:"initial_quantity"`
	Inactive           bool            `yaml:"inactive" json:"inactive"`
	Cap                *CapSeed        `yaml:"cap,omitempty" json:"cap,omitempty"`
}

// CapSeed is a delta window in the seed file.
type CapSeed struct {
	Lower decimal.Decimal `yaml:"lower" json:"lower"`
	Upper decimal.Decimal `yaml:"upper" json:"upper"`
}

// Catalogue is the top-level seed document.
type Catalogue struct {
	Cap   *CapSeed `yaml:"cap,omitempty"`
	Funds []Seed   `yaml:"funds"`
}

// LoadCatalogue reads and validates a seed file.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fund seed %s: %w", path, err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes and validates a YAML seed document.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	if err := c.Cap.validate("global"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(c.Funds))
	for i := range c.Funds {
		s := &c.Funds[i]
		if err := s.Normalize(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate fund id %s", ErrInvalidSeed, s.ID)
		}
		seen[s.ID] = true
	}
	return &c, nil
}

// Normalize validates one entry in place: the ticker is upper-cased, a
// missing id defaults to the ticker and a missing seed price to NAV.
func (s *Seed) Normalize() error {
	ticker, err := NormalizeTicker(s.Ticker)
	if err != nil {
		return err
	}
	s.Ticker = ticker
	if s.ID == "" {
		s.ID = ticker
	}
	if !s.NAV.IsPositive() {
		return fmt.Errorf("%w: fund %s nav must be positive", ErrInvalidSeed, s.ID)
	}
	if s.CapitalCostPercent.IsNegative() {
		return fmt.Errorf("%w: fund %s capital cost must not be negative", ErrInvalidSeed, s.ID)
	}
	if s.InitialQuantity.IsNegative() || s.InitialPrice.IsNegative() {
		return fmt.Errorf("%w: fund %s inventory seed must not be negative", ErrInvalidSeed, s.ID)
	}
	if s.InitialPrice.IsZero() {
		s.InitialPrice = s.NAV
	}
	return s.Cap.validate(s.ID)
}

func (c *CapSeed) validate(owner string) error {
	if c != nil && c.Lower.GreaterThan(c.Upper) {
		return fmt.Errorf("%w: %s cap lower %s exceeds upper %s", ErrInvalidSeed, owner, c.Lower, c.Upper)
	}
	return nil
}

// Fund converts a seed entry into a domain fund.
func (s Seed) Fund(now time.Time) *model.Fund {
	status := model.FundActive
	if s.Inactive {
		status = model.FundInactive
	}
	return &model.Fund{
		ID:                 s.ID,
		Ticker:             s.Ticker,
		Name:               s.Name,
		CurrentNAV:         s.NAV,
		CapitalCostPercent: s.CapitalCostPercent,
		InitialPrice:       s.InitialPrice,
		InitialQuantity:    s.InitialQuantity,
		Status:             status,
		CreatedAt:          now,
	}
}

// CapConfigs returns the global and per-fund cap configurations declared
// in the catalogue.
func (c *Catalogue) CapConfigs() []model.CapConfig {
	var out []model.CapConfig
	if c.Cap != nil {
		out = append(out, model.CapConfig{Lower: c.Cap.Lower, Upper: c.Cap.Upper})
	}
	for _, s := range c.Funds {
		if s.Cap != nil {
			out = append(out, model.CapConfig{FundID: s.ID, Lower: s.Cap.Lower, Upper: s.Cap.Upper})
		}
	}
	return out
}
