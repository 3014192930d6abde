package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/capguard"
	"github.com/fundbo/fund-engine/internal/fund"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/pricing"
)

// ListFunds handles GET /api/v1/funds
func (h *Handler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.store.ListFunds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if funds == nil {
		funds = []model.Fund{}
	}
	writeJSON(w, http.StatusOK, funds)
}

// CreateFund handles POST /api/v1/funds. The body has the shape of a
// seed file entry, including an optional cap window.
func (h *Handler) CreateFund(w http.ResponseWriter, r *http.Request) {
	var seed fund.Seed
	if err := decode(r, &seed); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := seed.Normalize(); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	f := seed.Fund(h.now())
	if err := h.store.CreateFund(ctx, f); err != nil {
		h.fail(w, r, err)
		return
	}
	if seed.Cap != nil {
		cfg := &model.CapConfig{FundID: f.ID, Lower: seed.Cap.Lower, Upper: seed.Cap.Upper}
		if err := h.store.SaveCapConfig(ctx, cfg); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	h.log.Info("fund created", "fund_id", f.ID, "ticker", f.Ticker, "nav", f.CurrentNAV)
	writeJSON(w, http.StatusCreated, f)
}

// GetFund handles GET /api/v1/funds/{fundID}
func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	f, err := h.store.GetFund(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// OpeningPriceResponse is returned from GET /funds/{fundID}/opening-price.
type OpeningPriceResponse struct {
	FundID             string          `json:"fund_id"`
	Date               string          `json:"date"`
	OpeningPrice       decimal.Decimal `json:"opening_price"`
	CapitalCostPercent decimal.Decimal `json:"capital_cost_percent"`
	Ask                decimal.Decimal `json:"market_maker_ask"`
}

// OpeningPrice handles GET /api/v1/funds/{fundID}/opening-price
// Returns today's opening average price and the market maker's ask.
func (h *Handler) OpeningPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := h.store.GetFund(ctx, chi.URLParam(r, "fundID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	day := h.inventory.Today()
	opening, err := h.inventory.OpeningPrice(ctx, f.ID, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OpeningPriceResponse{
		FundID:             f.ID,
		Date:               day.Format(time.DateOnly),
		OpeningPrice:       opening,
		CapitalCostPercent: f.CapitalCostPercent,
		Ask:                pricing.MarketMakerAsk(opening, f.CapitalCostPercent),
	})
}

// GetInventory handles GET /api/v1/funds/{fundID}/inventory?date=YYYY-MM-DD
// A missing row is opened as a draft. The date defaults to today.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := h.store.GetFund(ctx, chi.URLParam(r, "fundID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	day, err := h.day(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.inventory.Ensure(ctx, f.ID, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListInventories handles GET /api/v1/funds/{fundID}/inventories
func (h *Handler) ListInventories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := h.store.GetFund(ctx, chi.URLParam(r, "fundID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.store.ListInventories(ctx, f.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.DailyInventory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RecalculateInventory handles POST /api/v1/funds/{fundID}/inventory/recalculate
func (h *Handler) RecalculateInventory(w http.ResponseWriter, r *http.Request) {
	h.inventoryAction(w, r, "recalculated", h.inventory.Recalculate)
}

// ConfirmInventory handles POST /api/v1/funds/{fundID}/inventory/confirm
func (h *Handler) ConfirmInventory(w http.ResponseWriter, r *http.Request) {
	h.inventoryAction(w, r, "confirmed", h.inventory.Confirm)
}

type inventoryFunc func(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error)

func (h *Handler) inventoryAction(w http.ResponseWriter, r *http.Request, verb string, action inventoryFunc) {
	ctx := r.Context()
	f, err := h.store.GetFund(ctx, chi.URLParam(r, "fundID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	day, err := h.day(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := action(ctx, f.ID, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("inventory "+verb, "fund_id", f.ID, "date", inv.Date.Format(time.DateOnly),
		"closing_quantity", inv.ClosingQuantity, "closing_avg_price", inv.ClosingAvgPrice)
	writeJSON(w, http.StatusOK, inv)
}

// day reads the optional date query parameter.
func (h *Handler) day(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("date")
	if v == "" {
		return h.inventory.Today(), nil
	}
	day, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD, got %q", errBadRequest, v)
	}
	return day, nil
}

// GetCapConfig handles GET /api/v1/cap-config?fund_id=
// Without fund_id the global window is returned.
func (h *Handler) GetCapConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetCapConfig(r.Context(), r.URL.Query().Get("fund_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SaveCapConfig handles PUT /api/v1/cap-config
func (h *Handler) SaveCapConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.CapConfig
	if err := decode(r, &cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := capguard.New(cfg.Lower, cfg.Upper); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	if cfg.FundID != "" {
		if _, err := h.store.GetFund(ctx, cfg.FundID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.store.SaveCapConfig(ctx, &cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("cap config saved", "fund_id", cfg.FundID, "lower", cfg.Lower, "upper", cfg.Upper)
	writeJSON(w, http.StatusOK, cfg)
}

// FeeResponse is returned from GET /pricing/fee.
type FeeResponse struct {
	Amount      decimal.Decimal `json:"amount"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	Fee         decimal.Decimal `json:"fee"`
}

// Fee handles GET /api/v1/pricing/fee?amount=
func (h *Handler) Fee(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || amount.IsNegative() {
		writeError(w, "amount must be a non-negative number", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, FeeResponse{
		Amount:      amount,
		RatePercent: h.fees.Rate(amount),
		Fee:         h.fees.Fee(amount),
	})
}

// SellQuoteRequest is the JSON body for POST /pricing/sell-quote. With a
// fund_id, NAV defaults to the fund's and the quote is checked against
// the fund's cap window.
type SellQuoteRequest struct {
	FundID       string          `json:"fund_id"`
	Amount       decimal.Decimal `json:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TermDays     int             `json:"term_days"`
	Units        decimal.Decimal `json:"units"`
	NAV          decimal.Decimal `json:"nav"`
}

// SellQuoteResponse is the quote plus the optional cap verdict.
type SellQuoteResponse struct {
	pricing.SellQuote
	WithinCap *bool  `json:"within_cap,omitempty"`
	CapError  string `json:"cap_error,omitempty"`
}

// SellQuote handles POST /api/v1/pricing/sell-quote
func (h *Handler) SellQuote(w http.ResponseWriter, r *http.Request) {
	var req SellQuoteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	if req.FundID != "" && req.NAV.IsZero() {
		f, err := h.store.GetFund(ctx, req.FundID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		req.NAV = f.CurrentNAV
	}
	if req.Amount.IsZero() {
		req.Amount = req.Units.Mul(req.NAV)
	}

	quote, err := pricing.QuoteSell(req.Amount, req.InterestRate, req.TermDays, req.Units, req.NAV)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := SellQuoteResponse{SellQuote: quote}

	if req.FundID != "" && h.oracle != nil {
		guard, err := h.oracle.CapBounds(ctx, req.FundID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ok := true
		if err := guard.Check(quote.Delta); err != nil {
			ok = false
			resp.CapError = err.Error()
		}
		resp.WithinCap = &ok
	}
	writeJSON(w, http.StatusOK, resp)
}
