package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req exchange.PlaceOrderRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.exchange.PlaceOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ImportOrders handles POST /api/v1/orders/import with a CSV body.
// Rejected rows are reported alongside the accepted orders.
func (h *Handler) ImportOrders(w http.ResponseWriter, r *http.Request) {
	res, err := h.exchange.ImportOrders(r.Context(), r.Body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOrders handles GET /api/v1/orders?side=&fund_id=
// Returns the pending book; without side both sides are listed.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sides := []model.Side{model.SidePurchase, model.SideSell}
	if s := q.Get("side"); s != "" {
		sides = []model.Side{model.Side(s)}
	}

	orders := []*model.Order{}
	for _, side := range sides {
		book, err := h.exchange.PendingOrders(r.Context(), side, q.Get("fund_id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		orders = append(orders, book...)
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.exchange.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.exchange.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// RunResponse is returned from POST /matching/run.
type RunResponse struct {
	Reports []*exchange.MatchReport `json:"reports"`
	// Error joins per-fund failures of a run across all funds.
	Error string `json:"error,omitempty"`
}

// RunMatching handles POST /api/v1/matching/run
// With fund_id one fund is matched; without it every active fund is.
func (h *Handler) RunMatching(w http.ResponseWriter, r *http.Request) {
	var req exchange.MatchRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()

	if req.FundID != "" {
		report, err := h.exchange.Match(ctx, req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RunResponse{Reports: []*exchange.MatchReport{report}})
		return
	}

	reports, err := h.exchange.MatchAll(ctx, req.UseTimePriority, req.HandleRemaining)
	if err != nil && len(reports) == 0 {
		h.fail(w, r, err)
		return
	}
	if reports == nil {
		reports = []*exchange.MatchReport{}
	}
	resp := RunResponse{Reports: reports}
	if err != nil {
		h.log.Warn("matching run partially failed", "err", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RandomOrders handles POST /api/v1/matching/random-orders
func (h *Handler) RandomOrders(w http.ResponseWriter, r *http.Request) {
	var req exchange.RandomOrdersRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	orders, err := h.exchange.GenerateRandomOrders(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orders)
}

// HandleRemainingRequest is the JSON body for POST /market-maker/handle-remaining.
type HandleRemainingRequest struct {
	FundID string `json:"fund_id"`
}

// HandleRemaining handles POST /api/v1/market-maker/handle-remaining
func (h *Handler) HandleRemaining(w http.ResponseWriter, r *http.Request) {
	var req HandleRemainingRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.FundID == "" {
		writeError(w, "fund_id is required", http.StatusBadRequest)
		return
	}
	report, err := h.exchange.HandleRemaining(r.Context(), req.FundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleOneRequest is the JSON body for POST /market-maker/handle-one.
type HandleOneRequest struct {
	OrderID string `json:"order_id"`
}

// HandleOne handles POST /api/v1/market-maker/handle-one
func (h *Handler) HandleOne(w http.ResponseWriter, r *http.Request) {
	var req HandleOneRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.OrderID == "" {
		writeError(w, "order_id is required", http.StatusBadRequest)
		return
	}
	pair, err := h.exchange.HandleOne(r.Context(), req.OrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// PairsPage is one page of the match ledger.
type PairsPage struct {
	Pairs    []model.MatchedPair `json:"pairs"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// ListMatchedPairs handles GET /api/v1/matched-pairs?fund_id=&page=&page_size=
// Pages are 1-based and newest first.
func (h *Handler) ListMatchedPairs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", defaultPageSize)
	if size > maxPageSize {
		writeError(w, fmt.Sprintf("page_size must not exceed %d", maxPageSize), http.StatusBadRequest)
		return
	}

	pairs, total, err := h.store.ListMatchedPairs(r.Context(), store.PairFilter{
		FundID: r.URL.Query().Get("fund_id"),
		Limit:  size,
		Offset: (page - 1) * size,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pairs == nil {
		pairs = []model.MatchedPair{}
	}
	writeJSON(w, http.StatusOK, PairsPage{Pairs: pairs, Total: total, Page: page, PageSize: size})
}
