package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

// ImportLineError reports one rejected row of an import.
type ImportLineError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// ImportResult is the outcome of ImportOrders.
type ImportResult struct {
	Imported []*model.Order    `json:"imported"`
	Errors   []ImportLineError `json:"errors"`
}

var importColumns = []string{"account_id", "fund_id", "side", "units", "price", "interest_rate", "term_days"}

// ImportOrders places one order per CSV row. The header row names the
// columns; account_id, fund_id, side and units are required, the rest
// optional. Bad rows are reported and skipped.
func (s *Service) ImportOrders(ctx context.Context, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidOrder, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range importColumns[:4] {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidOrder, required)
		}
	}

	res := &ImportResult{Imported: []*model.Order{}, Errors: []ImportLineError{}}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, ImportLineError{Line: line, Error: err.Error()})
			continue
		}
		req, err := parseImportRow(rec, idx)
		if err == nil {
			var o *model.Order
			if o, err = s.PlaceOrder(ctx, req); err == nil {
				res.Imported = append(res.Imported, o)
				continue
			}
		}
		res.Errors = append(res.Errors, ImportLineError{Line: line, Error: err.Error()})
	}
	s.log.Info("orders imported", "imported", len(res.Imported), "errors", len(res.Errors))
	return res, nil
}

func parseImportRow(rec []string, idx map[string]int) (PlaceOrderRequest, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	dec := func(name string) (decimal.Decimal, error) {
		v := field(name)
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s %q", ErrInvalidOrder, name, v)
		}
		return d, nil
	}

	req := PlaceOrderRequest{
		AccountID: field("account_id"),
		FundID:    field("fund_id"),
		Side:      model.Side(strings.ToLower(field("side"))),
	}
	var err error
	if req.Units, err = dec("units"); err != nil {
		return req, err
	}
	if req.Price, err = dec("price"); err != nil {
		return req, err
	}
	if req.InterestRate, err = dec("interest_rate"); err != nil {
		return req, err
	}
	if v := field("term_days"); v != "" {
		if req.TermDays, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("%w: term_days %q", ErrInvalidOrder, v)
		}
	}
	return req, nil
}
