// Package nav maintains the market maker's daily unit inventory per fund:
// opening and closing quantity with a weighted average acquisition price.
// Closing values are always rebuilt from the day's ledger fills, never
// accumulated incrementally, so recalculation is idempotent.
package nav

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

// Opening is the carried-in position of a day.
type Opening struct {
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Trade is one market-maker fill.
type Trade struct {
	Side     model.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}

// Closing is the derived end-of-day position.
type Closing struct {
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Derive folds trades, in the order given, into the opening position.
// Purchases add quantity and value, sells remove both. When the running
// quantity ends at or below zero the opening price is kept.
func Derive(opening Opening, trades []Trade) Closing {
	qty := opening.Quantity
	value := opening.Quantity.Mul(opening.AvgPrice)

	for _, t := range trades {
		v := t.Quantity.Mul(t.Price)
		switch t.Side {
		case model.SidePurchase:
			qty = qty.Add(t.Quantity)
			value = value.Add(v)
		case model.SideSell:
			qty = qty.Sub(t.Quantity)
			value = value.Sub(v)
		}
	}

	price := opening.AvgPrice
	if qty.IsPositive() {
		price = value.Div(qty)
	}
	return Closing{Quantity: qty, AvgPrice: price}
}

// TradesFrom converts ledger fills into the market maker's trades at the
// fill price and quantity. A fill between two market-maker accounts moves
// nothing and is skipped.
func TradesFrom(fills []model.MatchedPair) []Trade {
	trades := make([]Trade, 0, len(fills))
	for _, p := range fills {
		buyMM := p.BuyUserType == model.ParticipantMarketMaker
		sellMM := p.SellUserType == model.ParticipantMarketMaker
		if buyMM == sellMM || !p.Quantity.IsPositive() {
			continue
		}
		side := model.SidePurchase
		if sellMM {
			side = model.SideSell
		}
		trades = append(trades, Trade{Side: side, Quantity: p.Quantity, Price: p.Price, At: p.MatchedAt})
	}
	return trades
}
