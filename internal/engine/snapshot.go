package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/ledger"
	"github.com/pointex/exchange/internal/lmsr"
	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

// PreviewResult quotes a trade without mutating state.
type PreviewResult struct {
	OrderCost    decimal.Decimal
	Quantity     int64
	NewPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Preview quotes the cost and resulting price of a buy without locking or
// mutating anything. The quote can be stale by the time the trade runs;
// the trade recomputes everything under locks.
func (e *Engine) Preview(ctx context.Context, p TradeParams) (*PreviewResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	market, err := e.store.GetMarket(ctx, p.MarketID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	if market.Resolved {
		return nil, ErrMarketSettled
	}
	if p.IsVisible != nil && !p.IsVisible(market.Name, p.Username) {
		return nil, ErrAccessDenied
	}

	amm, err := e.store.GetAMM(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}

	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil, err
	}

	qYes, qNo := amm.QYes.Neg(), amm.QNo.Neg()

	qty := p.Quantity
	if p.Budget.GreaterThan(decimal.Zero) {
		qty, err = mm.MaxQuantityForBudget(qYes, qNo, p.Side, p.Budget, lmsr.ModeBuy)
		if err != nil {
			return nil, err
		}
	}
	qd := decimal.NewFromInt(qty)

	cost, err := mm.TradeCost(qYes, qNo, qd, p.Side)
	if err != nil {
		return nil, err
	}

	afterYes, afterNo := qYes, qNo
	if p.Side == lmsr.Yes {
		afterYes = qYes.Add(qd)
	} else {
		afterNo = qNo.Add(qd)
	}

	return &PreviewResult{
		OrderCost:    cost,
		Quantity:     qty,
		NewPrice:     mm.Price(p.Side, afterYes, afterNo),
		CurrentPrice: mm.Price(p.Side, qYes, qNo),
	}, nil
}

// UserSnapshot is a user's balance plus raw positions.
type UserSnapshot struct {
	User      *model.User
	Positions []model.PositionDetail
}

// SnapshotUser returns the user's balance and positions. Read-only.
func (e *Engine) SnapshotUser(ctx context.Context, username string) (*UserSnapshot, error) {
	user, err := e.store.GetUserByUsername(ctx, username)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	positions, err := e.store.ListUserPositions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &UserSnapshot{User: user, Positions: positions}, nil
}

// Holding is one priced portfolio line.
type Holding struct {
	MarketID   int64
	MarketName string
	QYes       decimal.Decimal
	QNo        decimal.Decimal
	PriceYes   decimal.Decimal
	PriceNo    decimal.Decimal
	Value      decimal.Decimal // qYes·priceYes + qNo·priceNo
	Resolved   bool
}

// Portfolio is a user's holdings marked to current AMM prices.
type Portfolio struct {
	User       *model.User
	Holdings   []Holding
	TotalValue decimal.Decimal // balance + sum of holding values
}

// SnapshotPortfolio prices a user's open positions at the current AMM
// state. Empty positions are skipped.
func (e *Engine) SnapshotPortfolio(ctx context.Context, username string) (*Portfolio, error) {
	snap, err := e.SnapshotUser(ctx, username)
	if err != nil {
		return nil, err
	}

	pf := &Portfolio{User: snap.User, TotalValue: snap.User.Points}
	for _, pd := range snap.Positions {
		if pd.QYes.LessThanOrEqual(decimal.Zero) && pd.QNo.LessThanOrEqual(decimal.Zero) {
			continue
		}
		mm, err := lmsr.NewMarketMaker(pd.B)
		if err != nil {
			return nil, err
		}
		priceYes := mm.YesPrice(pd.AMMQYes.Neg(), pd.AMMQNo.Neg())
		priceNo := decimal.NewFromInt(1).Sub(priceYes)
		value := pd.QYes.Mul(priceYes).Add(pd.QNo.Mul(priceNo))

		pf.Holdings = append(pf.Holdings, Holding{
			MarketID:   pd.MarketID,
			MarketName: pd.MarketName,
			QYes:       pd.QYes,
			QNo:        pd.QNo,
			PriceYes:   priceYes,
			PriceNo:    priceNo,
			Value:      value,
			Resolved:   pd.Resolved,
		})
		pf.TotalValue = pf.TotalValue.Add(value)
	}
	return pf, nil
}

// MarketView is a market row with its current YES price.
type MarketView struct {
	Market   model.Market
	PriceYes decimal.Decimal
}

// ListMarkets returns open markets visible to the user, with current
// prices. A nil visibility predicate admits every market.
func (e *Engine) ListMarkets(ctx context.Context, username string, vis Visibility) ([]MarketView, error) {
	markets, err := e.store.ListOpenMarkets(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		if vis != nil && !vis(m.Name, username) {
			continue
		}
		amm, err := e.store.GetAMM(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		mm, err := lmsr.NewMarketMaker(m.B)
		if err != nil {
			return nil, err
		}
		views = append(views, MarketView{
			Market:   m,
			PriceYes: mm.YesPrice(amm.QYes.Neg(), amm.QNo.Neg()),
		})
	}
	return views, nil
}

// MarketHistory returns a market's ledger rows in timestamp order. Rows
// attributed to the reserved counterparty accounts are filtered out unless
// includeSystem is set.
func (e *Engine) MarketHistory(ctx context.Context, marketID int64, includeSystem bool) ([]model.LedgerEntry, error) {
	entries, err := e.store.ListLedgerByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if includeSystem || len(entries) == 0 {
		return entries, nil
	}

	system := make(map[int64]bool, 2)
	for _, name := range []string{ledger.SystemAMMUsername, ledger.SystemCHUsername} {
		u, err := e.store.GetUserByUsername(ctx, name)
		if err == nil {
			system[u.ID] = true
		} else if err != store.ErrNotFound {
			return nil, err
		}
	}

	filtered := entries[:0]
	for _, en := range entries {
		if system[en.UserID] {
			continue
		}
		filtered = append(filtered, en)
	}
	return filtered, nil
}
