package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/lmsr"
	"github.com/pointex/exchange/internal/store"
)

// SettleResult summarizes a settlement.
type SettleResult struct {
	MarketName string
	Outcome    lmsr.Side
	TotalPaid  decimal.Decimal
	// RetainedReserve and RetainedCollateral stay on the market row after
	// payout; they are never redistributed.
	RetainedReserve    decimal.Decimal
	RetainedCollateral decimal.Decimal
}

// Settle resolves a market and pays every holder one point per winning
// contract. Irreversible; after it commits all trades on the market fail
// with ErrMarketSettled.
//
// Lock order here is market bundle → positions → users, which differs from
// the trade order (user first). The market row is locked before anything
// else, so once settlement holds it no trade on this market can be in
// flight; the orders never contend on the same rows.
func (e *Engine) Settle(ctx context.Context, marketID int64, outcome lmsr.Side) (*SettleResult, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidSide
	}

	var res *SettleResult
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		market, amm, ch, err := tx.MarketBundleForUpdate(ctx, marketID)
		if err != nil {
			if err == store.ErrNotFound {
				return ErrMarketNotFound
			}
			return err
		}
		if market.Resolved {
			return ErrMarketSettled
		}

		yes := outcome == lmsr.Yes
		now := e.now().UTC()
		market.Resolved = true
		market.Outcome = &yes
		market.SettledAt = &now
		if err := tx.SaveMarket(ctx, market); err != nil {
			return err
		}

		positions, err := tx.ListMarketPositions(ctx, marketID)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for i := range positions {
			pos := &positions[i]
			payout := pos.QYes
			if !yes {
				payout = pos.QNo
			}
			if payout.LessThanOrEqual(decimal.Zero) {
				continue
			}
			user, err := tx.GetUserByIDForUpdate(ctx, pos.UserID)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return err
			}
			user.Points = user.Points.Add(payout)
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
			total = total.Add(payout)
		}

		res = &SettleResult{
			MarketName:         market.Name,
			Outcome:            outcome,
			TotalPaid:          total,
			RetainedReserve:    amm.Points,
			RetainedCollateral: ch.Points,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("market settled",
		"market", marketID,
		"name", res.MarketName,
		"outcome", res.Outcome,
		"total_paid", res.TotalPaid.String(),
	)
	return res, nil
}
