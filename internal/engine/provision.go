package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

// GetOrCreateUser returns the user, creating it with the initial balance
// on first reference.
func (e *Engine) GetOrCreateUser(ctx context.Context, username string) (*model.User, error) {
	if u, err := e.store.GetUserByUsername(ctx, username); err == nil {
		return u, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	var user *model.User
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		user, err = e.lockOrCreateUser(ctx, tx, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateMarket creates a market and provisions its AMM (initial reserve,
// zero inventory) and clearing house (zero collateral) in one transaction.
// Idempotent on name: an existing market is returned unchanged. A
// non-positive b falls back to the default liquidity parameter.
func (e *Engine) CreateMarket(ctx context.Context, name string, b decimal.Decimal) (*model.Market, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		b = e.defaultB
	}

	var market *model.Market
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.GetMarketByName(ctx, name)
		if err == nil {
			market = existing
			return nil
		}
		if err != store.ErrNotFound {
			return err
		}

		market = &model.Market{
			Name:      name,
			B:         b,
			AMMPoints: e.initialAMMPoints,
			CreatedAt: e.now().UTC(),
		}
		if err := tx.CreateMarket(ctx, market); err != nil {
			return err
		}
		if err := tx.CreateAMM(ctx, &model.AMM{
			MarketID: market.ID,
			Points:   e.initialAMMPoints,
			QYes:     decimal.Zero,
			QNo:      decimal.Zero,
		}); err != nil {
			return err
		}
		return tx.CreateClearingHouse(ctx, &model.ClearingHouse{
			MarketID: market.ID,
			Points:   decimal.Zero,
		})
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// EnsureBalance tops a user's balance up to target when it has fallen
// below min. Used by the bot loop so simulated traders never run dry.
func (e *Engine) EnsureBalance(ctx context.Context, username string, min, target decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := e.lockOrCreateUser(ctx, tx, username)
		if err != nil {
			return err
		}
		if user.Points.LessThan(min) {
			user.Points = target
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
			e.log.Info("balance topped up", "user", username, "target", target.String())
		}
		balance = user.Points
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}
