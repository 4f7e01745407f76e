// Package engine executes trades against the LMSR market maker.
//
// Every operation runs in a single store transaction with row locks
// acquired in a fixed order — user, market bundle (market + AMM + clearing
// house in one statement), position — so concurrent trades serialize on the
// rows they share and any error rolls the database back to its pre-call
// state. The engine holds no mutable state of its own.
//
// Conservation invariant: across any committed trade,
// Δsum(user points) + Δsum(AMM reserves) + Δsum(clearing-house collateral) = 0.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/ledger"
	"github.com/pointex/exchange/internal/lmsr"
	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

// Visibility is the injected per-call predicate deciding whether a user may
// see and trade a market. A nil predicate admits everyone.
type Visibility func(marketName, username string) bool

// collateralEps is the tolerance on the collateral-surplus check; a surplus
// beyond it means a pre-existing invariant break.
var collateralEps = decimal.New(1, -9) // 1e-9

// Engine is the trade engine. Safe for concurrent use; all synchronization
// is delegated to the store's row locks.
type Engine struct {
	store  store.Store
	ledger *ledger.Writer
	log    *slog.Logger

	initialUserPoints decimal.Decimal
	initialAMMPoints  decimal.Decimal
	defaultB          decimal.Decimal

	now func() time.Time
}

// Options configures engine defaults. Zero values fall back to the
// standard play-money parameters.
type Options struct {
	InitialUserPoints decimal.Decimal // default 1000
	InitialAMMPoints  decimal.Decimal // default 10000
	DefaultB          decimal.Decimal // default 20
	Logger            *slog.Logger
}

// New creates an engine over the given store and ledger writer.
func New(st store.Store, lw *ledger.Writer, opts Options) *Engine {
	e := &Engine{
		store:             st,
		ledger:            lw,
		log:               opts.Logger,
		initialUserPoints: opts.InitialUserPoints,
		initialAMMPoints:  opts.InitialAMMPoints,
		defaultB:          opts.DefaultB,
		now:               time.Now,
	}
	if e.ledger == nil {
		e.ledger = ledger.NewWriter(ledger.ModeOff)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.initialUserPoints.LessThanOrEqual(decimal.Zero) {
		e.initialUserPoints = decimal.NewFromInt(1000)
	}
	if e.initialAMMPoints.LessThanOrEqual(decimal.Zero) {
		e.initialAMMPoints = decimal.NewFromInt(10000)
	}
	if e.defaultB.LessThanOrEqual(decimal.Zero) {
		e.defaultB = decimal.NewFromInt(20)
	}
	return e
}

// TradeParams describes one buy or sell. Exactly one of Quantity (whole
// contracts) or Budget (points to spend / to receive) must be positive;
// when both are set the budget wins, matching the historical behavior.
type TradeParams struct {
	Username  string
	MarketID  int64
	Side      lmsr.Side
	Quantity  int64
	Budget    decimal.Decimal
	IsVisible Visibility
}

func (p TradeParams) validate() error {
	if !p.Side.Valid() {
		return ErrInvalidSide
	}
	if p.Quantity <= 0 && p.Budget.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidArgument
	}
	return nil
}

// TradeResult is the post-trade snapshot returned to the caller.
// NewPrice is the price of the traded side after the trade.
type TradeResult struct {
	NewBalance decimal.Decimal
	NewPrice   decimal.Decimal
	Quantity   int64
	OrderCost  decimal.Decimal
}

// Buy purchases contracts from the AMM. Unknown users are provisioned on
// first trade with the initial balance.
func (e *Engine) Buy(ctx context.Context, p TradeParams) (*TradeResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var res *TradeResult
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := e.lockOrCreateUser(ctx, tx, p.Username)
		if err != nil {
			return err
		}

		market, amm, ch, err := e.lockMarketBundle(ctx, tx, p.MarketID, p.Username, p.IsVisible)
		if err != nil {
			return err
		}

		pos, err := lockOrCreatePosition(ctx, tx, user.ID, p.MarketID)
		if err != nil {
			return err
		}

		mm, err := lmsr.NewMarketMaker(market.B)
		if err != nil {
			return fmt.Errorf("market %d: %w", market.ID, err)
		}

		qYes, qNo := amm.QYes.Neg(), amm.QNo.Neg()

		qty := p.Quantity
		if p.Budget.GreaterThan(decimal.Zero) {
			qty, err = mm.MaxQuantityForBudget(qYes, qNo, p.Side, p.Budget, lmsr.ModeBuy)
			if err != nil {
				return err
			}
		}
		qd := decimal.NewFromInt(qty)

		cost, err := mm.TradeCost(qYes, qNo, qd, p.Side)
		if err != nil {
			return err
		}
		if user.Points.LessThan(cost) {
			return ErrInsufficientFunds
		}

		user.Points = user.Points.Sub(cost)
		amm.Points = amm.Points.Add(cost)
		market.AMMPoints = amm.Points

		if p.Side == lmsr.Yes {
			pos.QYes = pos.QYes.Add(qd)
			amm.QYes = amm.QYes.Sub(qd)
		} else {
			pos.QNo = pos.QNo.Add(qd)
			amm.QNo = amm.QNo.Sub(qd)
		}

		moved, err := reconcileCollateralBuy(market, amm, ch)
		if err != nil {
			return err
		}

		if err := e.ledger.Record(ctx, tx, ledger.Trade{
			MarketID:        market.ID,
			UserID:          user.ID,
			Buy:             true,
			Cost:            cost,
			Side:            string(p.Side),
			Quantity:        qty,
			CollateralMoved: moved,
			Timestamp:       e.now().UTC(),
		}); err != nil {
			return err
		}

		if err := saveTradeState(ctx, tx, user, market, amm, ch, pos); err != nil {
			return err
		}

		res = &TradeResult{
			NewBalance: user.Points,
			NewPrice:   mm.Price(p.Side, amm.QYes.Neg(), amm.QNo.Neg()),
			Quantity:   qty,
			OrderCost:  cost,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("trade executed",
		"op", "buy",
		"user", p.Username,
		"market", p.MarketID,
		"side", p.Side,
		"qty", res.Quantity,
		"cost", res.OrderCost.String(),
		"new_price", res.NewPrice.String(),
	)
	return res, nil
}

// Sell returns contracts to the AMM for the LMSR payout. The user and a
// position must already exist; budget-driven sells clamp the inverted
// quantity to the whole contracts actually held.
func (e *Engine) Sell(ctx context.Context, p TradeParams) (*TradeResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var res *TradeResult
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, p.Username)
		if err != nil {
			if err == store.ErrNotFound {
				return ErrUserNotFound
			}
			return err
		}

		market, amm, ch, err := e.lockMarketBundle(ctx, tx, p.MarketID, p.Username, p.IsVisible)
		if err != nil {
			return err
		}

		pos, err := tx.GetPositionForUpdate(ctx, user.ID, p.MarketID)
		if err != nil {
			if err == store.ErrNotFound {
				return ErrPositionNotFound
			}
			return err
		}

		mm, err := lmsr.NewMarketMaker(market.B)
		if err != nil {
			return fmt.Errorf("market %d: %w", market.ID, err)
		}

		qYes, qNo := amm.QYes.Neg(), amm.QNo.Neg()

		held := pos.QYes
		if p.Side == lmsr.No {
			held = pos.QNo
		}

		qty := p.Quantity
		if p.Budget.GreaterThan(decimal.Zero) {
			qty, err = mm.MaxQuantityForBudget(qYes, qNo, p.Side, p.Budget, lmsr.ModeSell)
			if err != nil {
				return err
			}
			if available := held.IntPart(); qty > available {
				qty = available
			}
		}
		if qty <= 0 {
			return ErrInvalidArgument
		}
		qd := decimal.NewFromInt(qty)

		if held.LessThan(qd) {
			return ErrInsufficientHoldings
		}

		cost, err := mm.TradeCost(qYes, qNo, qd.Neg(), p.Side)
		if err != nil {
			return err
		}
		payout := cost.Neg()
		if amm.Points.LessThan(payout) {
			return ErrAMMInsolvent
		}

		user.Points = user.Points.Add(payout)
		amm.Points = amm.Points.Sub(payout)
		market.AMMPoints = amm.Points

		if p.Side == lmsr.Yes {
			pos.QYes = pos.QYes.Sub(qd)
			amm.QYes = amm.QYes.Add(qd)
		} else {
			pos.QNo = pos.QNo.Sub(qd)
			amm.QNo = amm.QNo.Add(qd)
		}

		released, err := reconcileCollateralSell(market, amm, ch)
		if err != nil {
			return err
		}

		if err := e.ledger.Record(ctx, tx, ledger.Trade{
			MarketID:        market.ID,
			UserID:          user.ID,
			Buy:             false,
			Cost:            payout,
			Side:            string(p.Side),
			Quantity:        qty,
			CollateralMoved: released,
			Timestamp:       e.now().UTC(),
		}); err != nil {
			return err
		}

		if err := saveTradeState(ctx, tx, user, market, amm, ch, pos); err != nil {
			return err
		}

		res = &TradeResult{
			NewBalance: user.Points,
			NewPrice:   mm.Price(p.Side, amm.QYes.Neg(), amm.QNo.Neg()),
			Quantity:   qty,
			OrderCost:  payout,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("trade executed",
		"op", "sell",
		"user", p.Username,
		"market", p.MarketID,
		"side", p.Side,
		"qty", res.Quantity,
		"payout", res.OrderCost.String(),
		"new_price", res.NewPrice.String(),
	)
	return res, nil
}

// lockMarketBundle locks the market, AMM, and clearing-house rows, then
// applies the settled and visibility checks shared by every trade path.
func (e *Engine) lockMarketBundle(ctx context.Context, tx store.Tx, marketID int64, username string, vis Visibility) (*model.Market, *model.AMM, *model.ClearingHouse, error) {
	market, amm, ch, err := tx.MarketBundleForUpdate(ctx, marketID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, nil, ErrMarketNotFound
		}
		return nil, nil, nil, err
	}
	if market.Resolved {
		return nil, nil, nil, ErrMarketSettled
	}
	if vis != nil && !vis(market.Name, username) {
		return nil, nil, nil, ErrAccessDenied
	}
	return market, amm, ch, nil
}

func (e *Engine) lockOrCreateUser(ctx context.Context, tx store.Tx, username string) (*model.User, error) {
	user, err := tx.GetUserForUpdate(ctx, username)
	if err == nil {
		return user, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return tx.CreateUser(ctx, username, e.initialUserPoints)
}

func lockOrCreatePosition(ctx context.Context, tx store.Tx, userID, marketID int64) (*model.Position, error) {
	pos, err := tx.GetPositionForUpdate(ctx, userID, marketID)
	if err == nil {
		return pos, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	pos = &model.Position{
		MarketID: marketID,
		UserID:   userID,
		QYes:     decimal.Zero,
		QNo:      decimal.Zero,
	}
	if err := tx.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// outstanding returns the user-held contracts on each side under the
// signed-inventory convention: max(0, -amm.QSide).
func outstanding(amm *model.AMM) (yes, no decimal.Decimal) {
	yes = decimal.Max(decimal.Zero, amm.QYes.Neg())
	no = decimal.Max(decimal.Zero, amm.QNo.Neg())
	return yes, no
}

// reconcileCollateralBuy tops the clearing house up to the required
// collateral (max outstanding on either side) out of the AMM reserve.
// Returns the amount moved AMM→CH.
func reconcileCollateralBuy(market *model.Market, amm *model.AMM, ch *model.ClearingHouse) (decimal.Decimal, error) {
	yes, no := outstanding(amm)
	required := decimal.Max(yes, no)

	delta := required.Sub(ch.Points)
	switch {
	case delta.GreaterThan(decimal.Zero):
		if amm.Points.LessThan(delta) {
			return decimal.Zero, ErrCollateralShortfall
		}
		amm.Points = amm.Points.Sub(delta)
		market.AMMPoints = amm.Points
		ch.Points = ch.Points.Add(delta)
		return delta, nil
	case delta.LessThan(collateralEps.Neg()):
		return decimal.Zero, ErrConsistency
	default:
		return decimal.Zero, nil
	}
}

// reconcileCollateralSell releases surplus collateral back to the AMM
// reserve. Returns the amount moved CH→AMM.
func reconcileCollateralSell(market *model.Market, amm *model.AMM, ch *model.ClearingHouse) (decimal.Decimal, error) {
	yes, no := outstanding(amm)
	required := decimal.Max(yes, no)

	delta := ch.Points.Sub(required)
	switch {
	case delta.GreaterThan(decimal.Zero):
		ch.Points = ch.Points.Sub(delta)
		amm.Points = amm.Points.Add(delta)
		market.AMMPoints = amm.Points
		return delta, nil
	case delta.LessThan(collateralEps.Neg()):
		return decimal.Zero, ErrConsistency
	default:
		return decimal.Zero, nil
	}
}

func saveTradeState(ctx context.Context, tx store.Tx, user *model.User, market *model.Market, amm *model.AMM, ch *model.ClearingHouse, pos *model.Position) error {
	if err := tx.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := tx.SaveMarket(ctx, market); err != nil {
		return err
	}
	if err := tx.SaveAMM(ctx, amm); err != nil {
		return err
	}
	if err := tx.SaveClearingHouse(ctx, ch); err != nil {
		return err
	}
	return tx.SavePosition(ctx, pos)
}
