// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth, row-level pessimistic
// locking), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the persistence interface. Engine mutations run inside WithTx;
// the plain read methods are for the HTTP boundary and take no locks.
type Store interface {
	// WithTx runs fn inside a single transaction. Any error rolls back
	// every mutation made through the Tx; nil commits them atomically.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetMarket(ctx context.Context, id int64) (*model.Market, error)
	GetMarketByName(ctx context.Context, name string) (*model.Market, error)
	GetAMM(ctx context.Context, marketID int64) (*model.AMM, error)
	ListOpenMarkets(ctx context.Context) ([]model.Market, error)

	// ListUserPositions joins positions with market and AMM state so the
	// caller can price holdings without further queries.
	ListUserPositions(ctx context.Context, userID int64) ([]model.PositionDetail, error)

	// ListLedgerByMarket returns the append-only trade records for a market
	// in timestamp order.
	ListLedgerByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error)
}

// Tx exposes the row-locked operations available inside a transaction.
// The ForUpdate reads acquire row locks held until commit or rollback.
// Lock order within a trade is fixed: user → market bundle → position.
type Tx interface {
	GetUserForUpdate(ctx context.Context, username string) (*model.User, error)
	GetUserByIDForUpdate(ctx context.Context, id int64) (*model.User, error)
	CreateUser(ctx context.Context, username string, points decimal.Decimal) (*model.User, error)
	SaveUser(ctx context.Context, u *model.User) error

	GetMarketByName(ctx context.Context, name string) (*model.Market, error)
	CreateMarket(ctx context.Context, m *model.Market) error
	SaveMarket(ctx context.Context, m *model.Market) error

	// MarketBundleForUpdate locks the market, its AMM, and its clearing
	// house in one statement, so concurrent trades on the same market
	// serialize here.
	MarketBundleForUpdate(ctx context.Context, marketID int64) (*model.Market, *model.AMM, *model.ClearingHouse, error)

	CreateAMM(ctx context.Context, a *model.AMM) error
	SaveAMM(ctx context.Context, a *model.AMM) error
	CreateClearingHouse(ctx context.Context, c *model.ClearingHouse) error
	SaveClearingHouse(ctx context.Context, c *model.ClearingHouse) error

	GetPositionForUpdate(ctx context.Context, userID, marketID int64) (*model.Position, error)
	CreatePosition(ctx context.Context, p *model.Position) error
	SavePosition(ctx context.Context, p *model.Position) error
	ListMarketPositions(ctx context.Context, marketID int64) ([]model.Position, error)

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}
