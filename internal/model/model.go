// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal — never float64 for money.
//
// Inventory sign convention: the AMM stores contract inventory as a signed
// counter that DECREASES when users buy. Buying q YES contracts means
// AMM.QYes -= q, so the quantity outstanding on a side is max(0, -AMM.QSide).
// The pricing kernel always receives (-AMM.QYes, -AMM.QNo).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User holds a scalar play-money balance. Usernames are unique.
// Usernames starting with "__system_" are reserved counterparty accounts
// and must never appear in end-user listings.
type User struct {
	ID       int64           `json:"id" db:"id"`
	Username string          `json:"username" db:"username"`
	Points   decimal.Decimal `json:"points" db:"points"`
}

// Market is a binary YES/NO prediction market. Names are unique.
// AMMPoints mirrors the AMM reserve for cheap listing queries.
// Resolved transitions false→true exactly once and is terminal.
type Market struct {
	ID        int64           `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	B         decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	AMMPoints decimal.Decimal `json:"amm_points" db:"amm_points"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Resolved  bool            `json:"resolved" db:"resolved"`
	Outcome   *bool           `json:"outcome,omitempty" db:"outcome"` // true = YES, set iff resolved
	SettledAt *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// AMM is the per-market automated market maker account: a point reserve
// plus the signed inventory counters (see package doc for the convention).
type AMM struct {
	ID       int64           `json:"id" db:"id"`
	MarketID int64           `json:"market_id" db:"market_id"`
	Points   decimal.Decimal `json:"points" db:"points"`
	QYes     decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo      decimal.Decimal `json:"q_no" db:"q_no"`
}

// ClearingHouse holds per-market collateral guaranteeing one point per
// winning contract at settlement. Invariant after every committed trade:
// Points = max(outstanding YES, outstanding NO, 0).
type ClearingHouse struct {
	ID       int64           `json:"id" db:"id"`
	MarketID int64           `json:"market_id" db:"market_id"`
	Points   decimal.Decimal `json:"points" db:"points"`
}

// Position is a (user, market) pair's holdings. Never negative.
type Position struct {
	ID       int64           `json:"id" db:"id"`
	MarketID int64           `json:"market_id" db:"market_id"`
	UserID   int64           `json:"user_id" db:"user_id"`
	QYes     decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo      decimal.Decimal `json:"q_no" db:"q_no"`
}

// LedgerEntry is an immutable audit record. Once written these are never
// modified or deleted. Amount is nil for clearing-house transfer rows.
type LedgerEntry struct {
	ID        string           `json:"id" db:"id"`
	MarketID  int64            `json:"market_id" db:"market_id"`
	UserID    int64            `json:"user_id" db:"user_id"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
	Reason    string           `json:"reason" db:"reason"`
	Delta     decimal.Decimal  `json:"delta" db:"delta"` // signed points movement
	Side      string           `json:"side" db:"side"`   // "yes", "no", or "N/A"
	Amount    *decimal.Decimal `json:"amount,omitempty" db:"amount"`
}

// PositionDetail joins a position with the market state needed to price it.
type PositionDetail struct {
	Position
	MarketName string          `json:"market_name"`
	B          decimal.Decimal `json:"b"`
	AMMQYes    decimal.Decimal `json:"amm_q_yes"`
	AMMQNo     decimal.Decimal `json:"amm_q_no"`
	Resolved   bool            `json:"resolved"`
}
