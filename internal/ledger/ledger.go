// Package ledger writes the optional append-only audit trail for trades.
//
// Three modes:
//
//	off   — no ledger writes
//	light — user trade rows only
//	full  — user rows plus system AMM / clearing-house counterparty rows
//
// In full mode the AMM and clearing house are attributed to two reserved
// zero-balance user rows. Their IDs are resolved lazily on the first write
// and memoized for the process lifetime; the rows are immutable once
// created, so the cache never goes stale.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

// Mode selects how much of the audit trail is emitted.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeLight Mode = "light"
	ModeFull  Mode = "full"
)

// ParseMode normalizes a mode string; anything unrecognized is off.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLight:
		return ModeLight
	case ModeFull:
		return ModeFull
	default:
		return ModeOff
	}
}

// Reserved counterparty usernames. Anything under SystemPrefix is filtered
// from end-user listings.
const (
	SystemPrefix      = "__system_"
	SystemAMMUsername = "__system_amm__"
	SystemCHUsername  = "__system_clearing_house__"
)

// Reason strings are preserved verbatim from the historical ledger format,
// including the deliberate inversion on counterparty rows: a user buy is
// recorded as the AMM selling, and vice versa.
const (
	ReasonTradeBuy      = "trade buy"
	ReasonTradeSell     = "trade sell"
	ReasonClearingHouse = "clearing house"
	sideNA              = "N/A"
)

// Writer emits ledger rows inside the caller's transaction.
type Writer struct {
	mode Mode

	mu       sync.Mutex
	ammID    int64
	chID     int64
	resolved bool
}

// NewWriter creates a ledger writer for the given mode.
func NewWriter(mode Mode) *Writer {
	return &Writer{mode: mode}
}

// Mode returns the configured emission mode.
func (w *Writer) Mode() Mode { return w.mode }

// Trade describes one committed trade for the audit trail.
type Trade struct {
	MarketID int64
	UserID   int64
	Buy      bool
	// Cost is the points the user paid (buy) or received (sell); always
	// positive.
	Cost     decimal.Decimal
	Side     string
	Quantity int64
	// CollateralMoved is the positive amount transferred between the AMM
	// reserve and the clearing house during reconciliation: AMM→CH on
	// buys, CH→AMM on sells. Zero when no transfer happened.
	CollateralMoved decimal.Decimal
	Timestamp       time.Time
}

// Record writes the rows for one trade according to the mode. Must be
// called inside the same transaction that mutated the balances so the
// rows roll back with a failed trade.
func (w *Writer) Record(ctx context.Context, tx store.Tx, t Trade) error {
	if w.mode == ModeOff {
		return nil
	}

	amount := decimal.NewFromInt(t.Quantity)
	userDelta := t.Cost.Neg()
	userReason := ReasonTradeBuy
	if !t.Buy {
		userDelta = t.Cost
		userReason = ReasonTradeSell
	}

	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  t.MarketID,
		UserID:    t.UserID,
		Timestamp: t.Timestamp,
		Reason:    userReason,
		Delta:     userDelta,
		Side:      t.Side,
		Amount:    &amount,
	}); err != nil {
		return err
	}

	if w.mode != ModeFull {
		return nil
	}

	ammID, chID, err := w.systemIDs(ctx, tx)
	if err != nil {
		return err
	}

	// Counterparty row mirrors the user row with inverted reason and delta.
	counterReason := ReasonTradeSell
	if !t.Buy {
		counterReason = ReasonTradeBuy
	}
	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  t.MarketID,
		UserID:    ammID,
		Timestamp: t.Timestamp,
		Reason:    counterReason,
		Delta:     userDelta.Neg(),
		Side:      t.Side,
		Amount:    &amount,
	}); err != nil {
		return err
	}

	if t.CollateralMoved.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	// Collateral transfer pair: the paying account first.
	from, to := ammID, chID
	if !t.Buy {
		from, to = chID, ammID
	}
	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  t.MarketID,
		UserID:    from,
		Timestamp: t.Timestamp,
		Reason:    ReasonClearingHouse,
		Delta:     t.CollateralMoved.Neg(),
		Side:      sideNA,
	}); err != nil {
		return err
	}
	return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  t.MarketID,
		UserID:    to,
		Timestamp: t.Timestamp,
		Reason:    ReasonClearingHouse,
		Delta:     t.CollateralMoved,
		Side:      sideNA,
	})
}

// systemIDs resolves and memoizes the reserved counterparty user IDs,
// creating the zero-balance rows on first use.
func (w *Writer) systemIDs(ctx context.Context, tx store.Tx) (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.resolved {
		return w.ammID, w.chID, nil
	}

	amm, ammCreated, err := getOrCreateSystemUser(ctx, tx, SystemAMMUsername)
	if err != nil {
		return 0, 0, err
	}
	ch, chCreated, err := getOrCreateSystemUser(ctx, tx, SystemCHUsername)
	if err != nil {
		return 0, 0, err
	}

	// Only memoize IDs of rows that already existed: rows created inside
	// this transaction would leave a stale cache if it rolls back. The
	// next trade re-resolves them after they have committed.
	if !ammCreated && !chCreated {
		w.ammID, w.chID = amm.ID, ch.ID
		w.resolved = true
	}
	return amm.ID, ch.ID, nil
}

func getOrCreateSystemUser(ctx context.Context, tx store.Tx, username string) (*model.User, bool, error) {
	u, err := tx.GetUserForUpdate(ctx, username)
	if err == nil {
		return u, false, nil
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}
	u, err = tx.CreateUser(ctx, username, decimal.Zero)
	return u, true, err
}

// IsSystemUsername reports whether a username is a reserved counterparty
// account that must be hidden from end-user listings.
func IsSystemUsername(username string) bool {
	return strings.HasPrefix(username, SystemPrefix)
}
