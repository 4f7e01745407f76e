package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
)

func TestMemoryStore_WithTxCommit(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.CreateUser(ctx, "alice", decimal.NewFromInt(1000))
		return err
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	u, err := st.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("user not committed: %v", err)
	}
	if !u.Points.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected 1000 points, got %s", u.Points)
	}
}

func TestMemoryStore_WithTxRollback(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.CreateUser(ctx, "alice", decimal.NewFromInt(1000)); err != nil {
			return err
		}
		if err := tx.CreateMarket(ctx, &model.Market{Name: "m", B: decimal.NewFromInt(20)}); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := st.GetUserByUsername(ctx, "alice"); err != ErrNotFound {
		t.Error("user should have rolled back")
	}
	if _, err := st.GetMarketByName(ctx, "m"); err != ErrNotFound {
		t.Error("market should have rolled back")
	}
}

func TestMemoryStore_RollbackTruncatesLedger(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	entry := &model.LedgerEntry{ID: "x", MarketID: 1, UserID: 1, Delta: decimal.NewFromInt(-5), Reason: "trade buy", Side: "yes"}
	if err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertLedgerEntry(ctx, entry)
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_ = st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
		return boom
	})

	if n := len(st.LedgerEntries()); n != 1 {
		t.Errorf("expected 1 ledger row after rollback, got %d", n)
	}
}

func TestMemoryStore_CreateUserIdempotent(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var first, second *model.User
	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.CreateUser(ctx, "alice", decimal.NewFromInt(1000))
		if err != nil {
			return err
		}
		// Second create returns the existing row unchanged.
		second, err = tx.CreateUser(ctx, "alice", decimal.NewFromInt(5))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same user, got %d and %d", first.ID, second.ID)
	}
	if !second.Points.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("existing balance must be preserved, got %s", second.Points)
	}
}

func TestMemoryStore_DuplicateMarketName(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateMarket(ctx, &model.Market{Name: "m", B: decimal.NewFromInt(20)}); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, &model.Market{Name: "m", B: decimal.NewFromInt(20)})
	})
	if err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_MarketBundle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var marketID int64
	if err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		m := &model.Market{Name: "m", B: decimal.NewFromInt(20), AMMPoints: decimal.NewFromInt(10000)}
		if err := tx.CreateMarket(ctx, m); err != nil {
			return err
		}
		marketID = m.ID
		if err := tx.CreateAMM(ctx, &model.AMM{MarketID: m.ID, Points: decimal.NewFromInt(10000)}); err != nil {
			return err
		}
		return tx.CreateClearingHouse(ctx, &model.ClearingHouse{MarketID: m.ID})
	}); err != nil {
		t.Fatal(err)
	}

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		m, a, c, err := tx.MarketBundleForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if m.ID != marketID || a.MarketID != marketID || c.MarketID != marketID {
			t.Error("bundle rows belong to different markets")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, _, _, err := tx.MarketBundleForUpdate(ctx, 999)
		return err
	})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound for missing bundle, got %v", err)
	}
}

func TestMemoryStore_ListOpenMarketsExcludesResolved(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		open := &model.Market{Name: "open", B: decimal.NewFromInt(20)}
		if err := tx.CreateMarket(ctx, open); err != nil {
			return err
		}
		done := &model.Market{Name: "done", B: decimal.NewFromInt(20), Resolved: true}
		return tx.CreateMarket(ctx, done)
	}); err != nil {
		t.Fatal(err)
	}

	markets, err := st.ListOpenMarkets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].Name != "open" {
		t.Errorf("expected only the open market, got %d", len(markets))
	}
}

func TestMemoryStore_ListUserPositionsJoinsMarketState(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var userID, marketID int64
	if err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.CreateUser(ctx, "alice", decimal.NewFromInt(1000))
		if err != nil {
			return err
		}
		userID = u.ID

		m := &model.Market{Name: "m", B: decimal.NewFromInt(20)}
		if err := tx.CreateMarket(ctx, m); err != nil {
			return err
		}
		marketID = m.ID
		if err := tx.CreateAMM(ctx, &model.AMM{MarketID: m.ID, QYes: decimal.NewFromInt(-10)}); err != nil {
			return err
		}
		return tx.CreatePosition(ctx, &model.Position{
			UserID: u.ID, MarketID: m.ID, QYes: decimal.NewFromInt(10), QNo: decimal.Zero,
		})
	}); err != nil {
		t.Fatal(err)
	}

	details, err := st.ListUserPositions(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 1 {
		t.Fatalf("expected 1 position, got %d", len(details))
	}
	pd := details[0]
	if pd.MarketID != marketID || pd.MarketName != "m" {
		t.Error("position detail should join market info")
	}
	if !pd.AMMQYes.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("expected joined AMM inventory -10, got %s", pd.AMMQYes)
	}
	if !pd.B.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected joined b=20, got %s", pd.B)
	}
}
