package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pointex/exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: market lookups and the open-market list.
// Transactions pass through to the primary; market rows touched inside a
// committed transaction are invalidated afterwards, so the cache is only
// ever advisory and reconverges on the next read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// WithTx delegates to the primary and invalidates the markets touched by
// the transaction once it commits.
func (s *CachedStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ct := &cachedTx{}
	err := s.primary.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		ct.Tx = tx
		return fn(ctx, ct)
	})
	if err != nil {
		return err
	}
	if len(ct.touched) > 0 {
		keys := []string{openMarketsKey}
		for id := range ct.touched {
			keys = append(keys, marketKey(id))
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// cachedTx records which markets a transaction writes.
type cachedTx struct {
	Tx
	touched map[int64]struct{}
}

func (t *cachedTx) touch(marketID int64) {
	if t.touched == nil {
		t.touched = make(map[int64]struct{})
	}
	t.touched[marketID] = struct{}{}
}

func (t *cachedTx) CreateMarket(ctx context.Context, m *model.Market) error {
	err := t.Tx.CreateMarket(ctx, m)
	if err == nil {
		t.touch(m.ID)
	}
	return err
}

func (t *cachedTx) SaveMarket(ctx context.Context, m *model.Market) error {
	t.touch(m.ID)
	return t.Tx.SaveMarket(ctx, m)
}

func (t *cachedTx) SaveAMM(ctx context.Context, a *model.AMM) error {
	t.touch(a.MarketID)
	return t.Tx.SaveAMM(ctx, a)
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	data, err := s.rdb.Get(ctx, openMarketsKey).Bytes()
	if err == nil {
		var markets []model.Market
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	}

	markets, err := s.primary.ListOpenMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(markets); err == nil {
		s.rdb.Set(ctx, openMarketsKey, data, s.ttl)
	}
	return markets, nil
}

// --- Passthrough (not cached: per-user or locked reads) ---

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) GetMarketByName(ctx context.Context, name string) (*model.Market, error) {
	return s.primary.GetMarketByName(ctx, name)
}

func (s *CachedStore) GetAMM(ctx context.Context, marketID int64) (*model.AMM, error) {
	return s.primary.GetAMM(ctx, marketID)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID int64) ([]model.PositionDetail, error) {
	return s.primary.ListUserPositions(ctx, userID)
}

func (s *CachedStore) ListLedgerByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

const openMarketsKey = "markets:open"

func marketKey(id int64) string { return fmt.Sprintf("market:%d", id) }
