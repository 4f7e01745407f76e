package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Transactions take a store-wide lock and keep a
// snapshot for rollback, so concurrent callers serialize the same way
// row locks serialize them against PostgreSQL.
type MemoryStore struct {
	mu sync.Mutex

	nextID        int64
	users         map[int64]*model.User
	usersByName   map[string]int64
	markets       map[int64]*model.Market
	marketsByName map[string]int64
	amms          map[int64]*model.AMM           // keyed by market ID
	clearing      map[int64]*model.ClearingHouse // keyed by market ID
	positions     map[posKey]*model.Position
	ledger        []model.LedgerEntry
}

type posKey struct {
	userID   int64
	marketID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*model.User),
		usersByName:   make(map[string]int64),
		markets:       make(map[int64]*model.Market),
		marketsByName: make(map[string]int64),
		amms:          make(map[int64]*model.AMM),
		clearing:      make(map[int64]*model.ClearingHouse),
		positions:     make(map[posKey]*model.Position),
	}
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// snapshot captures the full state so a failed transaction can restore it.
type memSnapshot struct {
	nextID        int64
	users         map[int64]*model.User
	usersByName   map[string]int64
	markets       map[int64]*model.Market
	marketsByName map[string]int64
	amms          map[int64]*model.AMM
	clearing      map[int64]*model.ClearingHouse
	positions     map[posKey]*model.Position
	ledgerLen     int
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		nextID:        s.nextID,
		users:         make(map[int64]*model.User, len(s.users)),
		usersByName:   make(map[string]int64, len(s.usersByName)),
		markets:       make(map[int64]*model.Market, len(s.markets)),
		marketsByName: make(map[string]int64, len(s.marketsByName)),
		amms:          make(map[int64]*model.AMM, len(s.amms)),
		clearing:      make(map[int64]*model.ClearingHouse, len(s.clearing)),
		positions:     make(map[posKey]*model.Position, len(s.positions)),
		ledgerLen:     len(s.ledger),
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for k, v := range s.usersByName {
		snap.usersByName[k] = v
	}
	for id, m := range s.markets {
		cp := *m
		snap.markets[id] = &cp
	}
	for k, v := range s.marketsByName {
		snap.marketsByName[k] = v
	}
	for id, a := range s.amms {
		cp := *a
		snap.amms[id] = &cp
	}
	for id, c := range s.clearing {
		cp := *c
		snap.clearing[id] = &cp
	}
	for k, p := range s.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.nextID = snap.nextID
	s.users = snap.users
	s.usersByName = snap.usersByName
	s.markets = snap.markets
	s.marketsByName = snap.marketsByName
	s.amms = snap.amms
	s.clearing = snap.clearing
	s.positions = snap.positions
	s.ledger = s.ledger[:snap.ledgerLen]
}

// WithTx serializes the transaction under the store lock and rolls back
// every mutation if fn returns an error.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// --- Plain reads ---

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userByName(username)
}

func (s *MemoryStore) userByName(username string) (*model.User, error) {
	id, ok := s.usersByName[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByName(_ context.Context, name string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.marketsByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.markets[id]
	return &cp, nil
}

func (s *MemoryStore) GetAMM(_ context.Context, marketID int64) (*model.AMM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.amms[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListOpenMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if !m.Resolved {
			markets = append(markets, *m)
		}
	}
	sortMarketsByID(markets)
	return markets, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID int64) ([]model.PositionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var details []model.PositionDetail
	for key, p := range s.positions {
		if key.userID != userID {
			continue
		}
		m := s.markets[p.MarketID]
		a := s.amms[p.MarketID]
		if m == nil || a == nil {
			continue
		}
		details = append(details, model.PositionDetail{
			Position:   *p,
			MarketName: m.Name,
			B:          m.B,
			AMMQYes:    a.QYes,
			AMMQNo:     a.QNo,
			Resolved:   m.Resolved,
		})
	}
	sortDetailsByMarketID(details)
	return details, nil
}

func (s *MemoryStore) ListLedgerByMarket(_ context.Context, marketID int64) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Transaction ---

// memTx operates directly on the live maps; WithTx already holds the lock
// and restores the snapshot on error.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetUserForUpdate(_ context.Context, username string) (*model.User, error) {
	id, ok := t.s.usersByName[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.s.users[id]
	return &cp, nil
}

func (t *memTx) GetUserByIDForUpdate(_ context.Context, id int64) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) CreateUser(_ context.Context, username string, points decimal.Decimal) (*model.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrDuplicate
	}
	if id, ok := t.s.usersByName[username]; ok {
		cp := *t.s.users[id]
		return &cp, nil
	}
	u := &model.User{ID: t.s.allocID(), Username: username, Points: points}
	t.s.users[u.ID] = u
	t.s.usersByName[username] = u.ID
	cp := *u
	return &cp, nil
}

func (t *memTx) SaveUser(_ context.Context, u *model.User) error {
	if _, ok := t.s.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	t.s.users[u.ID] = &cp
	return nil
}

func (t *memTx) GetMarketByName(_ context.Context, name string) (*model.Market, error) {
	id, ok := t.s.marketsByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.s.markets[id]
	return &cp, nil
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.s.marketsByName[m.Name]; ok {
		return ErrDuplicate
	}
	m.ID = t.s.allocID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	t.s.markets[m.ID] = &cp
	t.s.marketsByName[m.Name] = m.ID
	return nil
}

func (t *memTx) SaveMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.s.markets[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	t.s.markets[m.ID] = &cp
	return nil
}

func (t *memTx) MarketBundleForUpdate(_ context.Context, marketID int64) (*model.Market, *model.AMM, *model.ClearingHouse, error) {
	m, ok := t.s.markets[marketID]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	a, ok := t.s.amms[marketID]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	c, ok := t.s.clearing[marketID]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	mc, ac, cc := *m, *a, *c
	return &mc, &ac, &cc, nil
}

func (t *memTx) CreateAMM(_ context.Context, a *model.AMM) error {
	if _, ok := t.s.amms[a.MarketID]; ok {
		return ErrDuplicate
	}
	a.ID = t.s.allocID()
	cp := *a
	t.s.amms[a.MarketID] = &cp
	return nil
}

func (t *memTx) SaveAMM(_ context.Context, a *model.AMM) error {
	if _, ok := t.s.amms[a.MarketID]; !ok {
		return ErrNotFound
	}
	cp := *a
	t.s.amms[a.MarketID] = &cp
	return nil
}

func (t *memTx) CreateClearingHouse(_ context.Context, c *model.ClearingHouse) error {
	if _, ok := t.s.clearing[c.MarketID]; ok {
		return ErrDuplicate
	}
	c.ID = t.s.allocID()
	cp := *c
	t.s.clearing[c.MarketID] = &cp
	return nil
}

func (t *memTx) SaveClearingHouse(_ context.Context, c *model.ClearingHouse) error {
	if _, ok := t.s.clearing[c.MarketID]; !ok {
		return ErrNotFound
	}
	cp := *c
	t.s.clearing[c.MarketID] = &cp
	return nil
}

func (t *memTx) GetPositionForUpdate(_ context.Context, userID, marketID int64) (*model.Position, error) {
	p, ok := t.s.positions[posKey{userID: userID, marketID: marketID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	key := posKey{userID: p.UserID, marketID: p.MarketID}
	if _, ok := t.s.positions[key]; ok {
		return ErrDuplicate
	}
	p.ID = t.s.allocID()
	cp := *p
	t.s.positions[key] = &cp
	return nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	key := posKey{userID: p.UserID, marketID: p.MarketID}
	if _, ok := t.s.positions[key]; !ok {
		return ErrNotFound
	}
	cp := *p
	t.s.positions[key] = &cp
	return nil
}

func (t *memTx) ListMarketPositions(_ context.Context, marketID int64) ([]model.Position, error) {
	var out []model.Position
	for _, p := range t.s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	sortPositionsByID(out)
	return out, nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.s.ledger = append(t.s.ledger, *e)
	return nil
}

// LedgerEntries returns a copy of every ledger row, for tests.
func (s *MemoryStore) LedgerEntries() []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

func sortMarketsByID(ms []model.Market) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

func sortDetailsByMarketID(ds []model.PositionDetail) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].MarketID < ds[j].MarketID })
}

func sortPositionsByID(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
