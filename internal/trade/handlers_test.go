package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/access"
	"github.com/pointex/exchange/internal/engine"
	"github.com/pointex/exchange/internal/ledger"
	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

type testServer struct {
	router *chi.Mux
	store  *store.MemoryStore
	engine *engine.Engine
}

func newTestServer(t *testing.T, opts ...func(*Handler)) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	eng := engine.New(st, ledger.NewWriter(ledger.ModeOff), engine.Options{})

	h := NewHandler(eng, st, access.NewAllowList(nil), access.NewVisibility(nil), access.NewCooldown(0), nil, nil)
	for _, o := range opts {
		o(h)
	}

	r := chi.NewRouter()
	h.Register(r)
	return &testServer{router: r, store: st, engine: eng}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createMarket(t *testing.T, name string) *model.Market {
	t.Helper()
	m, err := ts.engine.CreateMarket(context.Background(), name, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// --- Users ---

func TestCreateUser(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/users", CreateUserRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[struct {
		Username string          `json:"username"`
		Points   decimal.Decimal `json:"points"`
	}](t, w)
	if resp.Username != "alice" || !resp.Points.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected alice with 1000 points, got %+v", resp)
	}
}

func TestCreateUser_MissingUsername(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/users", CreateUserRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAllowList_Enforced(t *testing.T) {
	ts := newTestServer(t, func(h *Handler) {
		h.allow = access.NewAllowList([]string{"alice"})
	})

	if w := ts.do(t, http.MethodPost, "/users", CreateUserRequest{Username: "alice"}); w.Code != http.StatusCreated {
		t.Errorf("alice should pass, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/users", CreateUserRequest{Username: "mallory"}); w.Code != http.StatusForbidden {
		t.Errorf("mallory should be rejected with 403, got %d", w.Code)
	}
}

func TestGetUser_WithPositions(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	buy := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 10,
	})
	if buy.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", buy.Code, buy.Body.String())
	}

	w := ts.do(t, http.MethodGet, "/users/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[UserResponse](t, w)
	if len(resp.Positions) != 1 || !resp.Positions[0].QYes.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected one position with 10 YES, got %+v", resp.Positions)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/users/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Markets ---

func TestCreateAndListMarkets(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/markets", CreateMarketRequest{Name: "rain-tomorrow"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[MarketResponse](t, w)
	if !created.PriceYes.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("fresh market should price at 0.5, got %s", created.PriceYes)
	}

	w = ts.do(t, http.MethodGet, "/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	list := decode[[]MarketResponse](t, w)
	if len(list) != 1 || list[0].Name != "rain-tomorrow" {
		t.Errorf("expected the created market, got %+v", list)
	}
}

func TestCreateMarket_RepostReturnsCurrentPrice(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	if w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 10,
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	// Creation is idempotent on name; the response must reflect the
	// traded market's price, not a fresh 0.5.
	w := ts.do(t, http.MethodPost, "/markets", CreateMarketRequest{Name: "m1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[MarketResponse](t, w)
	if resp.ID != m.ID {
		t.Errorf("expected existing market %d, got %d", m.ID, resp.ID)
	}
	if !resp.PriceYes.Equal(decimal.NewFromFloat(0.6225)) {
		t.Errorf("expected price 0.6225 after trading, got %s", resp.PriceYes)
	}
}

func TestCreateMarket_MissingName(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/markets", CreateMarketRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListMarkets_VisibilityFilter(t *testing.T) {
	ts := newTestServer(t, func(h *Handler) {
		h.vis = access.NewVisibility(map[string][]string{"alice": {"secret-"}})
	})
	ts.createMarket(t, "public")
	ts.createMarket(t, "secret-vault")

	list := decode[[]MarketResponse](t, ts.do(t, http.MethodGet, "/markets?username=alice", nil))
	if len(list) != 1 || list[0].Name != "public" {
		t.Errorf("alice should only see public, got %+v", list)
	}

	list = decode[[]MarketResponse](t, ts.do(t, http.MethodGet, "/markets?username=bob", nil))
	if len(list) != 2 {
		t.Errorf("bob should see both markets, got %d", len(list))
	}
}

// --- Trading ---

func TestBuy_HappyPath(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[TradeResponse](t, w)
	if resp.Quantity != 10 {
		t.Errorf("expected quantity 10, got %d", resp.Quantity)
	}
	// Boundary rounding: money 2dp, price 4dp.
	if !resp.OrderCost.Equal(decimal.NewFromFloat(5.62)) {
		t.Errorf("expected order cost 5.62, got %s", resp.OrderCost)
	}
	if !resp.NewPrice.Equal(decimal.NewFromFloat(0.6225)) {
		t.Errorf("expected new price 0.6225, got %s", resp.NewPrice)
	}
	if !resp.NewBalance.Equal(decimal.NewFromFloat(994.38)) {
		t.Errorf("expected balance 994.38, got %s", resp.NewBalance)
	}
}

func TestBuy_InvalidInputs(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	cases := []struct {
		name string
		path string
		body TradeRequest
		want int
	}{
		{"bad side", fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{Username: "a", Side: "maybe", Quantity: 1}, http.StatusBadRequest},
		{"no quantity or budget", fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{Username: "a", Side: "yes"}, http.StatusBadRequest},
		{"missing username", fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{Side: "yes", Quantity: 1}, http.StatusBadRequest},
		{"unknown market", "/markets/999/buy", TradeRequest{Username: "a", Side: "yes", Quantity: 1}, http.StatusNotFound},
		{"bad market id", "/markets/abc/buy", TradeRequest{Username: "a", Side: "yes", Quantity: 1}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := ts.do(t, http.MethodPost, tc.path, tc.body); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d (%s)", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestSell_WithoutPosition(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	ts.do(t, http.MethodPost, "/users", CreateUserRequest{Username: "alice"})
	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/sell", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 1,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTrade_CooldownReturns429(t *testing.T) {
	ts := newTestServer(t, func(h *Handler) {
		h.cooldown = access.NewCooldown(3 * time.Second)
	})
	m := ts.createMarket(t, "m1")
	path := fmt.Sprintf("/markets/%d/buy", m.ID)

	if w := ts.do(t, http.MethodPost, path, TradeRequest{Username: "alice", Side: "yes", Quantity: 1}); w.Code != http.StatusOK {
		t.Fatalf("first trade should pass, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, path, TradeRequest{Username: "alice", Side: "yes", Quantity: 1}); w.Code != http.StatusTooManyRequests {
		t.Errorf("second trade inside window should 429, got %d", w.Code)
	}
	// Another user is not throttled.
	if w := ts.do(t, http.MethodPost, path, TradeRequest{Username: "bob", Side: "no", Quantity: 1}); w.Code != http.StatusOK {
		t.Errorf("other user should pass, got %d", w.Code)
	}
}

func TestBuy_HiddenMarketIsForbidden(t *testing.T) {
	ts := newTestServer(t, func(h *Handler) {
		h.vis = access.NewVisibility(map[string][]string{"alice": {"secret-"}})
	})
	m := ts.createMarket(t, "secret-vault")

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 1,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for hidden market, got %d", w.Code)
	}
}

// --- Preview ---

func TestPreview(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/preview", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[PreviewResponse](t, w)
	if !resp.CurrentPrice.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected current price 0.5, got %s", resp.CurrentPrice)
	}
	if !resp.OrderCost.Equal(decimal.NewFromFloat(5.62)) {
		t.Errorf("expected order cost 5.62, got %s", resp.OrderCost)
	}

	// Preview provisions nothing.
	if w := ts.do(t, http.MethodGet, "/users/alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("preview must not create the user, got %d", w.Code)
	}
}

// --- Settlement ---

func TestSettle_EndToEnd(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")
	buyPath := fmt.Sprintf("/markets/%d/buy", m.ID)

	if w := ts.do(t, http.MethodPost, buyPath, TradeRequest{Username: "alice", Side: "yes", Quantity: 5}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/settle", m.ID), SettleRequest{Outcome: "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("settle failed: %d %s", w.Code, w.Body.String())
	}
	resp := decode[SettleResponse](t, w)
	if resp.MarketName != "m1" || resp.Outcome != "yes" {
		t.Errorf("unexpected settle response %+v", resp)
	}
	if !resp.TotalPaid.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected total paid 5, got %s", resp.TotalPaid)
	}

	// Frozen afterwards.
	if w := ts.do(t, http.MethodPost, buyPath, TradeRequest{Username: "alice", Side: "yes", Quantity: 1}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on settled market, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/settle", m.ID), SettleRequest{Outcome: "no"}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double settle, got %d", w.Code)
	}
}

func TestSettle_InvalidOutcome(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")
	w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/settle", m.ID), SettleRequest{Outcome: "maybe"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Market detail ---

func TestGetMarket(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	w := ts.do(t, http.MethodGet, fmt.Sprintf("/markets/%d", m.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[MarketResponse](t, w)
	if resp.Name != "m1" || !resp.PriceYes.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("unexpected market response %+v", resp)
	}

	if w := ts.do(t, http.MethodGet, "/markets/999", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing market, got %d", w.Code)
	}
}

func TestGetPortfolio(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t, "m1")

	if w := ts.do(t, http.MethodPost, fmt.Sprintf("/markets/%d/buy", m.ID), TradeRequest{
		Username: "alice", Side: "yes", Quantity: 10,
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/users/alice/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[PortfolioResponse](t, w)
	if len(resp.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(resp.Holdings))
	}
	h := resp.Holdings[0]
	if !h.PriceYes.Equal(decimal.NewFromFloat(0.6225)) {
		t.Errorf("expected rounded price 0.6225, got %s", h.PriceYes)
	}
	if resp.TotalValue.LessThanOrEqual(resp.Points) {
		t.Error("total value should include the holding value")
	}
}
