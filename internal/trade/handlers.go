// Package trade provides the HTTP boundary for the exchange: request
// parsing, allow-list / cooldown enforcement, engine invocation, and
// response shaping.
//
// Rounding happens only here: prices to 4 decimals, monetary values to 2.
// The engine and store carry full precision.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/access"
	"github.com/pointex/exchange/internal/engine"
	"github.com/pointex/exchange/internal/lmsr"
	"github.com/pointex/exchange/internal/metrics"
	"github.com/pointex/exchange/internal/model"
	"github.com/pointex/exchange/internal/store"
)

// Handler is the HTTP boundary over the trade engine.
type Handler struct {
	engine   *engine.Engine
	store    store.Store
	allow    *access.AllowList
	vis      *access.Visibility
	cooldown *access.Cooldown
	hub      *WSHub // optional; nil disables price broadcasts
	log      *slog.Logger
}

// NewHandler creates the boundary handler. hub may be nil.
func NewHandler(eng *engine.Engine, st store.Store, allow *access.AllowList, vis *access.Visibility, cooldown *access.Cooldown, hub *WSHub, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:   eng,
		store:    st,
		allow:    allow,
		vis:      vis,
		cooldown: cooldown,
		hub:      hub,
		log:      log,
	}
}

// Register mounts all routes under the given router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/users", h.CreateUser)
	r.Get("/users/{username}", h.GetUser)
	r.Get("/users/{username}/portfolio", h.GetPortfolio)

	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/history", h.GetMarketHistory)
	r.Post("/markets/{marketID}/preview", h.Preview)
	r.Post("/markets/{marketID}/buy", h.Buy)
	r.Post("/markets/{marketID}/sell", h.Sell)
	r.Post("/markets/{marketID}/settle", h.Settle)

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Name string          `json:"name"`
	B    decimal.Decimal `json:"b"` // liquidity parameter; 0 → default
}

// TradeRequest is the JSON body for buy, sell, and preview. Exactly one
// of quantity or budget must be positive.
type TradeRequest struct {
	Username string          `json:"username"`
	Side     string          `json:"side"` // "yes" or "no"
	Quantity int64           `json:"quantity,omitempty"`
	Budget   decimal.Decimal `json:"budget,omitempty"`
}

// TradeResponse is returned from buy and sell.
type TradeResponse struct {
	NewBalance decimal.Decimal `json:"new_balance"`
	NewPrice   decimal.Decimal `json:"new_price"`
	Quantity   int64           `json:"quantity"`
	OrderCost  decimal.Decimal `json:"order_cost"`
}

// PreviewResponse is returned from preview.
type PreviewResponse struct {
	OrderCost    decimal.Decimal `json:"order_cost"`
	Quantity     int64           `json:"quantity"`
	NewPrice     decimal.Decimal `json:"new_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// SettleRequest is the JSON body for POST /markets/{marketID}/settle.
type SettleRequest struct {
	Outcome string `json:"outcome"` // "yes" or "no"
}

// SettleResponse is returned from settle.
type SettleResponse struct {
	MarketName string          `json:"market_name"`
	Outcome    string          `json:"outcome"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
}

// MarketResponse is one market row with current prices.
type MarketResponse struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	B         decimal.Decimal `json:"b"`
	PriceYes  decimal.Decimal `json:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no"`
	Resolved  bool            `json:"resolved"`
	Outcome   *bool           `json:"outcome,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// UserResponse is the balance + positions snapshot.
type UserResponse struct {
	Username  string             `json:"username"`
	Points    decimal.Decimal    `json:"points"`
	Positions []PositionResponse `json:"positions"`
}

// PositionResponse is one raw position line.
type PositionResponse struct {
	MarketID   int64           `json:"market_id"`
	MarketName string          `json:"market_name"`
	QYes       decimal.Decimal `json:"q_yes"`
	QNo        decimal.Decimal `json:"q_no"`
	Resolved   bool            `json:"resolved"`
}

// HoldingResponse is one priced portfolio line.
type HoldingResponse struct {
	MarketID   int64           `json:"market_id"`
	MarketName string          `json:"market_name"`
	QYes       decimal.Decimal `json:"q_yes"`
	QNo        decimal.Decimal `json:"q_no"`
	PriceYes   decimal.Decimal `json:"price_yes"`
	PriceNo    decimal.Decimal `json:"price_no"`
	Value      decimal.Decimal `json:"value"`
}

// PortfolioResponse is the mark-to-market view of a user.
type PortfolioResponse struct {
	Username   string            `json:"username"`
	Points     decimal.Decimal   `json:"points"`
	Holdings   []HoldingResponse `json:"holdings"`
	TotalValue decimal.Decimal   `json:"total_value"`
}

// --- Handlers ---

// CreateUser handles POST /api/v1/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}
	if err := h.allow.Check(req.Username); err != nil {
		writeError(w, "user not allowed", http.StatusForbidden)
		return
	}

	user, err := h.engine.GetOrCreateUser(r.Context(), req.Username)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"username": user.Username,
		"points":   money(user.Points),
	})
}

// GetUser handles GET /api/v1/users/{username}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.allow.Check(username); err != nil {
		writeError(w, "user not allowed", http.StatusForbidden)
		return
	}

	snap, err := h.engine.SnapshotUser(r.Context(), username)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := UserResponse{
		Username:  snap.User.Username,
		Points:    money(snap.User.Points),
		Positions: []PositionResponse{},
	}
	for _, p := range snap.Positions {
		if !h.vis.IsVisible(p.MarketName, username) {
			continue
		}
		resp.Positions = append(resp.Positions, PositionResponse{
			MarketID:   p.MarketID,
			MarketName: p.MarketName,
			QYes:       p.QYes,
			QNo:        p.QNo,
			Resolved:   p.Resolved,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPortfolio handles GET /api/v1/users/{username}/portfolio.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.allow.Check(username); err != nil {
		writeError(w, "user not allowed", http.StatusForbidden)
		return
	}

	pf, err := h.engine.SnapshotPortfolio(r.Context(), username)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := PortfolioResponse{
		Username:   pf.User.Username,
		Points:     money(pf.User.Points),
		Holdings:   []HoldingResponse{},
		TotalValue: money(pf.TotalValue),
	}
	for _, hld := range pf.Holdings {
		if !h.vis.IsVisible(hld.MarketName, username) {
			continue
		}
		resp.Holdings = append(resp.Holdings, HoldingResponse{
			MarketID:   hld.MarketID,
			MarketName: hld.MarketName,
			QYes:       hld.QYes,
			QNo:        hld.QNo,
			PriceYes:   price(hld.PriceYes),
			PriceNo:    price(hld.PriceNo),
			Value:      money(hld.Value),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMarkets handles GET /api/v1/markets. The optional ?username= filter
// applies the per-user visibility predicate.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")

	views, err := h.engine.ListMarkets(r.Context(), username, h.vis.IsVisible)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	metrics.OpenMarkets.Set(float64(len(views)))

	resp := make([]MarketResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, marketResponse(v.Market, v.PriceYes))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateMarket handles POST /api/v1/markets. Idempotent on name.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	market, err := h.engine.CreateMarket(r.Context(), req.Name, req.B)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	// Creation is idempotent on name, so the market may already carry
	// inventory; price it from the AMM state rather than assuming 0.5.
	priceYes := decimal.NewFromFloat(0.5)
	if amm, err := h.store.GetAMM(r.Context(), market.ID); err == nil {
		if mm, err := lmsr.NewMarketMaker(market.B); err == nil {
			priceYes = mm.YesPrice(amm.QYes.Neg(), amm.QNo.Neg())
		}
	}

	h.log.Info("market created", "id", market.ID, "name", market.Name, "b", market.B.String())
	writeJSON(w, http.StatusCreated, marketResponse(*market, priceYes))
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := h.marketID(w, r)
	if !ok {
		return
	}

	market, err := h.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	amm, err := h.store.GetAMM(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}
	yes := mm.YesPrice(amm.QYes.Neg(), amm.QNo.Neg())
	writeJSON(w, http.StatusOK, marketResponse(*market, yes))
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history.
// Ledger rows in timestamp order; system counterparty rows are included
// only with ?include_system=true.
func (h *Handler) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID, ok := h.marketID(w, r)
	if !ok {
		return
	}
	includeSystem := r.URL.Query().Get("include_system") == "true"

	entries, err := h.engine.MarketHistory(r.Context(), marketID, includeSystem)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Preview handles POST /api/v1/markets/{marketID}/preview. Quotes a buy
// without mutating state.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	marketID, params, ok := h.tradeParams(w, r)
	if !ok {
		return
	}
	params.MarketID = marketID

	res, err := h.engine.Preview(r.Context(), params)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{
		OrderCost:    money(res.OrderCost),
		Quantity:     res.Quantity,
		NewPrice:     price(res.NewPrice),
		CurrentPrice: price(res.CurrentPrice),
	})
}

// Buy handles POST /api/v1/markets/{marketID}/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "buy", h.engine.Buy)
}

// Sell handles POST /api/v1/markets/{marketID}/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "sell", h.engine.Sell)
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, op string, exec func(ctx context.Context, p engine.TradeParams) (*engine.TradeResult, error)) {
	marketID, params, ok := h.tradeParams(w, r)
	if !ok {
		return
	}
	params.MarketID = marketID

	if err := h.cooldown.Check(params.Username, marketID); err != nil {
		metrics.CooldownRejections.Inc()
		writeError(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	start := time.Now()
	res, err := exec(r.Context(), params)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues(op, string(params.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	h.cooldown.Record(params.Username, marketID)
	h.broadcastTick(r.Context(), marketID, string(params.Side), res.Quantity)

	writeJSON(w, http.StatusOK, TradeResponse{
		NewBalance: money(res.NewBalance),
		NewPrice:   price(res.NewPrice),
		Quantity:   res.Quantity,
		OrderCost:  money(res.OrderCost),
	})
}

// Settle handles POST /api/v1/markets/{marketID}/settle.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	marketID, ok := h.marketID(w, r)
	if !ok {
		return
	}

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Settle(r.Context(), marketID, lmsr.Side(req.Outcome))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues(string(res.Outcome)).Inc()

	if h.hub != nil {
		h.hub.Broadcast(WSMessage{
			Type:     "market_settled",
			MarketID: marketID,
			Market:   res.MarketName,
			Side:     string(res.Outcome),
		})
	}
	writeJSON(w, http.StatusOK, SettleResponse{
		MarketName: res.MarketName,
		Outcome:    string(res.Outcome),
		TotalPaid:  money(res.TotalPaid),
	})
}

// --- Helpers ---

func (h *Handler) marketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) tradeParams(w http.ResponseWriter, r *http.Request) (int64, engine.TradeParams, bool) {
	marketID, ok := h.marketID(w, r)
	if !ok {
		return 0, engine.TradeParams{}, false
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return 0, engine.TradeParams{}, false
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return 0, engine.TradeParams{}, false
	}
	if err := h.allow.Check(req.Username); err != nil {
		writeError(w, "user not allowed", http.StatusForbidden)
		return 0, engine.TradeParams{}, false
	}

	return marketID, engine.TradeParams{
		Username:  req.Username,
		Side:      lmsr.Side(req.Side),
		Quantity:  req.Quantity,
		Budget:    req.Budget,
		IsVisible: h.vis.IsVisible,
	}, true
}

// BroadcastMarket pushes the current prices for a market to WebSocket
// clients. The bot loop calls this after its trades so watchers see the
// price move.
func (h *Handler) BroadcastMarket(marketID int64) {
	h.broadcastTick(context.Background(), marketID, "", 0)
}

// broadcastTick pushes the new prices for a market to WebSocket clients.
func (h *Handler) broadcastTick(ctx context.Context, marketID int64, side string, qty int64) {
	if h.hub == nil {
		return
	}
	market, err := h.store.GetMarket(ctx, marketID)
	if err != nil {
		return
	}
	amm, err := h.store.GetAMM(ctx, marketID)
	if err != nil {
		return
	}
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return
	}
	yes := mm.YesPrice(amm.QYes.Neg(), amm.QNo.Neg())
	no := decimal.NewFromInt(1).Sub(yes)

	h.hub.Broadcast(WSMessage{
		Type:     "trade_executed",
		MarketID: marketID,
		Market:   market.Name,
		PriceYes: price(yes).String(),
		PriceNo:  price(no).String(),
		Side:     side,
		Quantity: qty,
	})
}

// writeEngineError maps engine errors to HTTP statuses. Fatal-class
// errors are logged at Error level before returning 500.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if engine.IsFatal(err) {
		h.log.Error("engine invariant failure", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, lmsr.ErrBudgetInsufficient),
		errors.Is(err, lmsr.ErrInvalidLiquidity):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrAccessDenied):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, engine.ErrUserNotFound),
		errors.Is(err, engine.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrMarketSettled),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientHoldings):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("trade failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func marketResponse(m model.Market, priceYes decimal.Decimal) MarketResponse {
	return MarketResponse{
		ID:        m.ID,
		Name:      m.Name,
		B:         m.B,
		PriceYes:  price(priceYes),
		PriceNo:   price(decimal.NewFromInt(1).Sub(priceYes)),
		Resolved:  m.Resolved,
		Outcome:   m.Outcome,
		CreatedAt: m.CreatedAt,
	}
}

// price rounds to 4 decimals for display.
func price(d decimal.Decimal) decimal.Decimal { return d.Round(4) }

// money rounds to 2 decimals for display.
func money(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
