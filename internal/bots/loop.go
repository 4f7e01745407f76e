package bots

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/engine"
	"github.com/pointex/exchange/internal/lmsr"
	"github.com/pointex/exchange/internal/metrics"
	"github.com/pointex/exchange/internal/store"
)

const (
	// Fast cadence so price movement is visible to watchers.
	loopInterval = 5 * time.Second
	startupDelay = 3 * time.Second

	targetBalance = 10_000
	minBalance    = 500
)

// Loop drives a bot population against every open market.
type Loop struct {
	engine *engine.Engine
	store  store.Store
	bots   []Bot
	log    *slog.Logger
	rng    *rand.Rand

	// Notify, when set, is called after each successful bot trade so the
	// server can push a price tick.
	Notify func(marketID int64)
}

// NewLoop creates a bot loop. A nil population gets DefaultPopulation.
func NewLoop(eng *engine.Engine, st store.Store, population []Bot, log *slog.Logger) *Loop {
	if population == nil {
		population = DefaultPopulation()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		engine: eng,
		store:  st,
		bots:   population,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is cancelled, executing one cycle per interval.
// A cycle failure is logged and the loop keeps going.
func (l *Loop) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	l.log.Info("bot loop started", "bots", len(l.bots))
	for {
		l.cycle(ctx)
		select {
		case <-ctx.Done():
			l.log.Info("bot loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	markets, err := l.store.ListOpenMarkets(ctx)
	if err != nil {
		l.log.Warn("bot cycle: listing markets failed", "err", err)
		return
	}

	for _, m := range markets {
		price, err := l.yesPrice(ctx, m.ID, m.B)
		if err != nil {
			l.log.Warn("bot cycle: price lookup failed", "market", m.Name, "err", err)
			continue
		}

		for _, bot := range l.bots {
			if ctx.Err() != nil {
				return
			}
			if l.rng.Float64() > bot.TradeChance() {
				continue
			}

			if _, err := l.engine.EnsureBalance(ctx, bot.Username(),
				decimal.NewFromInt(minBalance), decimal.NewFromInt(targetBalance)); err != nil {
				l.log.Warn("bot top-up failed", "bot", bot.Username(), "err", err)
				continue
			}

			order := bot.Order(l.rng, price, m.Name)
			if order.Quantity <= 0 {
				continue
			}
			l.execute(ctx, bot.Username(), m.ID, order)
		}
	}
}

func (l *Loop) execute(ctx context.Context, username string, marketID int64, order Order) {
	params := engine.TradeParams{
		Username: username,
		MarketID: marketID,
		Side:     order.Side,
		Quantity: order.Quantity,
	}

	var err error
	if order.Action == ActionBuy {
		_, err = l.engine.Buy(ctx, params)
	} else {
		_, err = l.engine.Sell(ctx, params)
	}
	if err != nil {
		// Bots routinely hit normal rejections (no position to sell,
		// temporary shortfalls); only log, never abort the cycle.
		l.log.Debug("bot trade rejected",
			"bot", username, "market", marketID,
			"action", order.Action, "side", order.Side, "qty", order.Quantity,
			"err", err)
		return
	}
	metrics.BotTradesTotal.WithLabelValues(username).Inc()
	if l.Notify != nil {
		l.Notify(marketID)
	}
}

func (l *Loop) yesPrice(ctx context.Context, marketID int64, b decimal.Decimal) (float64, error) {
	amm, err := l.store.GetAMM(ctx, marketID)
	if err != nil {
		return 0, err
	}
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return 0, err
	}
	return mm.YesPrice(amm.QYes.Neg(), amm.QNo.Neg()).InexactFloat64(), nil
}
