// Package bots simulates traders so markets show live price movement.
// Each bot maps the current YES price to an order; the loop in loop.go
// executes orders through the engine on a fixed cadence.
package bots

import (
	"math"
	"math/rand"

	"github.com/pointex/exchange/internal/lmsr"
)

// Action is what a bot wants to do with its order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Order is one bot decision. Quantity 0 means sit out this cycle.
type Order struct {
	Action   Action
	Side     lmsr.Side
	Quantity int64
}

// Bot produces orders from the current YES price. TradeChance is the
// per-cycle probability the bot acts at all.
type Bot interface {
	Username() string
	TradeChance() float64
	Order(rng *rand.Rand, yesPrice float64, marketName string) Order
}

// RandomBot trades small amounts in random directions.
type RandomBot struct {
	Name string
}

func (b RandomBot) Username() string     { return b.Name }
func (b RandomBot) TradeChance() float64 { return 0.4 }

func (b RandomBot) Order(rng *rand.Rand, yesPrice float64, marketName string) Order {
	return Order{
		Action:   pickAction(rng),
		Side:     pickSide(rng),
		Quantity: 1 + rng.Int63n(3),
	}
}

// BeliefBot buys toward a fixed belief about the true probability and
// sizes its order by the mispricing.
type BeliefBot struct {
	Name           string
	Belief         float64 // fallback when the market has no entry in Beliefs
	Beliefs        map[string]float64
	Aggressiveness float64 // larger means bigger trades for the same mispricing
	DeadZone       float64 // no trade when |belief - price| is below this
	MaxQty         int64
}

func (b BeliefBot) Username() string     { return b.Name }
func (b BeliefBot) TradeChance() float64 { return 0.3 }

func (b BeliefBot) Order(rng *rand.Rand, yesPrice float64, marketName string) Order {
	belief := b.Belief
	if v, ok := b.Beliefs[marketName]; ok {
		belief = v
	}

	diff := belief - yesPrice
	if math.Abs(diff) < b.DeadZone {
		return Order{}
	}

	side := lmsr.Yes
	if diff < 0 {
		side = lmsr.No
	}

	qty := int64(math.Round(math.Abs(diff) * b.Aggressiveness))
	if qty < 1 {
		qty = 1
	}
	if qty > b.MaxQty {
		qty = b.MaxQty
	}
	return Order{Action: ActionBuy, Side: side, Quantity: qty}
}

// BiasConfig is a per-market override for BiasedBot.
type BiasConfig struct {
	Bias      lmsr.Side
	Intensity float64
}

// BiasedBot leans persistently on one side; higher intensity means it
// sells less often and trades bigger.
type BiasedBot struct {
	Name      string
	Bias      lmsr.Side
	Intensity float64
	Overrides map[string]BiasConfig
}

func (b BiasedBot) Username() string     { return b.Name }
func (b BiasedBot) TradeChance() float64 { return 0.5 }

func (b BiasedBot) Order(rng *rand.Rand, yesPrice float64, marketName string) Order {
	bias, intensity := b.Bias, b.Intensity
	if cfg, ok := b.Overrides[marketName]; ok {
		bias, intensity = cfg.Bias, cfg.Intensity
	}

	action := ActionBuy
	if rng.Float64() < 0.2*(1.0-intensity) {
		action = ActionSell
	}

	maxQty := int64(5 * (0.5 + 0.5*intensity))
	if maxQty < 1 {
		maxQty = 1
	}
	return Order{
		Action:   action,
		Side:     bias,
		Quantity: 1 + rng.Int63n(maxQty),
	}
}

// HyperActiveBot trades very frequently in small amounts and pushes
// prices back toward the middle when they drift to the extremes.
type HyperActiveBot struct {
	Name string
}

func (b HyperActiveBot) Username() string     { return b.Name }
func (b HyperActiveBot) TradeChance() float64 { return 0.9 }

func (b HyperActiveBot) Order(rng *rand.Rand, yesPrice float64, marketName string) Order {
	var action Action
	var side lmsr.Side
	switch {
	case yesPrice > 0.7:
		if rng.Float64() < 0.6 {
			action, side = ActionBuy, lmsr.No
		} else {
			action, side = ActionSell, lmsr.Yes
		}
	case yesPrice < 0.3:
		if rng.Float64() < 0.6 {
			action, side = ActionBuy, lmsr.Yes
		} else {
			action, side = ActionSell, lmsr.No
		}
	default:
		action, side = pickAction(rng), pickSide(rng)
	}
	return Order{Action: action, Side: side, Quantity: 1 + rng.Int63n(2)}
}

// DefaultPopulation is the standard bot mix: two hyperactive bots for
// constant movement, one random, two biased (one per side), and a bull
// and bear belief pair.
func DefaultPopulation() []Bot {
	return []Bot{
		HyperActiveBot{Name: "botHyper1"},
		HyperActiveBot{Name: "botHyper2"},
		RandomBot{Name: "botR"},
		BiasedBot{Name: "botB", Bias: lmsr.Yes, Intensity: 0.7},
		BiasedBot{Name: "botN", Bias: lmsr.No, Intensity: 0.7},
		BeliefBot{Name: "botBull", Belief: 0.6, Aggressiveness: 15.0, DeadZone: 0.02, MaxQty: 10},
		BeliefBot{Name: "botBear", Belief: 0.4, Aggressiveness: 15.0, DeadZone: 0.02, MaxQty: 10},
	}
}

func pickAction(rng *rand.Rand) Action {
	if rng.Intn(2) == 0 {
		return ActionBuy
	}
	return ActionSell
}

func pickSide(rng *rand.Rand) lmsr.Side {
	if rng.Intn(2) == 0 {
		return lmsr.Yes
	}
	return lmsr.No
}
