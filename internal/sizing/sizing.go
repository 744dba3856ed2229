// Package sizing converts budgets, ambiguous take-profit sizes, and raw
// position sizes into exchange lots.
//
// The exchange quotes every order size in lots, but upstream signals and even
// the exchange's own position rows mix two units: lots and coins (coins =
// lots × lot multiplier). The multiplier varies per product (10 ARC per lot,
// 0.001 BTC per lot), so a bare "size: 3000" can mean 3000 lots or 3 lots of
// 1000 coins each. This package holds the decision trees that disambiguate.
//
// Division and remainder checks run on decimal arithmetic: sizes like 0.004
// and multipliers like 0.001 do not divide cleanly in binary floats, and a
// floor on 3.9999999 places the wrong order.
package sizing

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"delta-relay/internal/config"
	"delta-relay/pkg/types"
)

// Sizer performs the unit conversions. All methods are pure.
type Sizer struct {
	cfg config.SizingConfig
}

// New creates a sizer with the configured buffer, FX fallback, and lot cap.
func New(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// EntryInputs collects everything the budget conversion needs.
type EntryInputs struct {
	Amount     float64 // margin budget
	Ccy        string  // "USD" or "INR"
	Leverage   int     // 0 means the configured default
	EntryPxUSD float64 // entry price in USD
	LotMult    float64 // coins per lot
	Fx         float64 // INR per USD, 0 means the configured fallback
}

// LotsFromAmount converts a margin budget into market-order lots:
//
//	marginUSD  = amount (USD) or amount/fx (INR)
//	notional   = marginUSD × leverage × (1 − buffer)
//	lots       = floor(notional / price / lotMult)
//
// clamped to [1, MaxLotsPerOrder]. The buffer keeps the order inside the
// margin the exchange will actually grant after fees.
func (s *Sizer) LotsFromAmount(in EntryInputs) (int, error) {
	if in.Amount <= 0 {
		return 0, fmt.Errorf("amount %v: must be positive", in.Amount)
	}
	if in.EntryPxUSD <= 0 {
		return 0, fmt.Errorf("entry price %v: must be positive", in.EntryPxUSD)
	}

	lotMult := in.LotMult
	if lotMult <= 0 {
		lotMult = 1
	}
	lev := in.Leverage
	if lev < 1 {
		lev = s.cfg.DefaultLeverage
	}
	if lev < 1 {
		lev = 1
	}

	margin := decimal.NewFromFloat(in.Amount)
	if strings.EqualFold(strings.TrimSpace(in.Ccy), "INR") {
		fx := in.Fx
		if fx <= 0 {
			fx = s.cfg.FxINRPerUSD
		}
		if fx <= 0 {
			return 0, fmt.Errorf("fx rate %v: must be positive for INR amounts", fx)
		}
		margin = margin.Div(decimal.NewFromFloat(fx))
	}

	buffer := decimal.NewFromFloat(1 - s.cfg.MarginBufferPct)
	notional := margin.Mul(decimal.NewFromInt(int64(lev))).Mul(buffer)
	coins := notional.Div(decimal.NewFromFloat(in.EntryPxUSD))
	lots := floorSnap(coins.Div(decimal.NewFromFloat(lotMult)))

	return s.clampLots(lots), nil
}

// PositionFacts carries optional fields from the position row that sharpen
// the units inference. Zero means unknown.
type PositionFacts struct {
	Notional float64 // position notional in USD
	Price    float64 // mark or entry price in USD
}

// InferPositionUnits classifies a raw position size as lots or coins and
// returns the normalized lot count (at least 1 for a non-flat position).
//
// When the row carries notional and price, the implied coin and lot counts
// are compared against the raw size and the closer one wins, provided it is
// within 25% relative error. Otherwise the decision falls back to shape
// heuristics on the multiplier.
func (s *Sizer) InferPositionUnits(rawSize, lotMult float64, facts PositionFacts) types.PositionUnits {
	abs := math.Abs(rawSize)
	if abs == 0 {
		return types.PositionUnits{Units: types.UnitsUnknown, Lots: 0}
	}
	if lotMult <= 0 {
		lotMult = 1
	}

	// 1. Notional cross-check when the row provides it.
	if facts.Notional > 0 && facts.Price > 0 {
		coinsEst := facts.Notional / facts.Price
		lotsEst := coinsEst / lotMult
		errLots := relErr(abs, lotsEst)
		errCoins := relErr(abs, coinsEst)
		if errLots <= errCoins && errLots < 0.25 {
			return types.PositionUnits{Units: types.UnitsLots, Lots: maxInt(1, roundInt(abs))}
		}
		if errCoins < errLots && errCoins < 0.25 {
			return types.PositionUnits{Units: types.UnitsCoins, Lots: maxInt(1, floorDiv(abs, lotMult))}
		}
	}

	// 2-4. Shape heuristics for multi-coin lots: an integer size that is not
	// a clean multiple of the multiplier can only be lots; everything else on
	// a multi-coin product reads as coins.
	if lotMult > 1 {
		if isInteger(abs) && !wholeMultiple(abs, lotMult) {
			return types.PositionUnits{Units: types.UnitsLots, Lots: maxInt(1, roundInt(abs))}
		}
		return types.PositionUnits{Units: types.UnitsCoins, Lots: maxInt(1, floorDiv(abs, lotMult))}
	}

	// 5. Sub-unit multipliers report in lots.
	return types.PositionUnits{Units: types.UnitsLots, Lots: maxInt(1, roundInt(abs))}
}

// TPInputs carries one take-profit leg plus the last-entry context.
type TPInputs struct {
	Size      float64 // leg size in ambiguous units
	SizeCoins float64 // explicit coins, wins when positive
	LotMult   float64 // coins per lot
	LastLots  int     // lots placed by the last entry, 0 when memo absent
}

// NormalizeTPSize resolves one take-profit leg to lots.
//
// The hard case is a large round multiple of the lot multiplier: upstream
// tools that think in coins send "size: 3000" for 3 lots of 1000, while
// tools that think in lots never produce sizes that big. The tree prefers
// the coins reading for exact multiples at or above the multiplier, then
// leans on the last entry's size to keep small lot counts as lots.
func (s *Sizer) NormalizeTPSize(in TPInputs) int {
	lotMult := in.LotMult
	if lotMult <= 0 {
		lotMult = 1
	}

	if in.SizeCoins > 0 {
		return maxInt(1, floorDiv(in.SizeCoins, lotMult))
	}

	sz := in.Size
	sInt := isInteger(sz)
	lastLots := in.LastLots
	lastCoins := float64(lastLots) * lotMult

	switch {
	case lotMult > 1 && sInt && sz >= lotMult && wholeMultiple(sz, lotMult):
		return maxInt(1, floorDiv(sz, lotMult))
	case sInt && lastLots > 0 && sz <= 2*float64(lastLots):
		return maxInt(1, roundInt(sz))
	case lastCoins > 0 && sz >= math.Max(0.5*lastCoins, 2*lotMult):
		return maxInt(1, floorDiv(sz, lotMult))
	case lotMult > 1 && sInt && !wholeMultiple(sz, lotMult):
		return maxInt(1, roundInt(sz))
	case lotMult > 1 && sz > float64(s.cfg.MaxLotsPerOrder):
		return maxInt(1, floorDiv(sz, lotMult))
	default:
		return maxInt(1, roundInt(sz))
	}
}

// ClampToPosition fits per-leg lots inside the open position so the batch can
// never flip the position into the opposite direction.
//
// With fewer position lots than legs, the leading positionLots legs survive
// at 1 lot each and the rest are dropped. With enough lots but an oversized
// total, legs scale down proportionally: floor, lift zero legs back to 1,
// then walk round-robin adding or removing single lots (never below 1) until
// the sum equals positionLots. Callers rely on the surviving legs being a
// prefix of the input so per-leg prices stay aligned.
func ClampToPosition(legs []int, positionLots int) []int {
	if positionLots <= 0 || len(legs) == 0 {
		return nil
	}

	if positionLots < len(legs) {
		out := make([]int, positionLots)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	total := 0
	for _, n := range legs {
		total += n
	}
	if total <= positionLots {
		return append([]int(nil), legs...)
	}

	// Scale down and floor. Zero legs come back to 1 so every leg still
	// places an order; positionLots >= len(legs) leaves room for that.
	scale := decimal.NewFromInt(int64(positionLots)).Div(decimal.NewFromInt(int64(total)))
	out := make([]int, len(legs))
	sum := 0
	for i, n := range legs {
		out[i] = int(decimal.NewFromInt(int64(n)).Mul(scale).Floor().IntPart())
		if out[i] < 1 {
			out[i] = 1
		}
		sum += out[i]
	}

	// Spread the remainder, then correct any overshoot.
	for i := 0; sum < positionLots; i = (i + 1) % len(out) {
		out[i]++
		sum++
	}
	for i := 0; sum > positionLots; i = (i + 1) % len(out) {
		if out[i] > 1 {
			out[i]--
			sum--
		}
	}
	return out
}

// clampLots truncates a decimal lot count into [1, MaxLotsPerOrder].
func (s *Sizer) clampLots(lots decimal.Decimal) int {
	max := s.cfg.MaxLotsPerOrder
	if max < 1 {
		max = 1
	}
	if lots.GreaterThan(decimal.NewFromInt(int64(max))) {
		return max
	}
	n := int(lots.IntPart())
	if n < 1 {
		return 1
	}
	return n
}

// isInteger reports whether v has no fractional part, judged in decimal so
// float artifacts like 2.9999999999999996 do not pass.
func isInteger(v float64) bool {
	return decimal.NewFromFloat(v).IsInteger()
}

// wholeMultiple reports whether v is an exact multiple of m.
func wholeMultiple(v, m float64) bool {
	if m <= 0 {
		return false
	}
	return decimal.NewFromFloat(v).Mod(decimal.NewFromFloat(m)).IsZero()
}

// floorDiv computes floor(v / m) in decimal, capped well inside int range.
func floorDiv(v, m float64) int {
	if m <= 0 {
		return 0
	}
	q := floorSnap(decimal.NewFromFloat(v).Div(decimal.NewFromFloat(m)))
	if q.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return math.MaxInt32
	}
	return int(q.IntPart())
}

// floorSnap floors q, first snapping to an integer when q sits within 1e-9 of
// one. Quantities that crossed through binary floats land a hair off exact
// quotients, and flooring those raw drops a whole lot.
func floorSnap(q decimal.Decimal) decimal.Decimal {
	r := q.Round(0)
	if q.Sub(r).Abs().LessThanOrEqual(decimal.New(1, -9)) {
		return r
	}
	return q.Floor()
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

func relErr(have, want float64) float64 {
	if want == 0 {
		return math.Inf(1)
	}
	return math.Abs(have-want) / math.Abs(want)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
