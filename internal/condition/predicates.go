package condition

import (
	"bytes"
	"encoding/json"
	"time"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

func init() {
	register("price_above", buildPriceAbove)
	register("price_below", buildPriceBelow)
	register("price_near", buildPriceNear)
	register("choch_bull", buildStructure("choch_bull"))
	register("choch_bear", buildStructure("choch_bear"))
	register("bos_bull", buildStructure("bos_bull"))
	register("bos_bear", buildStructure("bos_bear"))
	register("rejection_wick", buildRejectionWick)
	register("order_block", buildOrderBlock)
	register("liquidity_sweep", buildLiquiditySweep)
	register("vwap_deviation", buildVWAPDeviation)
	register("ema_slope", buildEMASlope)
	register("volatility_signals", buildVolatilitySignals)
	register("time_after", buildTimeAfter)
	register("time_before", buildTimeBefore)
}

func decodeParams(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// scalarPrice decodes the shorthand form where a price predicate's
// parameter is a bare number instead of an object.
func scalarPrice(params json.RawMessage) (float64, bool) {
	var price float64
	if err := json.Unmarshal(params, &price); err != nil {
		return 0, false
	}
	return price, true
}

// --- Price predicates ---

type priceAbove struct {
	Price float64 `json:"price"`
}

func (c priceAbove) Type() string { return "price_above" }

func (c priceAbove) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	return snap != nil && snap.Price > 0 && snap.Price > c.Price
}

func buildPriceAbove(params json.RawMessage, _ Defaults) (Condition, error) {
	var c priceAbove
	if price, ok := scalarPrice(params); ok {
		c.Price = price
	} else if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Price <= 0 {
		return nil, errors.NewValidationError("price", c.Price, "must be positive")
	}
	return c, nil
}

type priceBelow struct {
	Price float64 `json:"price"`
}

func (c priceBelow) Type() string { return "price_below" }

func (c priceBelow) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	return snap != nil && snap.Price > 0 && snap.Price < c.Price
}

func buildPriceBelow(params json.RawMessage, _ Defaults) (Condition, error) {
	var c priceBelow
	if price, ok := scalarPrice(params); ok {
		c.Price = price
	} else if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Price <= 0 {
		return nil, errors.NewValidationError("price", c.Price, "must be positive")
	}
	return c, nil
}

type priceNear struct {
	Price     float64 `json:"price"`
	Tolerance float64 `json:"tolerance"`
}

func (c priceNear) Type() string { return "price_near" }

func (c priceNear) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil || snap.Price <= 0 {
		return false
	}
	diff := snap.Price - c.Price
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.Tolerance
}

func buildPriceNear(params json.RawMessage, _ Defaults) (Condition, error) {
	var c priceNear
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Price <= 0 {
		return nil, errors.NewValidationError("price", c.Price, "must be positive")
	}
	if c.Tolerance <= 0 {
		return nil, errors.NewValidationError("tolerance", c.Tolerance, "must be positive")
	}
	return c, nil
}

// --- Structure predicates ---

type structureCond struct {
	name      string
	Timeframe string `json:"timeframe"`
}

func (c structureCond) Type() string { return c.name }

func (c structureCond) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil || snap.Structure == nil {
		return false
	}
	flags, ok := snap.Structure[c.Timeframe]
	if !ok {
		return false
	}
	switch c.name {
	case "choch_bull":
		return flags.ChoChBull
	case "choch_bear":
		return flags.ChoChBear
	case "bos_bull":
		return flags.BOSBull
	case "bos_bear":
		return flags.BOSBear
	}
	return false
}

func buildStructure(name string) builderFunc {
	return func(params json.RawMessage, _ Defaults) (Condition, error) {
		c := structureCond{name: name}
		if err := decodeParams(params, &c); err != nil {
			return nil, err
		}
		if c.Timeframe == "" {
			return nil, errors.NewValidationError("timeframe", c.Timeframe, "is required")
		}
		return c, nil
	}
}

// --- Pattern predicates ---

type rejectionWick struct {
	Ratio     float64 `json:"ratio"`
	Direction string  `json:"direction"` // "bull", "bear", or "" for either
}

func (c rejectionWick) Type() string { return "rejection_wick" }

func (c rejectionWick) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil {
		return false
	}
	candle := snap.LastCandle
	body := candle.Body()
	if body <= 0 {
		return false
	}
	lower := candle.LowerWick() / body
	upper := candle.UpperWick() / body
	switch c.Direction {
	case "bull":
		return lower >= c.Ratio
	case "bear":
		return upper >= c.Ratio
	default:
		return lower >= c.Ratio || upper >= c.Ratio
	}
}

func buildRejectionWick(params json.RawMessage, d Defaults) (Condition, error) {
	c := rejectionWick{Ratio: d.WickRatio}
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Ratio <= 0 {
		return nil, errors.NewValidationError("ratio", c.Ratio, "must be positive")
	}
	switch c.Direction {
	case "", "bull", "bear":
	default:
		return nil, errors.NewValidationError("direction", c.Direction, "must be bull or bear")
	}
	return c, nil
}

type orderBlock struct {
	MinValidationScore float64 `json:"min_validation_score"`
}

func (c orderBlock) Type() string { return "order_block" }

func (c orderBlock) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil || !snap.OrderBlock.Present {
		return false
	}
	return snap.OrderBlock.ValidationScore >= c.MinValidationScore
}

func buildOrderBlock(params json.RawMessage, d Defaults) (Condition, error) {
	c := orderBlock{MinValidationScore: d.MinValidationScore}
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.MinValidationScore < 0 || c.MinValidationScore > 100 {
		return nil, errors.NewValidationError("min_validation_score", c.MinValidationScore, "must be in [0,100]")
	}
	return c, nil
}

// --- Liquidity / volatility predicates ---

type liquiditySweep struct{}

func (liquiditySweep) Type() string { return "liquidity_sweep" }

func (liquiditySweep) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	return snap != nil && snap.LiquiditySweep
}

func buildLiquiditySweep(params json.RawMessage, _ Defaults) (Condition, error) {
	var empty struct{}
	if err := decodeParams(params, &empty); err != nil {
		return nil, err
	}
	return liquiditySweep{}, nil
}

type vwapDeviation struct {
	Direction string  `json:"direction"` // "above" or "below"
	Threshold float64 `json:"threshold"` // fractional deviation from VWAP
}

func (c vwapDeviation) Type() string { return "vwap_deviation" }

func (c vwapDeviation) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil || snap.VWAP <= 0 || snap.Price <= 0 {
		return false
	}
	dev := (snap.Price - snap.VWAP) / snap.VWAP
	switch c.Direction {
	case "above":
		return dev >= c.Threshold
	case "below":
		return -dev >= c.Threshold
	}
	return false
}

func buildVWAPDeviation(params json.RawMessage, _ Defaults) (Condition, error) {
	var c vwapDeviation
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Direction != "above" && c.Direction != "below" {
		return nil, errors.NewValidationError("direction", c.Direction, "must be above or below")
	}
	if c.Threshold <= 0 {
		return nil, errors.NewValidationError("threshold", c.Threshold, "must be positive")
	}
	return c, nil
}

type emaSlope struct {
	Direction string `json:"direction"` // "up" or "down"
}

func (c emaSlope) Type() string { return "ema_slope" }

func (c emaSlope) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil {
		return false
	}
	switch c.Direction {
	case "up":
		return snap.EMASlope > 0
	case "down":
		return snap.EMASlope < 0
	}
	return false
}

func buildEMASlope(params json.RawMessage, _ Defaults) (Condition, error) {
	var c emaSlope
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Direction != "up" && c.Direction != "down" {
		return nil, errors.NewValidationError("direction", c.Direction, "must be up or down")
	}
	return c, nil
}

type volatilitySignals struct {
	Require int      `json:"require"`
	Signals []string `json:"signals"`
}

func (c volatilitySignals) Type() string { return "volatility_signals" }

func (c volatilitySignals) Evaluate(snap *models.Snapshot, _ time.Time) bool {
	if snap == nil || snap.VolatilitySignals == nil {
		return false
	}
	fired := 0
	for _, name := range c.Signals {
		if snap.VolatilitySignals[name] {
			fired++
		}
	}
	return fired >= c.Require
}

func buildVolatilitySignals(params json.RawMessage, d Defaults) (Condition, error) {
	c := volatilitySignals{Require: d.VolatilityRequire}
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if len(c.Signals) == 0 {
		return nil, errors.NewValidationError("signals", c.Signals, "at least one signal is required")
	}
	if c.Require < 1 || c.Require > len(c.Signals) {
		return nil, errors.NewValidationError("require", c.Require, "must be between 1 and len(signals)")
	}
	return c, nil
}

// --- Time predicates ---

type timeAfter struct {
	Time time.Time `json:"time"`
}

func (c timeAfter) Type() string { return "time_after" }

func (c timeAfter) Evaluate(_ *models.Snapshot, now time.Time) bool {
	return now.After(c.Time)
}

func buildTimeAfter(params json.RawMessage, _ Defaults) (Condition, error) {
	var c timeAfter
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Time.IsZero() {
		return nil, errors.NewValidationError("time", c.Time, "is required")
	}
	return c, nil
}

type timeBefore struct {
	Time time.Time `json:"time"`
}

func (c timeBefore) Type() string { return "time_before" }

func (c timeBefore) Evaluate(_ *models.Snapshot, now time.Time) bool {
	return now.Before(c.Time)
}

func buildTimeBefore(params json.RawMessage, _ Defaults) (Condition, error) {
	var c timeBefore
	if err := decodeParams(params, &c); err != nil {
		return nil, err
	}
	if c.Time.IsZero() {
		return nil, errors.NewValidationError("time", c.Time, "is required")
	}
	return c, nil
}
