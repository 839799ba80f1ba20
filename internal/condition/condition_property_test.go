package condition

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradewatch/internal/models"
)

// Property: condition evaluation is pure. Evaluating the same set
// against the same snapshot repeatedly always produces the same result,
// and never mutates the snapshot.
func TestProperty_EvaluationIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	parser := NewParser(DefaultDefaults())

	properties.Property("repeated evaluation is stable", prop.ForAll(
		func(price, target, tolerance float64, slope float64, sweep bool) bool {
			raw := fmt.Sprintf(
				`{"price_near":{"price":%f,"tolerance":%f},"ema_slope":{"direction":"up"},"liquidity_sweep":{}}`,
				target, tolerance)
			set, err := parser.Parse([]byte(raw))
			if err != nil {
				t.Logf("parse failed: %v", err)
				return false
			}

			snap := &models.Snapshot{
				Symbol:         "EURUSD",
				Price:          price,
				Timestamp:      time.Now(),
				EMASlope:       slope,
				LiquiditySweep: sweep,
			}
			now := time.Now()

			first := set.Evaluate(snap, now)
			for i := 0; i < 5; i++ {
				if set.Evaluate(snap, now) != first {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0.1, 10000),
		gen.Float64Range(0.1, 10000),
		gen.Float64Range(0.001, 100),
		gen.Float64Range(-1, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: a conjunction holds only when every member holds. If the set
// evaluates true, each individual condition must also evaluate true.
func TestProperty_ConjunctionImpliesMembers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	parser := NewParser(DefaultDefaults())

	properties.Property("set true implies every member true", prop.ForAll(
		func(price, lower, upper float64) bool {
			if lower >= upper {
				lower, upper = upper, lower+1
			}
			raw := fmt.Sprintf(`{"price_above":%f,"price_below":%f}`, lower, upper)
			set, err := parser.Parse([]byte(raw))
			if err != nil {
				t.Logf("parse failed: %v", err)
				return false
			}

			snap := &models.Snapshot{Symbol: "EURUSD", Price: price, Timestamp: time.Now()}
			now := time.Now()

			whole := set.Evaluate(snap, now)
			each := true
			for _, c := range set {
				if !c.Evaluate(snap, now) {
					each = false
				}
			}
			return whole == each
		},
		gen.Float64Range(0.1, 10000),
		gen.Float64Range(0.1, 10000),
		gen.Float64Range(0.1, 10000),
	))

	properties.TestingRun(t)
}
