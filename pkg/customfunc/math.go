package customfunc

import (
	"math"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// mathFunc wraps a stateless numeric helper as a custom function. Any
// undefined argument yields undefined; non-numeric arguments are a type
// mismatch.
type mathFunc struct {
	arity int
	apply func(args []float64) float64
}

func (m *mathFunc) Invoke(_ types.SyncID, args []types.Value) (types.Value, error) {
	if len(args) != m.arity {
		return types.Undefined(), ErrTypeMismatch
	}
	nums := make([]float64, len(args))
	for i, a := range args {
		if a.IsUndefined() {
			return types.Undefined(), nil
		}
		n, ok := a.AsNumber()
		if !ok {
			return types.Undefined(), ErrTypeMismatch
		}
		nums[i] = n
	}
	return types.NumberValue(m.apply(nums)), nil
}

func (m *mathFunc) ConditionEnd(map[types.SignalID]struct{}, uint64, *types.TriggeredData) {}

func (m *mathFunc) Cleanup(types.SyncID) {}

// RegisterMath registers the numeric helper functions under their
// expression names.
func RegisterMath(r *Registry) {
	r.Register("abs", &mathFunc{arity: 1, apply: func(a []float64) float64 { return math.Abs(a[0]) }})
	r.Register("min", &mathFunc{arity: 2, apply: func(a []float64) float64 { return math.Min(a[0], a[1]) }})
	r.Register("max", &mathFunc{arity: 2, apply: func(a []float64) float64 { return math.Max(a[0], a[1]) }})
	r.Register("pow", &mathFunc{arity: 2, apply: func(a []float64) float64 { return math.Pow(a[0], a[1]) }})
	r.Register("log", &mathFunc{arity: 1, apply: func(a []float64) float64 { return math.Log(a[0]) }})
	r.Register("ceil", &mathFunc{arity: 1, apply: func(a []float64) float64 { return math.Ceil(a[0]) }})
	r.Register("floor", &mathFunc{arity: 1, apply: func(a []float64) float64 { return math.Floor(a[0]) }})
}
