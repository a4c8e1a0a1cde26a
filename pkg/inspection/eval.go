package inspection

import (
	"math"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// evalEqualEpsilon is the distance under which two floats compare equal.
const evalEqualEpsilon = 0.001

// evalContext carries the per-evaluation environment: the signal state to
// resolve references against and the campaign the condition belongs to.
type evalContext struct {
	engine   *Engine
	cond     *conditionState
	// invoked records the custom function names called during this pass,
	// so their ConditionEnd hook runs exactly once afterwards.
	invoked map[string]struct{}
}

// eval walks the condition tree with strict left-to-right evaluation.
// It never fails: unresolved references, type errors and division by zero
// all yield undefined, and any operation with an undefined operand is
// undefined.
func (c *evalContext) eval(n *types.ConditionNode) types.Value {
	if n == nil {
		return types.Undefined()
	}

	switch n.Kind {
	case types.NodeNumber:
		return types.NumberValue(n.Number)

	case types.NodeBool:
		return types.BoolValue(n.Bool)

	case types.NodeString:
		return types.StringValue(n.Str)

	case types.NodeSignal:
		sig := c.engine.signals[n.SignalID]
		if sig == nil {
			return types.Undefined()
		}
		latest, ok := sig.ring.latest()
		if !ok {
			return types.Undefined()
		}
		return latest.value

	case types.NodeWindowFunction:
		sig := c.engine.signals[n.SignalID]
		if sig == nil {
			return types.Undefined()
		}
		period := c.cond.windowPeriods[n.SignalID]
		if period == 0 {
			return types.Undefined()
		}
		w := sig.windows[period]
		if w == nil {
			return types.Undefined()
		}
		return w.value(n.Function)

	case types.NodeCustomFunction:
		args := make([]types.Value, len(n.Args))
		for i, arg := range n.Args {
			args[i] = c.eval(arg)
		}
		fn, ok := c.engine.cfg.Registry.Lookup(n.FunctionName)
		if !ok {
			return types.Undefined()
		}
		c.invoked[n.FunctionName] = struct{}{}
		result, err := fn.Invoke(c.cond.def.CampaignSyncID, args)
		if err != nil {
			// TYPE_MISMATCH and friends stay local to this evaluation.
			return types.Undefined()
		}
		return result

	case types.NodeOperator:
		return c.evalOperator(n)
	}
	return types.Undefined()
}

func (c *evalContext) evalOperator(n *types.ConditionNode) types.Value {
	left := c.eval(n.Left)

	if n.Op == types.OpLogicalNot {
		b, ok := left.AsBool()
		if !ok {
			return types.Undefined()
		}
		return types.BoolValue(!b)
	}

	right := c.eval(n.Right)

	switch n.Op {
	case types.OpLogicalAnd, types.OpLogicalOr:
		lb, lok := left.AsBool()
		rb, rok := right.AsBool()
		if !lok || !rok {
			return types.Undefined()
		}
		if n.Op == types.OpLogicalAnd {
			return types.BoolValue(lb && rb)
		}
		return types.BoolValue(lb || rb)

	case types.OpEqual, types.OpNotEqual:
		if left.IsString() && right.IsString() {
			eq := left.S == right.S
			if n.Op == types.OpNotEqual {
				eq = !eq
			}
			return types.BoolValue(eq)
		}
		ln, lok := left.AsNumber()
		rn, rok := right.AsNumber()
		if !lok || !rok {
			return types.Undefined()
		}
		eq := math.Abs(ln-rn) < evalEqualEpsilon
		if n.Op == types.OpNotEqual {
			eq = !eq
		}
		return types.BoolValue(eq)

	case types.OpSmaller, types.OpBigger, types.OpSmallerEqual, types.OpBiggerEqual:
		ln, lok := left.AsNumber()
		rn, rok := right.AsNumber()
		if !lok || !rok {
			return types.Undefined()
		}
		switch n.Op {
		case types.OpSmaller:
			return types.BoolValue(ln < rn)
		case types.OpBigger:
			return types.BoolValue(ln > rn)
		case types.OpSmallerEqual:
			return types.BoolValue(ln <= rn)
		default:
			return types.BoolValue(ln >= rn)
		}

	case types.OpPlus, types.OpMinus, types.OpMultiply, types.OpDivide:
		ln, lok := left.AsNumber()
		rn, rok := right.AsNumber()
		if !lok || !rok {
			return types.Undefined()
		}
		switch n.Op {
		case types.OpPlus:
			return types.NumberValue(ln + rn)
		case types.OpMinus:
			return types.NumberValue(ln - rn)
		case types.OpMultiply:
			return types.NumberValue(ln * rn)
		default:
			if rn == 0 {
				return types.Undefined()
			}
			return types.NumberValue(ln / rn)
		}
	}
	return types.Undefined()
}
