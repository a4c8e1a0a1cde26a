package campaign

import (
	"fmt"
	"sort"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// Typecheck verifies that every signal the condition tree references
// exists in the manifest; window functions additionally need a numeric or
// bool signal and a known function name. Operand types of plain signal
// references are not checked against their operators. Returns ErrTreeDepthExceeded or ErrTypecheckFailed (wrapped with
// detail).
func Typecheck(tree *types.ConditionNode, manifest *types.DecoderManifest) error {
	if tree == nil {
		return nil
	}
	if tree.Depth() > types.MaxConditionTreeDepth {
		return ErrTreeDepthExceeded
	}
	return typecheckNode(tree, manifest)
}

func typecheckNode(n *types.ConditionNode, manifest *types.DecoderManifest) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case types.NodeNumber, types.NodeBool, types.NodeString:
		return nil

	case types.NodeSignal:
		if _, ok := manifest.SignalTypeOf(n.SignalID); !ok {
			return fmt.Errorf("%w: signal %d not in manifest %s", ErrTypecheckFailed, n.SignalID, manifest.SyncID)
		}
		return nil

	case types.NodeWindowFunction:
		t, ok := manifest.SignalTypeOf(n.SignalID)
		if !ok {
			return fmt.Errorf("%w: signal %d not in manifest %s", ErrTypecheckFailed, n.SignalID, manifest.SyncID)
		}
		if !t.IsNumeric() && t != types.SignalTypeBool {
			return fmt.Errorf("%w: window function over non-numeric signal %d", ErrTypecheckFailed, n.SignalID)
		}
		switch n.Function {
		case types.WindowLastMin, types.WindowLastMax, types.WindowLastAvg,
			types.WindowPrevLastMin, types.WindowPrevLastMax, types.WindowPrevLastAvg:
		default:
			return fmt.Errorf("%w: unknown window function %q", ErrTypecheckFailed, n.Function)
		}
		return nil

	case types.NodeCustomFunction:
		if n.FunctionName == "" {
			return fmt.Errorf("%w: custom function call without a name", ErrTypecheckFailed)
		}
		for _, arg := range n.Args {
			if err := typecheckNode(arg, manifest); err != nil {
				return err
			}
		}
		return nil

	case types.NodeOperator:
		switch n.Op {
		case types.OpLogicalNot:
			if n.Left == nil || n.Right != nil {
				return fmt.Errorf("%w: operator %q is unary", ErrTypecheckFailed, n.Op)
			}
		case types.OpSmaller, types.OpBigger, types.OpSmallerEqual, types.OpBiggerEqual,
			types.OpEqual, types.OpNotEqual, types.OpLogicalAnd, types.OpLogicalOr,
			types.OpPlus, types.OpMinus, types.OpMultiply, types.OpDivide:
			if n.Left == nil || n.Right == nil {
				return fmt.Errorf("%w: operator %q needs two operands", ErrTypecheckFailed, n.Op)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrTypecheckFailed, n.Op)
		}
		if err := typecheckNode(n.Left, manifest); err != nil {
			return err
		}
		return typecheckNode(n.Right, manifest)
	}
	return fmt.Errorf("%w: unknown node kind %q", ErrTypecheckFailed, n.Kind)
}

// BuildMatrix derives the inspection matrix from the campaigns currently
// active. Conditions are ordered by priority, then sync ID, so concurrent
// fires break ties deterministically.
func BuildMatrix(active []*types.Campaign) *types.InspectionMatrix {
	m := &types.InspectionMatrix{
		RequiredSignals: make(map[types.SignalID]struct{}),
	}
	for _, c := range active {
		cond := &types.InspectionCondition{
			CampaignSyncID:    c.SyncID,
			Condition:         c.Condition,
			PeriodMs:          c.PeriodMs,
			MinIntervalMs:     c.MinIntervalMs,
			Mode:              c.Mode,
			AfterDurationMs:   c.AfterDurationMs,
			Signals:           c.Signals,
			Priority:          c.Priority,
			IncludeActiveDTCs: c.IncludeActiveDTCs,
			PersistAllData:    c.PersistAllData,
			Compress:          c.Compress,
		}
		m.Conditions = append(m.Conditions, cond)

		for _, req := range c.Signals {
			m.RequiredSignals[req.SignalID] = struct{}{}
		}
		for _, id := range c.Condition.ReferencedSignals(nil) {
			m.RequiredSignals[id] = struct{}{}
		}
	}
	sort.SliceStable(m.Conditions, func(i, j int) bool {
		if m.Conditions[i].Priority != m.Conditions[j].Priority {
			return m.Conditions[i].Priority < m.Conditions[j].Priority
		}
		return m.Conditions[i].CampaignSyncID < m.Conditions[j].CampaignSyncID
	})
	return m
}
