package models

import (
	"fmt"
	"strconv"
)

// GuardOperator is one of the six comparison operators a guard leaf may use.
type GuardOperator string

const (
	GuardOpEqual        GuardOperator = "=="
	GuardOpNotEqual     GuardOperator = "!="
	GuardOpGreater      GuardOperator = ">"
	GuardOpLess         GuardOperator = "<"
	GuardOpGreaterEqual GuardOperator = ">="
	GuardOpLessEqual    GuardOperator = "<="
)

// GuardOperators lists the valid leaf operators.
var GuardOperators = []GuardOperator{
	GuardOpEqual, GuardOpNotEqual,
	GuardOpGreater, GuardOpLess,
	GuardOpGreaterEqual, GuardOpLessEqual,
}

// GuardLogic joins composite guard conditions.
type GuardLogic string

const (
	GuardLogicAnd GuardLogic = "and"
	GuardLogicOr  GuardLogic = "or"
)

// GuardExpression is a boolean predicate tree gating a conditional edge.
// A leaf carries Field/Operator/Value; a composite carries Logic/Conditions.
// Exactly one of the two shapes is valid, enforced by the validation package.
type GuardExpression struct {
	Field    string        `json:"field,omitempty"`
	Operator GuardOperator `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`

	Logic      GuardLogic         `json:"logic,omitempty"`
	Conditions []*GuardExpression `json:"conditions,omitempty"`
}

// IsComposite reports whether the expression is a logical composite rather
// than a leaf comparison.
func (g *GuardExpression) IsComposite() bool {
	return g.Logic != ""
}

// Evaluate applies the predicate tree to a node's result context. Evaluation
// is pure and fails closed: missing fields and non-numeric operands under
// ordered comparison evaluate to false.
func (g *GuardExpression) Evaluate(resultContext map[string]any) bool {
	if g == nil {
		return true
	}

	if g.IsComposite() {
		return g.evaluateComposite(resultContext)
	}

	actual, ok := resultContext[g.Field]
	if !ok {
		return false
	}

	switch g.Operator {
	case GuardOpEqual:
		return looseEqual(actual, g.Value)
	case GuardOpNotEqual:
		return !looseEqual(actual, g.Value)
	case GuardOpGreater, GuardOpLess, GuardOpGreaterEqual, GuardOpLessEqual:
		left, leftOK := coerceNumber(actual)
		right, rightOK := coerceNumber(g.Value)

		if !leftOK || !rightOK {
			return false
		}

		switch g.Operator {
		case GuardOpGreater:
			return left > right
		case GuardOpLess:
			return left < right
		case GuardOpGreaterEqual:
			return left >= right
		default:
			return left <= right
		}
	default:
		return false
	}
}

func (g *GuardExpression) evaluateComposite(resultContext map[string]any) bool {
	switch g.Logic {
	case GuardLogicAnd:
		for _, condition := range g.Conditions {
			if !condition.Evaluate(resultContext) {
				return false
			}
		}

		return len(g.Conditions) > 0
	case GuardLogicOr:
		for _, condition := range g.Conditions {
			if condition.Evaluate(resultContext) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// looseEqual compares numerically when both operands coerce to numbers,
// otherwise by canonical string form. This keeps "3" == 3 and true == "true"
// behaving the way guard authors expect from a flat field/operator/value model.
func looseEqual(a, b any) bool {
	aNum, aOK := coerceNumber(a)
	bNum, bOK := coerceNumber(b)

	if aOK && bOK {
		return aNum == bNum
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}

		return parsed, true
	default:
		return 0, false
	}
}
