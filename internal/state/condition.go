package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a parsed escalation condition. The grammar is a closed set:
// the literals "always" and "changed", or a comparison operator followed by
// a scalar (number, boolean, or quoted/bare string). There is deliberately
// no general expression language here.
type Condition struct {
	kind     conditionKind
	operator string
	number   float64
	boolean  bool
	text     string
	scalar   scalarKind
}

type conditionKind int

const (
	condAlways conditionKind = iota
	condChanged
	condCompare
)

type scalarKind int

const (
	scalarNumber scalarKind = iota
	scalarBool
	scalarString
)

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

// ErrBadCondition is returned for input outside the grammar.
var ErrBadCondition = errors.New("invalid condition")

// ParseCondition tokenizes a condition string.
func ParseCondition(input string) (*Condition, error) {
	s := strings.TrimSpace(input)
	switch s {
	case "":
		return nil, fmt.Errorf("%w: empty", ErrBadCondition)
	case "always":
		return &Condition{kind: condAlways}, nil
	case "changed":
		return &Condition{kind: condChanged}, nil
	}

	for _, op := range comparisonOps {
		if strings.HasPrefix(s, op) {
			operand := strings.TrimSpace(s[len(op):])
			if operand == "" {
				return nil, fmt.Errorf("%w: missing operand after %q", ErrBadCondition, op)
			}
			c := &Condition{kind: condCompare, operator: op}
			if err := c.parseScalar(operand); err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrBadCondition, input)
}

func (c *Condition) parseScalar(operand string) error {
	if n, err := strconv.ParseFloat(operand, 64); err == nil {
		c.scalar = scalarNumber
		c.number = n
		return nil
	}
	switch operand {
	case "true", "false":
		c.scalar = scalarBool
		c.boolean = operand == "true"
		return nil
	}
	// Quoted or bare string.
	if len(operand) >= 2 {
		first, last := operand[0], operand[len(operand)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			operand = operand[1 : len(operand)-1]
		}
	}
	c.scalar = scalarString
	c.text = operand
	return nil
}

// Evaluate applies the condition to a value. "always" is true on every
// call, "changed" is true whenever the caller observed a mutation, and
// comparisons coerce the value to the scalar's kind.
func (c *Condition) Evaluate(value any, changed bool) bool {
	switch c.kind {
	case condAlways:
		return true
	case condChanged:
		return changed
	}

	switch c.scalar {
	case scalarNumber:
		n, ok := toNumber(value)
		if !ok {
			return false
		}
		return compareNumbers(c.operator, n, c.number)
	case scalarBool:
		b, ok := value.(bool)
		if !ok {
			return false
		}
		switch c.operator {
		case "==":
			return b == c.boolean
		case "!=":
			return b != c.boolean
		}
		return false
	default:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprintf("%v", value)
		}
		switch c.operator {
		case "==":
			return s == c.text
		case "!=":
			return s != c.text
		case ">":
			return s > c.text
		case "<":
			return s < c.text
		case ">=":
			return s >= c.text
		case "<=":
			return s <= c.text
		}
		return false
	}
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(op string, left, right float64) bool {
	switch op {
	case ">":
		return left > right
	case "<":
		return left < right
	case ">=":
		return left >= right
	case "<=":
		return left <= right
	case "==":
		return left == right
	case "!=":
		return left != right
	}
	return false
}
