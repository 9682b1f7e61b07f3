package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxThresholds is the number of threshold entries a rule may carry, one per severity.
const MaxThresholds = 3

// Comparison operators accepted in a threshold expression. Two-character
// operators must be tried before their one-character prefixes.
var comparators = []string{"==", ">=", "<=", "!=", ">", "<"}

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// ThresholdRule binds a severity to the comparison that selects it.
type ThresholdRule struct {
	Severity       Severity `json:"severity"`
	ComparisonExpr string   `json:"comparisonExpr"`
}

// Comparison is a parsed comparisonExpr such as ">= -3.5".
type Comparison struct {
	Operator string
	Value    float64
}

// ParseComparison validates raw against the threshold grammar: a comparator
// followed by optional whitespace and a signed decimal number. Leading
// whitespace is rejected on its own; trailing whitespace is trimmed.
func ParseComparison(raw string) (Comparison, error) {
	if raw != "" && (raw[0] == ' ' || raw[0] == '\t') {
		return Comparison{}, NewValidationError("", "leading whitespace is not allowed")
	}
	expr := strings.TrimRight(raw, " \t")
	if expr == "" {
		return Comparison{}, NewValidationError("", "expression is required")
	}

	var op string
	for _, c := range comparators {
		if strings.HasPrefix(expr, c) {
			op = c
			break
		}
	}
	if op == "" {
		return Comparison{}, NewValidationError("", "malformed operator in %q, expected one of == >= <= != > <", expr)
	}

	num := strings.TrimLeft(expr[len(op):], " \t")
	if num == "" {
		return Comparison{}, NewValidationError("", "missing number after %q", op)
	}
	if !decimalPattern.MatchString(num) {
		return Comparison{}, NewValidationError("", "%q is not a signed decimal number", num)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return Comparison{}, NewValidationError("", "%q is not a signed decimal number", num)
	}
	return Comparison{Operator: op, Value: v}, nil
}

// Matches reports whether value satisfies the comparison.
func (c Comparison) Matches(value float64) bool {
	switch c.Operator {
	case "==":
		return value == c.Value
	case "!=":
		return value != c.Value
	case ">=":
		return value >= c.Value
	case "<=":
		return value <= c.Value
	case ">":
		return value > c.Value
	case "<":
		return value < c.Value
	default:
		return false
	}
}

// ThresholdRuleSet is the per-severity comparison set of one rule.
type ThresholdRuleSet []ThresholdRule

// Validate checks the set size, severity uniqueness and every expression.
// It returns the first violation found with Field relative to the rule
// ("thresholds", "thresholds[1].severity", ...).
func (s ThresholdRuleSet) Validate() *ValidationError {
	if len(s) == 0 {
		return NewValidationError("thresholds", "at least one threshold is required")
	}
	if len(s) > MaxThresholds {
		return NewValidationError("thresholds", "at most %d thresholds are allowed, got %d", MaxThresholds, len(s))
	}

	seen := make(map[Severity]struct{}, len(s))
	for i, t := range s {
		field := "thresholds[" + strconv.Itoa(i) + "]"
		if !t.Severity.IsValid() {
			return NewValidationError(field+".severity", "severity must be one of P0, P1, P2")
		}
		if _, dup := seen[t.Severity]; dup {
			return NewValidationError(field+".severity", "duplicate severity %s", t.Severity)
		}
		seen[t.Severity] = struct{}{}

		if _, err := ParseComparison(t.ComparisonExpr); err != nil {
			return err.(*ValidationError).Prefixed(field + ".comparisonExpr")
		}
	}
	return nil
}

// Normalized returns a copy with trailing whitespace trimmed from every expression.
func (s ThresholdRuleSet) Normalized() ThresholdRuleSet {
	out := make(ThresholdRuleSet, len(s))
	for i, t := range s {
		out[i] = ThresholdRule{
			Severity:       t.Severity,
			ComparisonExpr: strings.TrimRight(t.ComparisonExpr, " \t"),
		}
	}
	return out
}

// Select returns the most critical severity whose comparison matches value.
func (s ThresholdRuleSet) Select(value float64) (Severity, bool) {
	var (
		best  Severity
		found bool
	)
	for _, t := range s {
		c, err := ParseComparison(t.ComparisonExpr)
		if err != nil || !c.Matches(value) {
			continue
		}
		if !found || t.Severity.Rank() < best.Rank() {
			best, found = t.Severity, true
		}
	}
	return best, found
}
