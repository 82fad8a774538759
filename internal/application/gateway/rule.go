package gateway

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// AcceptRule is an operator expression evaluated against each parsed SMS,
// e.g. "eth_amount <= 0.5 && currency != 'USD'". An empty rule accepts everything.
type AcceptRule struct {
	source string
	expr   *govaluate.EvaluableExpression
	fixed  *bool
}

// NewAcceptRule compiles the rule once.
func NewAcceptRule(rule string) (*AcceptRule, error) {
	r := &AcceptRule{source: strings.TrimSpace(rule)}
	switch strings.ToLower(r.source) {
	case "", "true":
		v := true
		r.fixed = &v
		return r, nil
	case "false":
		v := false
		r.fixed = &v
		return r, nil
	}
	expr, err := govaluate.NewEvaluableExpression(r.source)
	if err != nil {
		return nil, err
	}
	r.expr = expr
	return r, nil
}

// String returns the rule source.
func (r *AcceptRule) String() string {
	return r.source
}

// Evaluate reports whether the parameters satisfy the rule.
func (r *AcceptRule) Evaluate(params map[string]interface{}) (bool, error) {
	if r.fixed != nil {
		return *r.fixed, nil
	}
	result, err := r.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("accept rule did not evaluate to boolean")
	}
}
