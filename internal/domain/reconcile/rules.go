package reconcile

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/catalog"
)

// RuleSet holds compiled item rules. Each rule is a CEL boolean expression over
// the variable `item` (a map with item_code, name, description, category, unit,
// unit_price and quantity). An item violating any rule is recorded as an error.
type RuleSet struct {
	rules []rule
}

type rule struct {
	expr    string
	program cel.Program
}

// ParseRules compiles a ';'-separated list of expressions. Blank entries are ignored.
func ParseRules(src string) (*RuleSet, error) {
	var exprs []string
	for _, part := range strings.Split(src, ";") {
		if p := strings.TrimSpace(part); p != "" {
			exprs = append(exprs, p)
		}
	}
	return NewRuleSet(exprs...)
}

// NewRuleSet compiles the given expressions.
func NewRuleSet(exprs ...string) (*RuleSet, error) {
	rs := &RuleSet{}
	if len(exprs) == 0 {
		return rs, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("item", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	for _, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", expr, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", expr, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build rule %q: %w", expr, err)
		}
		rs.rules = append(rs.rules, rule{expr: expr, program: prg})
	}
	return rs, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Check evaluates every rule against item. A nil RuleSet accepts everything.
func (rs *RuleSet) Check(item catalog.Item) error {
	if rs == nil {
		return nil
	}
	code := catalog.NormalizeCode(item.ItemCode)
	vars := map[string]any{"item": item.Attributes()}

	for _, r := range rs.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return apperror.NewItemValidation(code, fmt.Sprintf("rule %q failed: %v", r.expr, err))
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			return apperror.NewItemValidation(code, fmt.Sprintf("rule violated: %s", r.expr)).
				WithDetail("rule", r.expr)
		}
	}
	return nil
}
