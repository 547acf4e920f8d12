// Package applicability evaluates bundle gating expressions inside a strict
// sandbox. Expressions may read whitelisted symbols, select attributes off
// dict-shaped values, compare, combine with and/or/not, and do basic
// arithmetic. Everything else (calls, indexing, comprehensions, macros) is
// rejected before evaluation, so bundle authors cannot reach the host.
package applicability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ErrUnsupportedExpression marks expressions using constructs outside the
// sandbox grammar. Callers surface it as a validation error, never retried.
var ErrUnsupportedExpression = errors.New("unsupported expression")

// ErrUnknownSymbol marks references to identifiers outside the whitelist.
var ErrUnknownSymbol = errors.New("unknown symbol")

// CompanyFields are the company attributes a requirements rule may read.
var CompanyFields = []string{"employees", "listed_status", "reporting_year", "turnover"}

const evalCostLimit = 100000

// Evaluator compiles and runs sandboxed expressions against a fixed symbol
// whitelist. Build one per context shape and reuse it; it is safe for
// concurrent use.
type Evaluator struct {
	env     *cel.Env
	symbols map[string]bool
	fields  map[string]map[string]bool
}

// NewEvaluator declares the given symbols as dynamically-typed variables.
// Attribute access off them is unrestricted until RestrictFields is called.
func NewEvaluator(symbols ...string) (*Evaluator, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	known := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		opts = append(opts, cel.Variable(sym, cel.DynType))
		known[sym] = true
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("applicability: build environment: %w", err)
	}
	return &Evaluator{
		env:     env,
		symbols: known,
		fields:  make(map[string]map[string]bool),
	}, nil
}

// NewCompanyEvaluator returns the evaluator used for requirements
// applicability rules: the single symbol "company" with exactly the four
// readable attributes.
func NewCompanyEvaluator() (*Evaluator, error) {
	e, err := NewEvaluator("company")
	if err != nil {
		return nil, err
	}
	e.RestrictFields("company", CompanyFields...)
	return e, nil
}

// RestrictFields limits which attributes may be selected directly off a
// symbol. Symbols without a restriction accept any attribute name; missing
// attributes still fail at evaluation time.
func (e *Evaluator) RestrictFields(symbol string, fields ...string) {
	allowed := make(map[string]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	e.fields[symbol] = allowed
}

// Evaluate runs one expression against the input map. Expressions arrive in
// the bundle dialect (and/or/not, True/False/None) and are rewritten to CEL
// tokens before compilation. Non-boolean results coerce by emptiness, so a
// bare numeric field can gate a rule.
//
// The grammar walk happens on the parsed AST, before type checking, so an
// undeclared identifier reports ErrUnknownSymbol rather than a generic
// check failure.
func (e *Evaluator) Evaluate(expression string, input map[string]any) (bool, error) {
	parsed, issues := e.env.Parse(rewriteExpression(expression))
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("applicability: parse %q: %w: %v", expression, ErrUnsupportedExpression, issues.Err())
	}
	if err := e.checkExpr(parsed.NativeRep().Expr()); err != nil {
		return false, fmt.Errorf("applicability: %q: %w", expression, err)
	}
	checked, issues := e.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("applicability: check %q: %w: %v", expression, ErrUnsupportedExpression, issues.Err())
	}

	prog, err := e.env.Program(checked,
		cel.CostLimit(evalCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return false, fmt.Errorf("applicability: program %q: %w", expression, err)
	}
	val, _, err := prog.Eval(input)
	if err != nil {
		return false, fmt.Errorf("applicability: evaluate %q: %w", expression, err)
	}
	return truthy(val), nil
}

// allowedOperators is the full operator surface of the sandbox grammar.
var allowedOperators = map[string]bool{
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.Add:           true,
	operators.Subtract:      true,
	operators.Multiply:      true,
	operators.Divide:        true,
}

// checkExpr walks the checked AST and rejects any node kind outside the
// sandbox grammar. Runs after type checking so operator calls are already
// normalised to their _op_ function names.
func (e *Evaluator) checkExpr(expr celast.Expr) error {
	switch expr.Kind() {
	case celast.LiteralKind:
		return nil
	case celast.IdentKind:
		name := expr.AsIdent()
		if !e.symbols[name] {
			return fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
		}
		return nil
	case celast.SelectKind:
		sel := expr.AsSelect()
		if sel.IsTestOnly() {
			return fmt.Errorf("%w: presence test", ErrUnsupportedExpression)
		}
		operand := sel.Operand()
		if operand.Kind() == celast.IdentKind {
			base := operand.AsIdent()
			if allowed, restricted := e.fields[base]; restricted && !allowed[sel.FieldName()] {
				return fmt.Errorf("%w: attribute %s.%s", ErrUnsupportedExpression, base, sel.FieldName())
			}
		}
		return e.checkExpr(operand)
	case celast.CallKind:
		call := expr.AsCall()
		if !allowedOperators[call.FunctionName()] {
			return fmt.Errorf("%w: call %s", ErrUnsupportedExpression, call.FunctionName())
		}
		if call.IsMemberFunction() {
			if err := e.checkExpr(call.Target()); err != nil {
				return err
			}
		}
		for _, arg := range call.Args() {
			if err := e.checkExpr(arg); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: node kind %v", ErrUnsupportedExpression, expr.Kind())
	}
}

// tokenRewrites maps the bundle expression dialect onto CEL tokens.
var tokenRewrites = map[string]string{
	"and":   "&&",
	"or":    "||",
	"not":   "!",
	"True":  "true",
	"False": "false",
	"None":  "null",
}

func rewriteExpression(expr string) string {
	var out strings.Builder
	out.Grow(len(expr))
	i := 0
	for i < len(expr) {
		c := expr[i]
		if c == '\'' || c == '"' {
			j := i + 1
			for j < len(expr) && expr[j] != c {
				if expr[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			out.WriteString(expr[i:j])
			i = j
			continue
		}
		if isIdentStart(c) {
			j := i + 1
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			word := expr[i:j]
			if repl, ok := tokenRewrites[word]; ok {
				out.WriteString(repl)
			} else {
				out.WriteString(word)
			}
			i = j
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func truthy(val ref.Val) bool {
	switch val.Type() {
	case types.BoolType:
		return bool(val.(types.Bool))
	case types.IntType:
		return int64(val.(types.Int)) != 0
	case types.UintType:
		return uint64(val.(types.Uint)) != 0
	case types.DoubleType:
		return float64(val.(types.Double)) != 0
	case types.StringType:
		return val.(types.String) != ""
	case types.NullType:
		return false
	default:
		return true
	}
}
