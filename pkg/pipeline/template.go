// Package pipeline implements the Pipeline Engine (spec.md §4.2): pipeline
// definition compilation, stage execution, transition resolution, and the
// reactive-event directives that re-evaluate or restart in-flight runs.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled `{{ ... }}` expression: a dotted-path lookup followed
// by an optional filter chain (spec.md §4.2.3). This is deliberately a
// narrow evaluator, not a general scripting runtime — it supports exactly
// the operations pipeline YAML needs: path lookup, `| str`, `| int`,
// `| default(x)`, and `==`/`!=` comparisons against a literal.
type Expr struct {
	raw string
}

// ParseExpr compiles the body of a `{{ ... }}` placeholder (braces already
// stripped).
func ParseExpr(raw string) *Expr {
	return &Expr{raw: strings.TrimSpace(raw)}
}

// Eval resolves the expression against a variable scope (stage outputs,
// trigger payload fields, etc., assembled by the engine per spec.md §4.2.3).
func (e *Expr) Eval(scope map[string]any) (any, error) {
	expr := e.raw

	if op, lhsExpr, rhsLit, ok := splitComparison(expr); ok {
		lhs, err := ParseExpr(lhsExpr).Eval(scope)
		if err != nil {
			return nil, err
		}
		eq := fmt.Sprint(lhs) == rhsLit
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}

	parts := splitPipe(expr)
	val, err := lookupPath(strings.TrimSpace(parts[0]), scope)
	if err != nil {
		// a missing path is only an error if no `default` filter rescues it
		if !hasDefaultFilter(parts[1:]) {
			return nil, err
		}
	}
	for _, filter := range parts[1:] {
		val, err = applyFilter(strings.TrimSpace(filter), val, err != nil)
		if err != nil {
			return nil, err
		}
	}
	return val, nil
}

// EvalString evaluates the expression and renders it as a string, the form
// most stage fields need (messages, branch names, URLs).
func (e *Expr) EvalString(scope map[string]any) (string, error) {
	v, err := e.Eval(scope)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// EvalBool evaluates the expression as a gate/transition condition.
func (e *Expr) EvalBool(scope map[string]any) (bool, error) {
	v, err := e.Eval(scope)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	case string:
		return t != "" && t != "false", nil
	default:
		return true, nil
	}
}

func splitComparison(expr string) (op, lhs, rhs string, ok bool) {
	for _, candidate := range []string{"==", "!="} {
		if idx := strings.Index(expr, candidate); idx >= 0 {
			lhs = strings.TrimSpace(expr[:idx])
			rhs = strings.TrimSpace(expr[idx+len(candidate):])
			rhs = strings.Trim(rhs, `"'`)
			return candidate, lhs, rhs, true
		}
	}
	return "", "", "", false
}

func splitPipe(expr string) []string {
	segs := strings.Split(expr, "|")
	for i := range segs {
		segs[i] = strings.TrimSpace(segs[i])
	}
	return segs
}

func hasDefaultFilter(filters []string) bool {
	for _, f := range filters {
		if strings.HasPrefix(strings.TrimSpace(f), "default(") {
			return true
		}
	}
	return false
}

// RenderTemplate substitutes every `{{ expr }}` placeholder in s with its
// evaluated, stringified value.
func RenderTemplate(s string, scope map[string]any) (string, error) {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		exprBody := rest[start+2 : start+end]
		val, err := ParseExpr(exprBody).EvalString(scope)
		if err != nil {
			return "", fmt.Errorf("render %q: %w", strings.TrimSpace(exprBody), err)
		}
		b.WriteString(val)
		rest = rest[start+end+2:]
	}
	return b.String(), nil
}

func applyFilter(filter string, val any, wasMissing bool) (any, error) {
	switch {
	case filter == "str":
		if wasMissing {
			return val, nil
		}
		return toString(val), nil
	case filter == "int":
		if wasMissing {
			return val, nil
		}
		return toInt(val)
	case strings.HasPrefix(filter, "default(") && strings.HasSuffix(filter, ")"):
		if !wasMissing && val != nil {
			return val, nil
		}
		arg := strings.Trim(filter[len("default(") : len(filter)-1], `"' `)
		return arg, nil
	default:
		return nil, fmt.Errorf("unknown filter %q", filter)
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// lookupPath resolves a dotted path like "trigger.pr.number" against scope.
func lookupPath(path string, scope map[string]any) (any, error) {
	segs := strings.Split(path, ".")
	var cur any = scope
	for i, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not an object", path, strings.Join(segs[:i], "."))
		}
		v, ok := m[seg]
		if !ok {
			return nil, fmt.Errorf("path %q: %q not found", path, seg)
		}
		cur = v
	}
	return cur, nil
}
