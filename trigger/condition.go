package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrBadCondition wraps every condition parse failure.
var ErrBadCondition = errors.New("trigger: malformed condition")

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGt Op = ">"
	OpLt Op = "<"
	OpGe Op = ">="
	OpLe Op = "<="
)

// Condition is the parsed form of a filter expression
// `$.<dotted.path> <op> <literal>`. Attachments parse their condition once
// at load time; evaluation never re-parses.
type Condition struct {
	Path    []string
	Op      Op
	Literal any // string, float64, bool or nil
}

// ParseCondition parses the minimal filter grammar. An empty input returns
// (nil, nil): no condition means the handler always runs.
func ParseCondition(input string) (*Condition, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "$.") {
		return nil, fmt.Errorf("%w: expected $. path prefix in %q", ErrBadCondition, input)
	}
	s = s[2:]

	cut := strings.IndexAny(s, " \t")
	if cut < 0 {
		return nil, fmt.Errorf("%w: missing operator in %q", ErrBadCondition, input)
	}
	rawPath := s[:cut]
	if rawPath == "" {
		return nil, fmt.Errorf("%w: empty path in %q", ErrBadCondition, input)
	}
	path := strings.Split(rawPath, ".")
	for _, seg := range path {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty path segment in %q", ErrBadCondition, input)
		}
	}

	rest := strings.TrimLeft(s[cut:], " \t")
	var op Op
	for _, candidate := range []Op{OpEq, OpNe, OpGe, OpLe, OpGt, OpLt} {
		if strings.HasPrefix(rest, string(candidate)) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("%w: unknown operator in %q", ErrBadCondition, input)
	}

	rawLit := strings.TrimSpace(rest[len(op):])
	if rawLit == "" {
		return nil, fmt.Errorf("%w: missing literal in %q", ErrBadCondition, input)
	}
	lit, err := parseLiteral(rawLit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v in %q", ErrBadCondition, err, input)
	}
	if lit == nil || isBool(lit) {
		if op != OpEq && op != OpNe {
			return nil, fmt.Errorf("%w: %s does not order in %q", ErrBadCondition, rawLit, input)
		}
	}

	return &Condition{Path: path, Op: op, Literal: lit}, nil
}

func parseLiteral(raw string) (any, error) {
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			return raw[1 : len(raw)-1], nil
		}
	}
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("unquoted literal %q is not a number, boolean or null", raw)
	}
	return n, nil
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

// Eval resolves the path against the context document and compares. A path
// that does not resolve makes the condition false; the error reports why.
func (c *Condition) Eval(doc map[string]any) (bool, error) {
	val, ok := resolve(doc, c.Path)
	if !ok {
		return false, fmt.Errorf("trigger: path $.%s not present in context", strings.Join(c.Path, "."))
	}

	switch lit := c.Literal.(type) {
	case nil:
		eq := val == nil
		if c.Op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case bool:
		b, ok := val.(bool)
		if !ok {
			return false, fmt.Errorf("trigger: $.%s is not a boolean", strings.Join(c.Path, "."))
		}
		eq := b == lit
		if c.Op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case float64:
		n, err := toNumber(val)
		if err != nil {
			return false, fmt.Errorf("trigger: $.%s: %w", strings.Join(c.Path, "."), err)
		}
		return compareOrdered(n.Cmp(decimal.NewFromFloat(lit)), c.Op), nil
	case string:
		s, ok := val.(string)
		if !ok {
			return false, fmt.Errorf("trigger: $.%s is not a string", strings.Join(c.Path, "."))
		}
		return compareOrdered(strings.Compare(s, lit), c.Op), nil
	default:
		return false, fmt.Errorf("trigger: unsupported literal type %T", c.Literal)
	}
}

func resolve(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toNumber(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("value %q is not numeric", n)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("value of type %T is not numeric", v)
	}
}

func compareOrdered(cmp int, op Op) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGe:
		return cmp >= 0
	case OpLe:
		return cmp <= 0
	default:
		return false
	}
}
