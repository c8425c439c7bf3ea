package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aretw0/strata/pkg/core"
)

// Node is a compiled selector expression. The set of implementations is closed:
// field conditions and the logical combinators.
type Node interface {
	Match(doc core.Document) bool
	node()
}

// All matches every document. It is the compiled form of an empty selector.
type All struct{}

// And matches when every child matches.
type And []Node

// Or matches when at least one child matches.
type Or []Node

// Nor matches when no child matches.
type Nor []Node

// Not inverts its child.
type Not struct{ Node Node }

// Field applies a condition to the value found at Path.
type Field struct {
	Path string
	Cond Condition
}

func (All) node()   {}
func (And) node()   {}
func (Or) node()    {}
func (Nor) node()   {}
func (Not) node()   {}
func (Field) node() {}

func (All) Match(core.Document) bool { return true }

func (n And) Match(doc core.Document) bool {
	for _, c := range n {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}

func (n Or) Match(doc core.Document) bool {
	for _, c := range n {
		if c.Match(doc) {
			return true
		}
	}
	return false
}

func (n Nor) Match(doc core.Document) bool {
	return !Or(n).Match(doc)
}

func (n Not) Match(doc core.Document) bool {
	return !n.Node.Match(doc)
}

func (n Field) Match(doc core.Document) bool {
	v, ok := doc.Get(n.Path)
	if !ok {
		v = Undefined
	}
	return n.Cond.Eval(v, ok)
}

// Condition is one or more operators applied to a single field value.
type Condition struct {
	Op    string
	Value any
	// Conds holds the children of "$and" (several operators on one field) and "$not".
	Conds []Condition
	re    *regexp.Regexp
	// elem is the sub-selector of an "$elemMatch" over object elements.
	elem Node
}

// Eval reports whether value satisfies the condition; defined is false for missing fields.
func (c Condition) Eval(value any, defined bool) bool {
	hasValue := defined && value != nil
	switch c.Op {
	case "$and":
		for _, sub := range c.Conds {
			if !sub.Eval(value, defined) {
				return false
			}
		}
		return true
	case "$not":
		return !c.Conds[0].Eval(value, defined)
	case "$eq":
		return defined && Collate(value, c.Value) == 0
	case "$ne":
		return Collate(value, c.Value) != 0
	case "$gt":
		return defined && Collate(value, c.Value) > 0
	case "$gte":
		return defined && Collate(value, c.Value) >= 0
	case "$lt":
		return defined && Collate(value, c.Value) < 0
	case "$lte":
		return defined && Collate(value, c.Value) <= 0
	case "$in":
		return hasValue && inList(value, c.Value.([]any))
	case "$nin":
		return hasValue && !inList(value, c.Value.([]any))
	case "$exists":
		return defined == c.Value.(bool)
	case "$regex":
		s, ok := value.(string)
		return defined && ok && c.re.MatchString(s)
	case "$size":
		return hasValue && rank(value) == rankArray && int64(len(toSlice(value))) == c.Value.(int64)
	case "$mod":
		if !hasValue || rank(value) != rankNumber {
			return false
		}
		args := c.Value.([2]int64)
		n, ok := toNumber(value).integer()
		return ok && n%args[0] == args[1]
	case "$type":
		return defined && typeName(value) == c.Value.(string)
	case "$elemMatch":
		if !hasValue || rank(value) != rankArray {
			return false
		}
		for _, e := range toSlice(value) {
			if c.matchElem(e) {
				return true
			}
		}
		return false
	}
	return false
}

func (c Condition) matchElem(e any) bool {
	if c.elem == nil {
		return c.Conds[0].Eval(e, true)
	}
	if rank(e) != rankObject {
		return false
	}
	return c.elem.Match(core.Document{Data: toMap(e)})
}

// typeNames are the value types "$type" accepts.
var typeNames = map[string]bool{
	"null": true, "boolean": true, "number": true, "string": true, "array": true, "object": true,
}

func typeName(v any) string {
	switch rank(v) {
	case rankNull:
		return "null"
	case rankFalse, rankTrue:
		return "boolean"
	case rankNumber:
		return "number"
	case rankString:
		return "string"
	case rankArray:
		return "array"
	case rankObject:
		return "object"
	}
	return ""
}

// inList matches value against candidates; array values match when any element does.
func inList(value any, candidates []any) bool {
	elems := []any{value}
	if rank(value) == rankArray {
		elems = toSlice(value)
	}
	for _, want := range candidates {
		for _, v := range elems {
			if Collate(v, want) == 0 {
				return true
			}
		}
	}
	return false
}

// Compile turns a selector into an expression tree.
func Compile(selector map[string]any) (Node, error) {
	return compileSelector(selector, "")
}

func compileSelector(selector map[string]any, prefix string) (Node, error) {
	if len(selector) == 0 {
		return All{}, nil
	}

	var out And
	for _, key := range sortedKeys(selector) {
		val := selector[key]
		var (
			n   Node
			err error
		)
		switch key {
		case "$and", "$or", "$nor":
			n, err = compileCombinator(key, val, prefix)
		case "$not":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, invalid("$not expects an object, got %T", val)
			}
			var child Node
			child, err = compileSelector(m, prefix)
			n = Not{Node: child}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, invalid("unknown operator %s", key)
			}
			n, err = compileField(join(prefix, key), val)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func compileCombinator(op string, val any, prefix string) (Node, error) {
	members, ok := asList(val)
	if !ok {
		return nil, invalid("%s expects an array, got %T", op, val)
	}
	children := make([]Node, 0, len(members))
	for _, m := range members {
		sel, ok := m.(map[string]any)
		if !ok {
			return nil, invalid("%s members must be objects, got %T", op, m)
		}
		child, err := compileSelector(sel, prefix)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	switch op {
	case "$and":
		return And(children), nil
	case "$or":
		return Or(children), nil
	default:
		return Nor(children), nil
	}
}

// compileField handles the value under a field key: an operator object, a nested
// sub-selector (an object without operators) or a literal compared for equality.
func compileField(path string, val any) (Node, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return Field{Path: path, Cond: Condition{Op: "$eq", Value: val}}, nil
	}

	ops, plain := 0, 0
	for k := range m {
		if strings.HasPrefix(k, "$") {
			ops++
		} else {
			plain++
		}
	}
	switch {
	case ops > 0 && plain > 0:
		return nil, invalid("field %s mixes operators and plain keys", path)
	case ops == 0 && plain > 0:
		return compileSelector(m, path)
	case ops == 0:
		return Field{Path: path, Cond: Condition{Op: "$eq", Value: m}}, nil
	}

	cond, err := compileOperators(path, m)
	if err != nil {
		return nil, err
	}
	return Field{Path: path, Cond: cond}, nil
}

func compileOperators(path string, m map[string]any) (Condition, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, op := range keys {
		c, err := compileOperator(path, op, m[op])
		if err != nil {
			return Condition{}, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return Condition{Op: "$and", Conds: conds}, nil
}

func compileOperator(path, op string, arg any) (Condition, error) {
	switch op {
	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		return Condition{Op: op, Value: arg}, nil
	case "$in", "$nin":
		list, ok := asList(arg)
		if !ok {
			return Condition{}, invalid("%s on %s expects an array, got %T", op, path, arg)
		}
		return Condition{Op: op, Value: list}, nil
	case "$exists":
		b, ok := arg.(bool)
		if !ok {
			return Condition{}, invalid("$exists on %s expects a boolean, got %T", path, arg)
		}
		return Condition{Op: op, Value: b}, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return Condition{}, invalid("$regex on %s expects a string, got %T", path, arg)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Condition{}, invalid("$regex on %s: %v", path, err)
		}
		return Condition{Op: op, Value: pattern, re: re}, nil
	case "$size":
		n, ok := integerArg(arg)
		if !ok {
			return Condition{}, invalid("$size on %s expects an integer, got %v", path, arg)
		}
		return Condition{Op: op, Value: n}, nil
	case "$mod":
		list, ok := asList(arg)
		if !ok || len(list) != 2 {
			return Condition{}, invalid("$mod on %s expects [divisor, remainder], got %v", path, arg)
		}
		divisor, ok1 := integerArg(list[0])
		remainder, ok2 := integerArg(list[1])
		if !ok1 || !ok2 || divisor == 0 {
			return Condition{}, invalid("$mod on %s expects integers and a non-zero divisor, got %v", path, arg)
		}
		return Condition{Op: op, Value: [2]int64{divisor, remainder}}, nil
	case "$type":
		name, ok := arg.(string)
		if !ok || !typeNames[name] {
			return Condition{}, invalid("$type on %s expects one of null, boolean, number, string, array, object, got %v", path, arg)
		}
		return Condition{Op: op, Value: name}, nil
	case "$elemMatch":
		m, ok := arg.(map[string]any)
		if !ok || len(m) == 0 {
			return Condition{}, invalid("$elemMatch on %s expects a non-empty object, got %v", path, arg)
		}
		if isOperatorObject(m) {
			inner, err := compileOperators(path, m)
			if err != nil {
				return Condition{}, err
			}
			return Condition{Op: op, Conds: []Condition{inner}}, nil
		}
		sel, err := compileSelector(m, "")
		if err != nil {
			return Condition{}, err
		}
		return Condition{Op: op, elem: sel}, nil
	case "$not":
		m, ok := arg.(map[string]any)
		if !ok {
			return Condition{}, invalid("$not on %s expects an operator object, got %T", path, arg)
		}
		for k := range m {
			if !strings.HasPrefix(k, "$") {
				return Condition{}, invalid("$not on %s expects operators, got %q", path, k)
			}
		}
		if len(m) == 0 {
			return Condition{}, invalid("$not on %s is empty", path)
		}
		inner, err := compileOperators(path, m)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Op: op, Conds: []Condition{inner}}, nil
	}
	return Condition{}, invalid("unknown operator %s on %s", op, path)
}

// isOperatorObject reports whether every key of m is a field operator. Combinators and
// plain keys make m a sub-selector.
func isOperatorObject(m map[string]any) bool {
	for k := range m {
		switch {
		case !strings.HasPrefix(k, "$"), k == "$and", k == "$or", k == "$nor":
			return false
		}
	}
	return true
}

func integerArg(v any) (int64, bool) {
	if v == nil || rank(v) != rankNumber {
		return 0, false
	}
	return toNumber(v).integer()
}

func asList(v any) ([]any, bool) {
	if v == nil || rank(v) != rankArray {
		return nil, false
	}
	return toSlice(v), true
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrInvalidQuery, fmt.Sprintf(format, args...))
}
