// Package query compiles Mango-style selectors into matchers and comparators
// over core.Document.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/aretw0/strata/pkg/core"
)

// SortField orders results by one field.
type SortField struct {
	Field string `json:"field" yaml:"field"`
	Desc  bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

func (s SortField) String() string {
	if s.Desc {
		return "-" + s.Field
	}
	return s.Field
}

// Query is the caller-facing query description.
type Query struct {
	Selector map[string]any `json:"selector,omitempty" yaml:"selector,omitempty"`
	Sort     []SortField    `json:"sort,omitempty" yaml:"sort,omitempty"`
	// Limit caps the result size; 0 means unlimited.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
	Skip  int `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// Prepared is a validated, immutable query. It can be reused concurrently.
type Prepared struct {
	query Query
	root  Node
}

// Prepare validates q and compiles its selector.
func Prepare(q Query) (*Prepared, error) {
	if q.Limit < 0 {
		return nil, invalid("negative limit %d", q.Limit)
	}
	if q.Skip < 0 {
		return nil, invalid("negative skip %d", q.Skip)
	}
	for _, s := range q.Sort {
		if s.Field == "" {
			return nil, invalid("empty sort field")
		}
	}

	normalized := Query{
		Selector: map[string]any{},
		Sort:     append([]SortField(nil), q.Sort...),
		Limit:    q.Limit,
		Skip:     q.Skip,
	}
	if q.Selector != nil {
		normalized.Selector = deepcopy.Copy(q.Selector).(map[string]any)
	}
	root, err := Compile(normalized.Selector)
	if err != nil {
		return nil, err
	}
	return &Prepared{query: normalized, root: root}, nil
}

// MustPrepare is like Prepare but panics on invalid input.
func MustPrepare(q Query) *Prepared {
	p, err := Prepare(q)
	if err != nil {
		panic(err)
	}
	return p
}

// Query returns a copy of the normalized query.
func (p *Prepared) Query() Query {
	q := p.query
	q.Selector = deepcopy.Copy(p.query.Selector).(map[string]any)
	q.Sort = append([]SortField(nil), p.query.Sort...)
	return q
}

// Root returns the compiled expression tree.
func (p *Prepared) Root() Node {
	return p.root
}

// Matcher returns the selector predicate.
func (p *Prepared) Matcher() func(core.Document) bool {
	return p.root.Match
}

// Comparator orders documents by the sort fields, then by id ascending, so that it
// is a total order over distinct documents.
func (p *Prepared) Comparator() func(a, b core.Document) int {
	fields := p.query.Sort
	return func(a, b core.Document) int {
		for _, f := range fields {
			c := Collate(value(a, f.Field), value(b, f.Field))
			if f.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(a.ID, b.ID)
	}
}

// Apply filters, sorts and pages docs. The input slice is not modified.
func (p *Prepared) Apply(docs []core.Document) []core.Document {
	match := p.Matcher()
	out := make([]core.Document, 0, len(docs))
	for _, d := range docs {
		if match(d) {
			out = append(out, d)
		}
	}

	cmp := p.Comparator()
	sort.SliceStable(out, func(i, j int) bool {
		return cmp(out[i], out[j]) < 0
	})

	if p.query.Skip > 0 {
		if p.query.Skip >= len(out) {
			return []core.Document{}
		}
		out = out[p.query.Skip:]
	}
	if p.query.Limit > 0 && len(out) > p.query.Limit {
		out = out[:p.query.Limit]
	}
	return out
}

func value(d core.Document, path string) any {
	v, ok := d.Get(path)
	if !ok {
		return Undefined
	}
	return v
}

// ParseSort reads sort specs in the forms "field", "-field", {"field": "asc"|"desc"}
// or a list of those.
func ParseSort(spec any) ([]SortField, error) {
	if spec == nil {
		return nil, nil
	}
	if s, ok := spec.(string); ok {
		return parseSortString(s)
	}
	if m, ok := spec.(map[string]any); ok {
		return parseSortMap(m)
	}

	items, ok := asList(spec)
	if !ok {
		return nil, invalid("sort must be a string, object or array, got %T", spec)
	}
	var out []SortField
	for _, item := range items {
		fields, err := ParseSort(item)
		if err != nil {
			return nil, err
		}
		out = append(out, fields...)
	}
	return out, nil
}

func parseSortString(s string) ([]SortField, error) {
	var out []SortField
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f := SortField{Field: part}
		if strings.HasPrefix(part, "-") {
			f = SortField{Field: part[1:], Desc: true}
		}
		if f.Field == "" {
			return nil, invalid("empty sort field")
		}
		out = append(out, f)
	}
	return out, nil
}

func parseSortMap(m map[string]any) ([]SortField, error) {
	out := make([]SortField, 0, len(m))
	for _, field := range sortedKeys(m) {
		dir := strings.ToLower(fmt.Sprint(m[field]))
		switch dir {
		case "asc":
			out = append(out, SortField{Field: field})
		case "desc":
			out = append(out, SortField{Field: field, Desc: true})
		default:
			return nil, invalid("sort direction for %s must be asc or desc, got %v", field, m[field])
		}
	}
	return out, nil
}
