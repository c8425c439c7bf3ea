package query

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Collation ranks. Values of different kinds order by rank; values of the same kind
// compare naturally.
const (
	rankUndefined = iota
	rankNull
	rankFalse
	rankTrue
	rankNumber
	rankString
	rankArray
	rankObject
)

// Undefined stands for a field that is absent from a document.
var Undefined = undefined{}

type undefined struct{}

// Collate compares two values under the fixed collation
// undefined < null < false < true < numbers < strings < arrays < objects.
// Arrays compare element-wise then by length; objects by their sorted keys, then by
// the values under those keys.
func Collate(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case rankNumber:
		return collateNumbers(toNumber(a), toNumber(b))
	case rankString:
		return strings.Compare(toString(a), toString(b))
	case rankArray:
		return collateArrays(toSlice(a), toSlice(b))
	case rankObject:
		return collateObjects(toMap(a), toMap(b))
	}
	return 0
}

func collateArrays(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Collate(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func collateObjects(a, b map[string]any) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Collate(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ka), len(kb))
}

func rank(v any) int {
	switch x := v.(type) {
	case undefined:
		return rankUndefined
	case nil:
		return rankNull
	case bool:
		if x {
			return rankTrue
		}
		return rankFalse
	case string:
		return rankString
	case json.Number:
		return rankNumber
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rankNumber
	case reflect.String:
		return rankString
	case reflect.Bool:
		if rv.Bool() {
			return rankTrue
		}
		return rankFalse
	case reflect.Slice, reflect.Array:
		return rankArray
	case reflect.Map, reflect.Struct:
		return rankObject
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return rankNull
		}
		return rank(rv.Elem().Interface())
	}
	return rankObject
}

// numberKind tells which field of a number holds its value.
type numberKind int

const (
	kindInt numberKind = iota
	kindUint
	kindFloat
)

// number is a numeric value kept exact: integers never pass through float64.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(v any) number {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return number{kind: kindInt, i: i}
		}
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return number{kind: kindUint, u: u}
		}
		f, err := n.Float64()
		if err != nil {
			f = math.NaN()
		}
		return number{kind: kindFloat, f: f}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{kind: kindInt, i: rv.Int()}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return number{kind: kindUint, u: rv.Uint()}
	case reflect.Float32, reflect.Float64:
		return number{kind: kindFloat, f: rv.Float()}
	}
	return number{kind: kindFloat, f: math.NaN()}
}

// exact returns the value of a non-NaN number.
func (n number) exact() *big.Float {
	switch n.kind {
	case kindInt:
		return new(big.Float).SetInt64(n.i)
	case kindUint:
		return new(big.Float).SetUint64(n.u)
	}
	return new(big.Float).SetFloat64(n.f)
}

// integer returns the value as an int64 when it is integral and fits.
func (n number) integer() (int64, bool) {
	switch n.kind {
	case kindInt:
		return n.i, true
	case kindUint:
		return int64(n.u), n.u <= math.MaxInt64
	}
	if n.f != math.Trunc(n.f) || math.IsInf(n.f, 0) || n.f < math.MinInt64 || n.f >= math.MaxInt64 {
		return 0, false
	}
	return int64(n.f), true
}

func (n number) isNaN() bool {
	return n.kind == kindFloat && math.IsNaN(n.f)
}

// collateNumbers compares exactly. NaN sorts below every other number and equals NaN.
func collateNumbers(a, b number) int {
	switch {
	case a.isNaN() || b.isNaN():
		return cmpBool(!a.isNaN(), !b.isNaN())
	case a.kind == kindInt && b.kind == kindInt:
		return cmpInt64(a.i, b.i)
	case a.kind == kindUint && b.kind == kindUint:
		return cmpUint64(a.u, b.u)
	case a.kind == kindFloat && b.kind == kindFloat:
		switch {
		case a.f < b.f:
			return -1
		case a.f > b.f:
			return 1
		}
		return 0
	}
	return a.exact().Cmp(b.exact())
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return reflect.ValueOf(v).String()
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map {
		// Structs are compared through their JSON form.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			return nil
		}
		return m
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[toKey(iter.Key())] = iter.Value().Interface()
	}
	return out
}

func toKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	raw, _ := json.Marshal(k.Interface())
	return strings.Trim(string(raw), `"`)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	}
	return 1
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
