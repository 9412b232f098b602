package query

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Predicate evaluates a compiled filter against one row.
type Predicate func(row map[string]any) bool

// Compile translates a filter into a row predicate. The empty filter
// matches everything, nil rows included. Unknown operators inside a
// predicate are ignored here; Validate rejects them at the boundary.
func Compile(f Filter) (Predicate, error) {
	if len(f) == 0 {
		return func(map[string]any) bool { return true }, nil
	}
	// Pre-compile regexes so a bad pattern fails at compile time.
	if err := precompileRegexes(f); err != nil {
		return nil, err
	}
	return func(row map[string]any) bool {
		return matchFilter(f, row)
	}, nil
}

func precompileRegexes(f Filter) error {
	for key, value := range f {
		switch key {
		case opAnd, opOr, opNor:
			if children, ok := value.([]any); ok {
				for _, child := range children {
					if sub, ok := child.(map[string]any); ok {
						if err := precompileRegexes(sub); err != nil {
							return err
						}
					}
				}
			}
		case opNot:
			if sub, ok := value.(map[string]any); ok {
				if err := precompileRegexes(sub); err != nil {
					return err
				}
			}
		default:
			ops, ok := value.(map[string]any)
			if !ok || !isOperatorObject(ops) {
				continue
			}
			if pattern, ok := ops["$regex"].(string); ok {
				opts, _ := ops["$options"].(string)
				if _, err := compileRegex(pattern, opts); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	if strings.Contains(options, "i") {
		flags += "i"
	}
	if strings.Contains(options, "s") {
		flags += "s"
	}
	if strings.Contains(options, "m") {
		flags += "m"
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidFilter, "bad $regex pattern")
	}
	return re, nil
}

func matchFilter(f Filter, row map[string]any) bool {
	for key, value := range f {
		switch key {
		case opAnd:
			children, _ := value.([]any)
			for _, child := range children {
				sub, _ := child.(map[string]any)
				if !matchFilter(sub, row) {
					return false
				}
			}
		case opOr:
			children, _ := value.([]any)
			matched := len(children) == 0
			for _, child := range children {
				sub, _ := child.(map[string]any)
				if matchFilter(sub, row) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case opNor:
			children, _ := value.([]any)
			for _, child := range children {
				sub, _ := child.(map[string]any)
				if matchFilter(sub, row) {
					return false
				}
			}
		case opNot:
			sub, _ := value.(map[string]any)
			if matchFilter(sub, row) {
				return false
			}
		default:
			fieldVal, present := Lookup(row, key)
			if !matchPredicate(fieldVal, present, value) {
				return false
			}
		}
	}
	return true
}

// Lookup navigates a dotted path through nested objects. Primitives
// stop navigation: the field is then reported absent.
func Lookup(row map[string]any, path string) (any, bool) {
	if row == nil {
		return nil, false
	}
	cur := any(row)
	for {
		idx := strings.IndexByte(path, '.')
		var seg string
		if idx < 0 {
			seg = path
		} else {
			seg = path[:idx]
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg]
		if !ok {
			return nil, false
		}
		if idx < 0 {
			return next, true
		}
		cur = next
		path = path[idx+1:]
	}
}

func matchPredicate(fieldVal any, present bool, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		// Bare-value (or literal object) equality.
		return equalValues(fieldVal, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equalValues(fieldVal, arg) {
				return false
			}
		case "$ne":
			if equalValues(fieldVal, arg) {
				return false
			}
		case "$gt":
			c, ok := compareValues(fieldVal, arg)
			if !ok || c <= 0 {
				return false
			}
		case "$gte":
			c, ok := compareValues(fieldVal, arg)
			if !ok || c < 0 {
				return false
			}
		case "$lt":
			c, ok := compareValues(fieldVal, arg)
			if !ok || c >= 0 {
				return false
			}
		case "$lte":
			c, ok := compareValues(fieldVal, arg)
			if !ok || c > 0 {
				return false
			}
		case "$in":
			items, _ := arg.([]any)
			found := false
			for _, item := range items {
				if equalValues(fieldVal, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$nin":
			items, _ := arg.([]any)
			for _, item := range items {
				if equalValues(fieldVal, item) {
					return false
				}
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$type":
			if typeName(fieldVal) != arg {
				return false
			}
		case "$regex":
			pattern, _ := arg.(string)
			opts, _ := ops["$options"].(string)
			re, err := compileRegex(pattern, opts)
			if err != nil {
				return false
			}
			s, ok := fieldVal.(string)
			if !ok || !re.MatchString(s) {
				return false
			}
		case "$options":
			// consumed by $regex
		case "$startsWith":
			prefix, _ := arg.(string)
			s, ok := fieldVal.(string)
			if !ok || !strings.HasPrefix(s, prefix) {
				return false
			}
		case "$endsWith":
			suffix, _ := arg.(string)
			s, ok := fieldVal.(string)
			if !ok || !strings.HasSuffix(s, suffix) {
				return false
			}
		case "$contains":
			switch v := fieldVal.(type) {
			case string:
				sub, _ := arg.(string)
				if !strings.Contains(v, sub) {
					return false
				}
			case []any:
				found := false
				for _, item := range v {
					if equalValues(item, arg) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			default:
				return false
			}
		case "$all":
			items, _ := arg.([]any)
			arr, ok := fieldVal.([]any)
			if !ok {
				return false
			}
			for _, want := range items {
				found := false
				for _, have := range arr {
					if equalValues(have, want) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
		case "$size":
			arr, ok := fieldVal.([]any)
			if !ok {
				return false
			}
			want, ok := toFloat(arg)
			if !ok || float64(len(arr)) != want {
				return false
			}
		case "$elemMatch":
			sub, _ := arg.(map[string]any)
			arr, ok := fieldVal.([]any)
			if !ok {
				return false
			}
			matched := false
			for _, item := range arr {
				if elem, ok := item.(map[string]any); ok {
					if matchFilter(sub, elem) {
						matched = true
						break
					}
				} else if isOperatorObject(sub) {
					// scalar arrays: operators apply to the element
					if matchPredicate(item, true, sub) {
						matched = true
					}
				}
				if matched {
					break
				}
			}
			if !matched {
				return false
			}
		case opNot:
			sub, _ := arg.(map[string]any)
			if matchPredicate(fieldVal, present, sub) {
				return false
			}
		case "$vector":
			// Resolved by the vector index during planning; rows that
			// reach predicate evaluation already passed it.
		default:
			// Unknown operator: ignored by row matching.
		}
	}
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "date"
	}
	return "unknown"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// compareValues orders two values: -1, 0, 1. Numbers compare
// numerically across widths, strings lexically, dates by timestamp.
// Mixed or non-orderable kinds report ok=false; null never orders
// against a non-null value.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// equalValues is deep equality with the dialect's null semantics: a
// null row field equals only a null filter value; arrays compare
// element-wise; objects compare key-wise.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !equalValues(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}
