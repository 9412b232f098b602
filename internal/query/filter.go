// Package query implements the MongoDB-dialect filter language: AST
// validation, compilation to row predicates, and planning — pruning
// Parquet row groups via column statistics and bloom filters before a
// single data page is read.
package query

import (
	"sort"
	"strings"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Filter is a MongoDB-style filter document.
type Filter = map[string]any

// Logical operators take arrays (or a sub-filter for $not).
const (
	opAnd = "$and"
	opOr  = "$or"
	opNor = "$nor"
	opNot = "$not"
)

// knownOperators is the closed set accepted by validation. Unknown $-
// prefixed keys inside a predicate are INVALID_FILTER at the API
// boundary, while row matching silently ignores them.
var knownOperators = map[string]bool{
	"$eq": true, "$ne": true,
	"$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true,
	"$exists": true, "$type": true,
	"$regex": true, "$options": true,
	"$startsWith": true, "$endsWith": true, "$contains": true,
	"$all": true, "$size": true, "$elemMatch": true,
	"$vector": true, "$near": true, "$k": true, "$field": true, "$minScore": true,
}

// Validate checks a filter against the operator grammar. It is called
// once at the API boundary; compiled predicates trust their input.
func Validate(f Filter) error {
	return validateFilter(f, "")
}

func validateFilter(f Filter, at string) error {
	for key, value := range f {
		switch key {
		case opAnd, opOr, opNor:
			children, ok := value.([]any)
			if !ok {
				return errors.Newf(errors.CodeInvalidFilter, "%s requires an array of filters", key)
			}
			for _, child := range children {
				sub, ok := child.(map[string]any)
				if !ok {
					return errors.Newf(errors.CodeInvalidFilter, "%s elements must be filters", key)
				}
				if err := validateFilter(sub, at); err != nil {
					return err
				}
			}
		case opNot:
			sub, ok := value.(map[string]any)
			if !ok {
				return errors.Newf(errors.CodeInvalidFilter, "$not requires a filter")
			}
			if err := validateFilter(sub, at); err != nil {
				return err
			}
		default:
			if strings.HasPrefix(key, "$") {
				return errors.Newf(errors.CodeInvalidFilter, "unknown operator %q", key)
			}
			if err := validatePredicate(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePredicate(field string, value any) error {
	ops, ok := value.(map[string]any)
	if !ok {
		return nil // bare-value equality
	}
	if !isOperatorObject(ops) {
		return nil // literal object equality
	}
	for op, arg := range ops {
		if !knownOperators[op] && op != opNot {
			return errors.Newf(errors.CodeInvalidFilter, "unknown operator %q on field %q", op, field)
		}
		switch op {
		case "$in", "$nin", "$all":
			if _, ok := arg.([]any); !ok {
				return errors.Newf(errors.CodeInvalidFilter, "%s on %q requires an array", op, field)
			}
		case "$elemMatch":
			sub, ok := arg.(map[string]any)
			if !ok {
				return errors.Newf(errors.CodeInvalidFilter, "$elemMatch on %q requires a filter", field)
			}
			if err := validateFilter(sub, field); err != nil {
				return err
			}
		case opNot:
			sub, ok := arg.(map[string]any)
			if !ok {
				return errors.Newf(errors.CodeInvalidFilter, "$not on %q requires an operator object", field)
			}
			if err := validatePredicate(field, sub); err != nil {
				return err
			}
		case "$vector":
			sub, ok := arg.(map[string]any)
			if !ok {
				return errors.Newf(errors.CodeInvalidFilter, "$vector requires an object")
			}
			if _, ok := sub["$near"]; !ok {
				return errors.Newf(errors.CodeInvalidFilter, "$vector requires $near")
			}
		}
	}
	return nil
}

// isOperatorObject reports whether a sub-document is an operator set
// (every key $-prefixed) rather than a literal object to equal-match.
func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// Fields extracts every field a filter references, including
// $elemMatch sub-paths, $vector target fields and every prefix of
// dotted paths. The result is sorted and de-duplicated.
func Fields(f Filter) []string {
	set := make(map[string]bool)
	collectFields(f, set)

	out := make([]string, 0, len(set))
	for field := range set {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

func addWithPrefixes(set map[string]bool, field string) {
	if field == "" {
		return
	}
	set[field] = true
	for i := len(field) - 1; i > 0; i-- {
		if field[i] == '.' {
			set[field[:i]] = true
		}
	}
}

func collectFields(f Filter, set map[string]bool) {
	for key, value := range f {
		switch key {
		case opAnd, opOr, opNor:
			if children, ok := value.([]any); ok {
				for _, child := range children {
					if sub, ok := child.(map[string]any); ok {
						collectFields(sub, set)
					}
				}
			}
		case opNot:
			if sub, ok := value.(map[string]any); ok {
				collectFields(sub, set)
			}
		default:
			addWithPrefixes(set, key)
			if ops, ok := value.(map[string]any); ok && isOperatorObject(ops) {
				if em, ok := ops["$elemMatch"].(map[string]any); ok {
					for sub := range em {
						if !strings.HasPrefix(sub, "$") {
							addWithPrefixes(set, key+"."+sub)
						}
					}
				}
				if vec, ok := ops["$vector"].(map[string]any); ok {
					if vf, ok := vec["$field"].(string); ok {
						addWithPrefixes(set, vf)
					}
				}
			}
		}
	}
}
