// Package occ implements entity-level optimistic concurrency control:
// expected-version checks, version advancement and atomic increment
// mutators applied at commit time.
//
// The contract: every successful update advances the entity version by
// exactly one; a stale expected version is rejected with
// VERSION_CONFLICT carrying the expected and actual values.
package occ

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// CheckVersion validates an optional expected version against the
// entity's current version. A nil expected version means last-writer-
// wins: no check is performed.
func CheckVersion(expected *int64, actual int64, namespace, entityID string) error {
	if expected == nil {
		return nil
	}
	if *expected != actual {
		return errors.New(errors.CodeVersionConflict, "entity version conflict").
			WithContext("expected", fmt.Sprintf("%d", *expected)).
			WithContext("actual", fmt.Sprintf("%d", actual)).
			WithContext("namespace", namespace).
			WithContext("entityId", entityID)
	}
	return nil
}

// NextVersion advances an entity version. Versions start at 1; a
// successful update yields exactly current+1.
func NextVersion(current int64) int64 {
	if current < 1 {
		return 1
	}
	return current + 1
}

// ApplyIncrements applies $inc mutators to a payload in place. Each
// key is a dotted path; intermediate objects are created as needed.
// Increments land on the latest durably-visible value as part of the
// commit step, so callers get lost-update-free counters without
// supplying an expected version.
func ApplyIncrements(payload map[string]any, incs map[string]float64) error {
	for path, delta := range incs {
		if err := incrementPath(payload, path, delta); err != nil {
			return err
		}
	}
	return nil
}

func incrementPath(doc map[string]any, path string, delta float64) error {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if part == "" {
			return errors.Newf(errors.CodeInvalidInput, "malformed $inc path %q", path)
		}
		if i == len(parts)-1 {
			switch v := cur[part].(type) {
			case nil:
				cur[part] = delta
			case float64:
				cur[part] = v + delta
			case int64:
				cur[part] = float64(v) + delta
			case int:
				cur[part] = float64(v) + delta
			case json.Number:
				f, err := v.Float64()
				if err != nil {
					return errors.Newf(errors.CodeInvalidType, "$inc target %q is not numeric", path)
				}
				cur[part] = f + delta
			default:
				return errors.Newf(errors.CodeInvalidType, "$inc target %q is not numeric", path)
			}
			return nil
		}
		next, ok := cur[part]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errors.Newf(errors.CodeInvalidType, "$inc path %q crosses a non-object", path)
		}
		cur = child
	}
	return nil
}
