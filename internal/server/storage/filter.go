package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// Filter is a Mongo-style selector. Top-level keys are field paths (dotted
// for nested objects) or the logical operators $and and $or. A field value is
// either a literal (equality) or an operator document using $in, $nin, $ne,
// $gt, $gte, $lt, $lte or $exists.
type Filter map[string]any

// ByID selects a single record.
func ByID(id string) Filter {
	return Filter{common.FieldID: id}
}

// And combines filters; empty filters are dropped.
func And(filters ...Filter) Filter {
	parts := make([]any, 0, len(filters))
	for _, f := range filters {
		if len(f) > 0 {
			parts = append(parts, map[string]any(f))
		}
	}
	switch len(parts) {
	case 0:
		return Filter{}
	case 1:
		return Filter(parts[0].(map[string]any))
	}
	return Filter{"$and": parts}
}

// IDOnly returns the id when the filter selects by _id equality alone.
func (f Filter) IDOnly() (string, bool) {
	if len(f) != 1 {
		return "", false
	}
	id, ok := f[common.FieldID].(string)
	return id, ok
}

// Equalities returns the top-level field=literal pairs of f. Backends use
// it to push part of the filter down before evaluating the rest with Match.
func (f Filter) Equalities() map[string]any {
	out := map[string]any{}
	for k, v := range f {
		if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			continue
		}
		switch v.(type) {
		case string, bool, float64, int, int64:
			out[k] = v
		}
	}
	return out
}

// Fields returns every field path referenced by f, including those nested in
// $and/$or.
func (f Filter) Fields() []string {
	var out []string
	for k, v := range f {
		if k == "$and" || k == "$or" {
			for _, sub := range asList(v) {
				if m, ok := asMap(sub); ok {
					out = append(out, Filter(m).Fields()...)
				}
			}
			continue
		}
		out = append(out, k)
	}
	return out
}

// Match reports whether doc satisfies f. Unknown operators are errors.
func Match(doc models.Record, f Filter) (bool, error) {
	for key, cond := range f {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and":
			ok, err = matchAll(doc, cond)
		case "$or":
			ok, err = matchAny(doc, cond)
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("unsupported operator %q", key)
			}
			v, present := lookup(doc, key)
			ok, err = matchField(v, present, cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchAll(doc models.Record, cond any) (bool, error) {
	for _, sub := range asList(cond) {
		m, ok := asMap(sub)
		if !ok {
			return false, fmt.Errorf("$and expects objects")
		}
		matched, err := Match(doc, m)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchAny(doc models.Record, cond any) (bool, error) {
	list := asList(cond)
	for _, sub := range list {
		m, ok := asMap(sub)
		if !ok {
			return false, fmt.Errorf("$or expects objects")
		}
		matched, err := Match(doc, m)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return len(list) == 0, nil
}

func matchField(v any, present bool, cond any) (bool, error) {
	ops, isOps := operatorDoc(cond)
	if !isOps {
		return present && equalOrContains(v, cond), nil
	}
	for op, arg := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = present && equalOrContains(v, arg)
		case "$ne":
			ok = !present || !equalOrContains(v, arg)
		case "$in":
			ok = false
			for _, candidate := range asList(arg) {
				if present && equalOrContains(v, candidate) {
					ok = true
					break
				}
			}
		case "$nin":
			ok = true
			for _, candidate := range asList(arg) {
				if present && equalOrContains(v, candidate) {
					ok = false
					break
				}
			}
		case "$exists":
			want, _ := arg.(bool)
			ok = present == want
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false, nil
			}
			c, orderable := Compare(v, arg)
			if !orderable {
				return false, nil
			}
			switch op {
			case "$gt":
				ok = c > 0
			case "$gte":
				ok = c >= 0
			case "$lt":
				ok = c < 0
			case "$lte":
				ok = c <= 0
			}
		default:
			return false, fmt.Errorf("unsupported operator %q", op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// operatorDoc reports whether cond is an operator document such as
// {"$gt": 3}. Plain objects compare by equality.
func operatorDoc(cond any) (map[string]any, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// equalOrContains matches a literal against a value; array values match when
// any element is equal.
func equalOrContains(v, want any) bool {
	if equal(v, want) {
		return true
	}
	if list, ok := v.([]any); ok {
		for _, el := range list {
			if equal(el, want) {
				return true
			}
		}
	}
	if list, ok := v.([]string); ok {
		for _, el := range list {
			if equal(el, want) {
				return true
			}
		}
	}
	return false
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// Compare orders two scalar values of the same kind. Numbers of any Go
// representation compare numerically.
func Compare(a, b any) (int, bool) {
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
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
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

func lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := asMap(doc[head])
	if !ok {
		return nil, false
	}
	return lookup(next, rest)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Filter:
		return m, true
	case models.Record:
		return m, true
	}
	return nil, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []Filter:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = map[string]any(f)
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}
