package util

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidInput = errors.New("jq: nil document or empty path")
	errNoMatch      = errors.New("jq: wildcard matched no element")
)

// step is one dotted component of a path: an object key, optionally
// followed by an array index or a wildcard.
type step struct {
	key   string
	index int // -1 when the key is not indexed
	all   bool
}

// Jq resolves a jq-style path such as ".policies.tenants[*].id" against a
// decoded JSON object.
//
// A trailing [*] or [] yields the array itself. In the middle of a path it
// applies the rest of the path to every element and collects the results,
// flattening array values one level. Elements the rest does not resolve on
// are skipped.
func Jq(doc map[string]any, path string) (any, error) {
	if doc == nil {
		return nil, errInvalidInput
	}
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return walk(doc, steps)
}

func parsePath(path string) ([]step, error) {
	path = strings.TrimPrefix(path, ".")
	steps := make([]step, 0, strings.Count(path, ".")+1)
	for part := range strings.SplitSeq(path, ".") {
		if part == "" {
			continue
		}
		s := step{key: part, index: -1}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") || strings.IndexByte(part[open+1:], '[') >= 0 {
				return nil, fmt.Errorf("jq: malformed index in %q", part)
			}
			s.key = part[:open]
			switch inner := part[open+1 : len(part)-1]; inner {
			case "", "*":
				s.all = true
			default:
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("jq: invalid index %q in %q", inner, part)
				}
				s.index = n
			}
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, errInvalidInput
	}
	return steps, nil
}

func walk(cur any, steps []step) (any, error) {
	for i, s := range steps {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("jq: cannot look up %q in %T", s.key, cur)
		}
		v, ok := obj[s.key]
		if !ok {
			return nil, fmt.Errorf("jq: key %q not found", s.key)
		}
		if s.index < 0 && !s.all {
			cur = v
			continue
		}

		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("jq: %q is not an array", s.key)
		}
		if s.all {
			if i == len(steps)-1 {
				return arr, nil
			}
			return collect(arr, steps[i+1:])
		}
		if s.index >= len(arr) {
			return nil, fmt.Errorf("jq: index %d out of range for %q (len %d)", s.index, s.key, len(arr))
		}
		cur = arr[s.index]
	}
	return cur, nil
}

func collect(arr []any, rest []step) (any, error) {
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		v, err := walk(el, rest)
		if err != nil {
			continue
		}
		if vs, ok := v.([]any); ok {
			out = append(out, vs...)
		} else {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, errNoMatch
	}
	return out, nil
}
