package plan

import (
	"sort"

	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// ExpandMatrix computes the instance set of a strategy: the cross product
// of all axes in declaration order, minus exclude rows, plus include rows.
// An include row that matches existing combinations on every shared axis
// merges its extra keys into them; otherwise it is appended as a new
// standalone instance. A nil strategy or empty matrix yields nil (the
// caller substitutes the single unnamed instance).
func ExpandMatrix(s *workflow.Strategy) ([]*Instance, error) {
	if s == nil || len(s.Matrix) == 0 {
		return nil, nil
	}

	axes := s.MatrixAxes
	if len(axes) != len(s.Matrix) {
		axes = make([]string, 0, len(s.Matrix))
		for axis := range s.Matrix {
			axes = append(axes, axis)
		}
		sort.Strings(axes)
	}

	combos := []map[string]string{{}}
	for _, axis := range axes {
		var next []map[string]string
		for _, combo := range combos {
			for _, value := range s.Matrix[axis] {
				grown := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					grown[k] = v
				}
				grown[axis] = value
				next = append(next, grown)
			}
		}
		combos = next
	}

	if len(s.Exclude) > 0 {
		var kept []map[string]string
		for _, combo := range combos {
			if !matchesAny(combo, s.Exclude) {
				kept = append(kept, combo)
			}
		}
		combos = kept
	}

	keyOrder := append([]string{}, axes...)
	instances := make([]*Instance, 0, len(combos))
	for _, combo := range combos {
		instances = append(instances, &Instance{
			Matrix:     combo,
			MatrixKeys: keysInOrder(combo, keyOrder),
		})
	}

	for _, extra := range s.Include {
		shared, added := splitIncludeKeys(extra, s.Matrix)
		merged := false
		if len(shared) > 0 && len(added) > 0 {
			for _, inst := range instances {
				if matchesSubset(inst.Matrix, extra, shared) {
					for _, k := range added {
						if _, ok := inst.Matrix[k]; !ok {
							inst.MatrixKeys = append(inst.MatrixKeys, k)
						}
						inst.Matrix[k] = extra[k]
					}
					merged = true
				}
			}
		}
		if merged {
			continue
		}
		combo := make(map[string]string, len(extra))
		for k, v := range extra {
			combo[k] = v
		}
		instances = append(instances, &Instance{
			Matrix:     combo,
			MatrixKeys: keysInOrder(combo, append(keyOrder, added...)),
		})
	}

	return instances, nil
}

// matchesAny reports whether the combo matches at least one rule; a rule
// matches when every one of its keys equals the combo's value.
func matchesAny(combo map[string]string, rules []map[string]string) bool {
	for _, rule := range rules {
		match := len(rule) > 0
		for k, v := range rule {
			if combo[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func matchesSubset(combo, rule map[string]string, keys []string) bool {
	for _, k := range keys {
		if combo[k] != rule[k] {
			return false
		}
	}
	return true
}

// splitIncludeKeys partitions an include row into keys that are matrix
// axes (shared) and keys it introduces (added, sorted for determinism).
func splitIncludeKeys(row map[string]string, matrix map[string][]string) (shared, added []string) {
	for k := range row {
		if _, ok := matrix[k]; ok {
			shared = append(shared, k)
		} else {
			added = append(added, k)
		}
	}
	sort.Strings(shared)
	sort.Strings(added)
	return shared, added
}

// keysInOrder returns combo's keys following keyOrder first, then any
// remaining keys sorted.
func keysInOrder(combo map[string]string, keyOrder []string) []string {
	out := make([]string, 0, len(combo))
	seen := make(map[string]bool, len(combo))
	for _, k := range keyOrder {
		if _, ok := combo[k]; ok && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range combo {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
