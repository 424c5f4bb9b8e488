package harness

import (
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

const defaultInvocationKind = "function"

// MergeFragments reassembles tool invocations from streamed fragments.
// Output order follows the first appearance of each index. For id, kind
// and name the last non-empty value wins; arguments are concatenated in
// arrival order. Arguments are not validated here.
func MergeFragments(frags []ports.Fragment) []ports.ToolInvocation {
	if len(frags) == 0 {
		return nil
	}

	order := make([]int, 0, 1)
	groups := make(map[int]*ports.ToolInvocation)

	for _, f := range frags {
		inv, ok := groups[f.Index]
		if !ok {
			inv = &ports.ToolInvocation{Index: f.Index}
			groups[f.Index] = inv
			order = append(order, f.Index)
		}
		if f.ID != "" {
			inv.ID = f.ID
		}
		if f.Kind != "" {
			inv.Kind = f.Kind
		}
		if f.Name != "" {
			inv.Name = f.Name
		}
		inv.Arguments += f.Arguments
	}

	out := make([]ports.ToolInvocation, 0, len(order))
	for _, idx := range order {
		inv := groups[idx]
		if inv.Kind == "" {
			inv.Kind = defaultInvocationKind
		}
		out = append(out, *inv)
	}
	return out
}
