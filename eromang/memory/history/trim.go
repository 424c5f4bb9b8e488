package history

import (
	"fmt"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// Evict applies greedy suffix retention to msgs. A leading system entry is
// pinned and charged pinnedCost instead of its entry in costs. Walking from
// the newest entry backwards, everything older than the first point where
// the accumulated cost exceeds ceiling-pinnedCost is dropped.
func Evict(msgs []ports.Message, costs []int, ceiling, pinnedCost int) ([]ports.Message, error) {
	if len(costs) != len(msgs) {
		return nil, fmt.Errorf("history: %d costs for %d messages", len(costs), len(msgs))
	}
	if len(msgs) == 0 {
		return nil, ErrNoCandidates
	}

	first := 0
	available := ceiling
	pinned := msgs[0].Role == ports.RoleSystem
	if pinned {
		if pinnedCost >= ceiling {
			return nil, fmt.Errorf("%w: prompt costs %d, ceiling %d", ErrUnrecoverable, pinnedCost, ceiling)
		}
		first = 1
		available -= pinnedCost
	}
	if first == len(msgs) {
		return nil, ErrNoCandidates
	}

	start := first
	total := 0
	for i := len(msgs) - 1; i >= first; i-- {
		total += costs[i]
		if total > available {
			start = i + 1
			break
		}
	}

	out := make([]ports.Message, 0, first+len(msgs)-start)
	if pinned {
		out = append(out, msgs[0])
	}
	return append(out, msgs[start:]...), nil
}
