package registry

import "time"

// restartBudget decides whether a faulted worker may be restarted. It allows
// at most max restarts inside any sliding window of the given length.
// Owned by the registry loop.
type restartBudget struct {
	max    int
	window time.Duration
	stamps []time.Time
}

func newRestartBudget(max int, window time.Duration) *restartBudget {
	return &restartBudget{max: max, window: window}
}

func (b *restartBudget) allow(now time.Time) bool {
	if b.max <= 0 {
		return false
	}
	if b.window > 0 {
		cutoff := now.Add(-b.window)
		kept := b.stamps[:0]
		for _, t := range b.stamps {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.stamps = kept
	}
	if len(b.stamps) >= b.max {
		return false
	}
	b.stamps = append(b.stamps, now)
	return true
}
