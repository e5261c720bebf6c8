package phx

import (
	"sync"

	"github.com/markb/rtmux/internal/realtime"
)

// presenceSync is the client-side mirror of a channel's shared
// presence state, kept in sync from presence_state snapshots and
// presence_diff deltas. Entries are identified by their phx_ref.
type presenceSync struct {
	mu    sync.RWMutex
	state map[string][]map[string]any
}

func newPresenceSync() *presenceSync {
	return &presenceSync{state: make(map[string][]map[string]any)}
}

// replace installs a full snapshot from a presence_state frame.
func (ps *presenceSync) replace(state realtime.PresenceState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.state = make(map[string][]map[string]any, len(state))
	for key, metas := range state {
		ps.state[key] = append([]map[string]any(nil), metas...)
	}
}

// applyJoins merges joined metas under key and returns the resulting
// list for that key.
func (ps *presenceSync) applyJoins(key string, metas []map[string]any) []map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.state[key] = append(ps.state[key], metas...)
	return append([]map[string]any(nil), ps.state[key]...)
}

// applyLeaves removes the given metas (matched by phx_ref) under key
// and returns the remaining list plus the records actually removed.
func (ps *presenceSync) applyLeaves(key string, metas []map[string]any) (current, left []map[string]any) {
	refs := make(map[string]bool, len(metas))
	for _, m := range metas {
		if ref, ok := m["phx_ref"].(string); ok {
			refs[ref] = true
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var remaining []map[string]any
	for _, m := range ps.state[key] {
		ref, _ := m["phx_ref"].(string)
		if refs[ref] {
			left = append(left, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		delete(ps.state, key)
	} else {
		ps.state[key] = remaining
	}
	return append([]map[string]any(nil), remaining...), left
}

// snapshot returns a copy of the full state.
func (ps *presenceSync) snapshot() realtime.PresenceState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(realtime.PresenceState, len(ps.state))
	for key, metas := range ps.state {
		out[key] = append([]map[string]any(nil), metas...)
	}
	return out
}
