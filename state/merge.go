// Package state implements the shared-memory merge rules of the
// conversation engine. Thread state is an immutable snapshot per step:
// each node returns a partial StateUpdate and Merge applies it under
// namespace-scoped ownership, so a step can only add or overwrite keys in
// its own declared namespace plus the well-known shared keys. Nothing in
// this package ever deletes another agent's namespace.
package state

import (
	"time"

	"github.com/loomhq/loom/types"
)

// wellKnownSharedKeys are the only keys writable in the shared namespace
// by any agent.
var wellKnownSharedKeys = map[string]struct{}{
	types.SharedKeyTopics: {},
}

// IsSharedKey reports whether key is writable by every agent.
func IsSharedKey(key string) bool {
	_, ok := wellKnownSharedKeys[key]
	return ok
}

// Merge applies a node's partial update to a state snapshot and returns
// the next snapshot. ownerNS is the executing node's declared namespace;
// memory writes land there and nowhere else. The input state is not
// mutated.
func Merge(cur types.ThreadState, ownerNS string, upd types.StateUpdate) (types.ThreadState, error) {
	if ownerNS == "" {
		return cur, types.NewError(types.ErrNamespaceViolation, "node has no declared namespace")
	}
	if ownerNS == types.SharedNamespace {
		return cur, types.NewError(types.ErrNamespaceViolation, "shared is a reserved namespace")
	}

	next := cur
	next.Memory = cur.Memory.Clone()
	if next.Memory == nil {
		next.Memory = make(types.SharedMemory)
	}

	if len(upd.Memory) > 0 {
		ns := next.Memory[ownerNS]
		if ns == nil {
			ns = make(types.Namespace, len(upd.Memory))
			next.Memory[ownerNS] = ns
		}
		for k, v := range upd.Memory {
			ns[k] = v
		}
	}

	if len(upd.Shared) > 0 {
		shared := next.Memory[types.SharedNamespace]
		if shared == nil {
			shared = make(types.Namespace, len(upd.Shared))
			next.Memory[types.SharedNamespace] = shared
		}
		for k, v := range upd.Shared {
			if !IsSharedKey(k) {
				return cur, types.Errorf(types.ErrNamespaceViolation,
					"%q is not a well-known shared key", k)
			}
			shared[k] = v
		}
	}

	// Append-only logs.
	if len(upd.Handoffs) > 0 {
		log := append([]types.HandoffRecord(nil), cur.HandoffLog...)
		for _, h := range upd.Handoffs {
			if h.Timestamp.IsZero() {
				h.Timestamp = time.Now()
			}
			log = append(log, h)
		}
		next.HandoffLog = log
	}
	if len(upd.ToolCalls) > 0 {
		log := append([]types.ToolInvocation(nil), cur.ToolLog...)
		for _, tc := range upd.ToolCalls {
			if tc.Timestamp.IsZero() {
				tc.Timestamp = time.Now()
			}
			log = append(log, tc)
		}
		next.ToolLog = log
	}

	if upd.Suspend != nil {
		next.Pending = upd.Suspend
	}
	if upd.ClearGrant {
		next.Grant = nil
	}
	if upd.Result != nil {
		next.Result = upd.Result
	}

	return next, nil
}

// HandoffPairCount returns how many times the (from, to) agent pair
// appears in the handoff log. Routing uses it to bound revisits of the
// same pair within one turn.
func HandoffPairCount(log []types.HandoffRecord, from, to string) int {
	n := 0
	for _, h := range log {
		if h.FromAgent == from && h.ToAgent == to {
			n++
		}
	}
	return n
}
