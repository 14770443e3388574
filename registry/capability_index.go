package registry

import (
	"sort"

	"github.com/flhub/flhub/types"
)

// capabilityIndex maps a capability tag to the set of node IDs
// currently advertising it. It has no locking of its own: the
// Coordinator owns it and mutates it only inside its command loop
// (or under its write lock during rebuilds).
type capabilityIndex struct {
	byCapability map[types.Capability]map[string]struct{}
}

func newCapabilityIndex() *capabilityIndex {
	return &capabilityIndex{
		byCapability: make(map[types.Capability]map[string]struct{}),
	}
}

// add indexes nodeID under each of caps.
func (ix *capabilityIndex) add(nodeID string, caps []types.Capability) {
	for _, c := range caps {
		nodes := ix.byCapability[c]
		if nodes == nil {
			nodes = make(map[string]struct{})
			ix.byCapability[c] = nodes
		}
		nodes[nodeID] = struct{}{}
	}
}

// remove drops nodeID from every capability set. Empty sets are
// deleted so the index never accumulates dead keys.
func (ix *capabilityIndex) remove(nodeID string) {
	for c, nodes := range ix.byCapability {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(ix.byCapability, c)
		}
	}
}

// nodes returns the node IDs registered under c, sorted for
// deterministic iteration.
func (ix *capabilityIndex) nodes(c types.Capability) []string {
	set := ix.byCapability[c]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// rebuild replaces the whole index from a record set.
func (ix *capabilityIndex) rebuild(records []*types.NodeSessionRecord) {
	ix.byCapability = make(map[types.Capability]map[string]struct{})
	for _, record := range records {
		ix.add(record.NodeID, record.Capabilities)
	}
}
