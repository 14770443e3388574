package registry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flhub/flhub/types"
)

func TestCapabilityIndex_AddRemoveNodes(t *testing.T) {
	ix := newCapabilityIndex()

	ix.add("n1", []types.Capability{types.CapabilityFL})
	ix.add("n2", []types.Capability{types.CapabilityFL, types.CapabilityHE})

	assert.Equal(t, []string{"n1", "n2"}, ix.nodes(types.CapabilityFL))
	assert.Equal(t, []string{"n2"}, ix.nodes(types.CapabilityHE))
	assert.Nil(t, ix.nodes(types.CapabilityDP))

	ix.remove("n2")
	assert.Equal(t, []string{"n1"}, ix.nodes(types.CapabilityFL))
	assert.Nil(t, ix.nodes(types.CapabilityHE))

	// Empty capability sets must not linger as dead keys.
	ix.remove("n1")
	assert.Empty(t, ix.byCapability)
}

// TestCapabilityIndex_MatchesModel drives the index through random
// add/remove/rebuild sequences and checks the defining invariant
// against a plain model: for every capability c, nodes(c) equals
// exactly the set of node IDs whose capability set contains c.
func TestCapabilityIndex_MatchesModel(t *testing.T) {
	nodeIDs := []string{"n1", "n2", "n3", "n4", "n5"}

	rapid.Check(t, func(rt *rapid.T) {
		ix := newCapabilityIndex()
		model := make(map[string][]types.Capability)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			nodeID := rapid.SampledFrom(nodeIDs).Draw(rt, "node")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0: // register or re-register
				caps := drawCapabilitySet(rt)
				ix.remove(nodeID)
				ix.add(nodeID, caps)
				model[nodeID] = caps
			case 1: // deregister
				ix.remove(nodeID)
				delete(model, nodeID)
			case 2: // reconciliation rebuild
				records := make([]*types.NodeSessionRecord, 0, len(model))
				for id, caps := range model {
					records = append(records, &types.NodeSessionRecord{
						NodeID:       id,
						Capabilities: caps,
					})
				}
				ix.rebuild(records)
			}
		}

		for _, c := range types.AllCapabilities {
			var want []string
			for id, caps := range model {
				for _, have := range caps {
					if have == c {
						want = append(want, id)
						break
					}
				}
			}
			sort.Strings(want)
			require.Equal(rt, want, ix.nodes(c), "capability %s", c)
		}
	})
}

// drawCapabilitySet generates a non-empty subset of the valid
// capability tags.
func drawCapabilitySet(rt *rapid.T) []types.Capability {
	var caps []types.Capability
	for _, c := range types.AllCapabilities {
		if rapid.Bool().Draw(rt, "has_"+string(c)) {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		caps = []types.Capability{types.CapabilityFL}
	}
	return caps
}
