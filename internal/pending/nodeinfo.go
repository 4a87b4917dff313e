package pending

import (
	"sync"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

// NodeInfo is one source's pending-nodeinfo buffer: name/hardware learned
// before a node's first position fix. In-memory only, unlike Telemetry.
type NodeInfo struct {
	mu      sync.Mutex
	entries map[string]model.PendingNodeInfoEntry
}

// NewNodeInfo builds an empty pending-nodeinfo buffer.
func NewNodeInfo() *NodeInfo {
	return &NodeInfo{entries: make(map[string]model.PendingNodeInfoEntry)}
}

// Set records name/hardware for nodeID, merging into any prior pending
// entry for the same node: only non-empty fields on entry overwrite the
// existing value, matching the ground truth's truthy-only field update.
func (n *NodeInfo) Set(nodeID string, entry model.PendingNodeInfoEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()

	existing, ok := n.entries[nodeID]
	if !ok {
		n.entries[nodeID] = entry
		return
	}
	if entry.Name != "" {
		existing.Name = entry.Name
	}
	if entry.Hardware != "" {
		existing.Hardware = entry.Hardware
	}
	n.entries[nodeID] = existing
}

// Take removes and returns the pending entry for nodeID, if any.
func (n *NodeInfo) Take(nodeID string) (model.PendingNodeInfoEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.entries[nodeID]
	if ok {
		delete(n.entries, nodeID)
	}
	return entry, ok
}

// Len reports the number of buffered entries, for statistics reporting.
func (n *NodeInfo) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
