package sync

import "fmt"

// Node is one entry of a flat tree-structured entity listing.
type Node struct {
	ID       int64
	ParentID int64
}

// BuildChain walks parent pointers from the target up to its root and
// returns the root→target id chain. Reconciling the chain strictly in
// order guarantees every parent has a sink id before its child is
// created. A broken parent pointer or a cycle is an error.
func BuildChain(targetID int64, nodes []Node) ([]int64, error) {
	byID := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var chain []int64
	seen := map[int64]bool{}
	for id := targetID; id != 0; {
		if seen[id] {
			return nil, fmt.Errorf("cycle detected at node %d", id)
		}
		seen[id] = true

		node, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("node %d not found in listing", id)
		}
		chain = append(chain, id)
		id = node.ParentID
	}

	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
