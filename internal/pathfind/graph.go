package pathfind

import (
	"fmt"
	"math"
	"sync"

	"fleetopt/internal/geo"
)

// Graph is an in-memory adjacency list that satisfies NeighborFunc through
// its Neighbors method. It is safe for concurrent readers once built.
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]Node
	order []NodeID
	adj   map[NodeID][]Neighbor
}

func NewGraph() *Graph {
	return &Graph{nodes: map[NodeID]Node{}, adj: map[NodeID][]Neighbor{}}
}

// AddNode inserts or replaces n.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; !ok {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
}

// AddEdge connects from and to. A negative distance is replaced by the
// haversine length of the edge.
func (g *Graph) AddEdge(from, to NodeID, distance float64, bidirectional bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("add edge: unknown node %q", from)
	}
	b, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("add edge: unknown node %q", to)
	}
	if distance < 0 || math.IsNaN(distance) {
		distance = geo.HaversineMeters(a.Position, b.Position)
	}
	g.adj[from] = append(g.adj[from], Neighbor{ID: to, Position: b.Position, EdgeDistance: distance})
	if bidirectional {
		g.adj[to] = append(g.adj[to], Neighbor{ID: from, Position: a.Position, EdgeDistance: distance})
	}
	return nil
}

// Node looks up id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Neighbors implements NeighborFunc.
func (g *Graph) Neighbors(id NodeID, _ *Constraints) ([]Neighbor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("unknown node %q", id)
	}
	out := make([]Neighbor, len(g.adj[id]))
	copy(out, g.adj[id])
	return out, nil
}

// Nearest returns the node closest to p, first-inserted wins on ties.
func (g *Graph) Nearest(p geo.Position) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var (
		best  Node
		bestD = math.Inf(1)
		found bool
	)
	for _, id := range g.order {
		n := g.nodes[id]
		if d := geo.HaversineMeters(p, n.Position); d < bestD {
			best, bestD, found = n, d, true
		}
	}
	return best, found
}
