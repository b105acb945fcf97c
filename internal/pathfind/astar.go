// Package pathfind implements point-to-point A* search over a graph that is
// described by a caller-supplied adjacency callback.
package pathfind

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"

	"fleetopt/internal/geo"
)

var (
	// ErrNoPath is returned when the open set empties before the goal is reached.
	ErrNoPath = errors.New("pathfind: no path")
	// ErrExpansionLimit is returned when Constraints.MaxExpansions is exhausted.
	ErrExpansionLimit = errors.New("pathfind: expansion limit reached")
)

// NodeID identifies a graph node.
type NodeID string

// Node is a graph vertex with a geographic position.
type Node struct {
	ID       NodeID       `json:"id"`
	Position geo.Position `json:"position"`
}

// Neighbor is one outgoing edge reported by a NeighborFunc.
type Neighbor struct {
	ID           NodeID       `json:"id"`
	Position     geo.Position `json:"position"`
	EdgeDistance float64      `json:"edgeDistance"` // metres, must be >= 0
}

// Constraints tune a single search. A nil *Constraints means defaults.
type Constraints struct {
	SpeedKph      float64         // used for segment durations; defaults to 40
	Avoid         map[NodeID]bool // nodes that must not be traversed
	MaxExpansions int             // 0 = unlimited
}

// NeighborFunc returns the outgoing edges of id.
type NeighborFunc func(id NodeID, c *Constraints) ([]Neighbor, error)

// Segment is one travelled edge of a found path.
type Segment struct {
	FromID      NodeID       `json:"fromId"`
	ToID        NodeID       `json:"toId"`
	From        geo.Position `json:"from"`
	To          geo.Position `json:"to"`
	Distance    float64      `json:"distanceM"`
	Duration    float64      `json:"durationSec"`
	Instruction string       `json:"instruction"`
}

// arenaNode is the per-call search state of one node; discarded on return.
type arenaNode struct {
	id     NodeID
	pos    geo.Position
	g      float64
	f      float64
	parent int
	edge   float64 // length of the edge from parent
	closed bool
}

type openItem struct {
	idx int
	f   float64
	h   float64
	seq int
}

type openHeap []openItem

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	if h[i].h != h[j].h {
		return h[i].h < h[j].h
	}
	return h[i].seq < h[j].seq
}
func (h openHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *openHeap) Push(x any)   { *h = append(*h, x.(openItem)) }
func (h *openHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// FindPath returns the cheapest sequence of segments from start to goal using
// A* with the haversine distance to goal as heuristic. Ties on f are broken by
// the smaller heuristic, then by discovery order, so identical inputs always
// produce the identical path.
func FindPath(ctx context.Context, start, goal Node, neighbors NeighborFunc, c *Constraints) ([]Segment, error) {
	if neighbors == nil {
		return nil, fmt.Errorf("find path: neighbor function is nil")
	}
	if c == nil {
		c = &Constraints{}
	}
	if start.ID == goal.ID {
		return []Segment{}, nil
	}

	var (
		nodes []arenaNode
		index = map[NodeID]int{}
		open  openHeap
		seq   int
	)
	intern := func(id NodeID, pos geo.Position) int {
		if i, ok := index[id]; ok {
			return i
		}
		nodes = append(nodes, arenaNode{id: id, pos: pos, g: math.Inf(1), parent: -1})
		index[id] = len(nodes) - 1
		return len(nodes) - 1
	}
	push := func(i int) {
		h := geo.HaversineMeters(nodes[i].pos, goal.Position)
		heap.Push(&open, openItem{idx: i, f: nodes[i].f, h: h, seq: seq})
		seq++
	}

	s := intern(start.ID, start.Position)
	nodes[s].g = 0
	nodes[s].f = geo.HaversineMeters(start.Position, goal.Position)
	push(s)

	expansions := 0
	for open.Len() > 0 {
		if expansions&255 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		it := heap.Pop(&open).(openItem)
		cur := it.idx
		if nodes[cur].closed || it.f != nodes[cur].f {
			continue
		}
		if nodes[cur].id == goal.ID {
			return buildSegments(nodes, cur, c), nil
		}
		nodes[cur].closed = true
		expansions++
		if c.MaxExpansions > 0 && expansions > c.MaxExpansions {
			return nil, ErrExpansionLimit
		}

		adj, err := neighbors(nodes[cur].id, c)
		if err != nil {
			return nil, fmt.Errorf("find path: neighbors of %q: %w", nodes[cur].id, err)
		}
		for _, nb := range adj {
			if nb.EdgeDistance < 0 || math.IsNaN(nb.EdgeDistance) {
				return nil, fmt.Errorf("find path: edge %q->%q has invalid distance %v", nodes[cur].id, nb.ID, nb.EdgeDistance)
			}
			if c.Avoid[nb.ID] && nb.ID != goal.ID {
				continue
			}
			n := intern(nb.ID, nb.Position)
			if nodes[n].closed {
				continue
			}
			g := nodes[cur].g + nb.EdgeDistance
			if g < nodes[n].g {
				nodes[n].g = g
				nodes[n].f = g + geo.HaversineMeters(nodes[n].pos, goal.Position)
				nodes[n].parent = cur
				nodes[n].edge = nb.EdgeDistance
				push(n)
			}
		}
	}
	return nil, ErrNoPath
}

// PathDistance sums segment distances.
func PathDistance(segs []Segment) float64 {
	total := 0.0
	for _, s := range segs {
		total += s.Distance
	}
	return total
}

func buildSegments(nodes []arenaNode, goal int, c *Constraints) []Segment {
	speed := c.SpeedKph
	if speed <= 0 {
		speed = 40
	}
	mps := speed / 3.6

	var chain []int
	for i := goal; i >= 0; i = nodes[i].parent {
		chain = append(chain, i)
	}
	segs := make([]Segment, 0, len(chain)-1)
	for k := len(chain) - 1; k > 0; k-- {
		a, b := nodes[chain[k]], nodes[chain[k-1]]
		segs = append(segs, Segment{
			FromID:   a.id,
			ToID:     b.id,
			From:     a.pos,
			To:       b.pos,
			Distance: b.edge,
			Duration: b.edge / mps,
		})
	}
	for i := range segs {
		segs[i].Instruction = instruction(segs[i], i == len(segs)-1)
	}
	return segs
}

// instruction is cosmetic; nothing downstream parses it.
func instruction(s Segment, last bool) string {
	dir := geo.Compass(geo.Bearing(s.From, s.To))
	msg := fmt.Sprintf("Head %s for %.0f m", dir, s.Distance)
	if last {
		return msg + " to arrive at destination"
	}
	return msg
}
