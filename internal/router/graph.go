package router

import (
	"sort"

	"maas-sim/pkg/types"
)

// edge is one segment viewed as a directed graph edge between two nodes.
type edge struct {
	seg  *types.Segment
	from int
	to   int
}

// graph groups segment endpoints into nodes. Two points within epsilon are
// the same node; the first point seen becomes the node's anchor. Node count
// is small (stations in a simulated city), so location is a linear scan.
type graph struct {
	eps   float64
	nodes []types.Point
	adj   [][]edge // outgoing edges per node
}

func newGraph(eps float64) *graph {
	return &graph{eps: eps}
}

// nodeOf returns the node for p, creating one if no existing node is within
// epsilon.
func (g *graph) nodeOf(p types.Point) int {
	if idx, ok := g.locate(p); ok {
		return idx
	}
	g.nodes = append(g.nodes, p)
	g.adj = append(g.adj, nil)
	return len(g.nodes) - 1
}

// locate returns the node nearest to p within epsilon, if any.
func (g *graph) locate(p types.Point) (int, bool) {
	best := -1
	bestDist := g.eps
	for i, n := range g.nodes {
		if d := n.DistanceTo(p); d <= bestDist {
			best = i
			bestDist = d
		}
	}
	return best, best >= 0
}

// addSegment wires a segment as an edge. The segment pointer aliases the
// caller's snapshot slice, which the router treats as immutable.
func (g *graph) addSegment(seg *types.Segment) {
	from := g.nodeOf(seg.Origin)
	to := g.nodeOf(seg.Destination)
	g.adj[from] = append(g.adj[from], edge{seg: seg, from: from, to: to})
}

// sortEdges fixes the traversal order so identical snapshots always
// enumerate paths identically: by departure time, then by segment id.
func (g *graph) sortEdges() {
	for _, edges := range g.adj {
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].seg.DepartTime != edges[j].seg.DepartTime {
				return edges[i].seg.DepartTime < edges[j].seg.DepartTime
			}
			return edges[i].seg.ID < edges[j].seg.ID
		})
	}
}
