package tiernet

// routes.go provides static shortest-path routing through the simulated network

import (
	"math"
	"strconv"
	"strings"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The network's point-to-point links are mirrored into a gonum graph, and routes
// come from the shortest path trees gonum's Dijkstra computes.  A shortest path
// minimizes hop count, which is what global static routing does.  Routes are computed
// against the full link graph and do not react to interface state, so a packet
// routed over a link that is down is lost rather than rerouted.
//
// Each link weight is 1 plus a tiny perturbation drawn from an rngstream.  Hop count
// still dominates, but equal-hop alternatives no longer tie, so the tree Dijkstra
// builds does not depend on map iteration order and a replay takes the same routes.
//
// Trees are computed lazily, rooted at the source, and cached until the link
// graph changes.

// ErrNoRoute is returned when no path joins two nodes
var ErrNoRoute = errors.New("no route")

const tieBreakScale = 1e-6

type routeTable struct {
	connGraph *simple.WeightedDirectedGraph
	gNodes    map[int]simple.Node
	cachedSP  map[int]path.Shortest
	rng       *rngstream.RngStream
}

// createRouteTable is a constructor
func createRouteTable() *routeTable {
	rt := new(routeTable)
	rt.connGraph = simple.NewWeightedDirectedGraph(0, math.Inf(1))
	rt.gNodes = make(map[int]simple.Node)
	rt.cachedSP = make(map[int]path.Shortest)
	rt.rng = rngstream.New("routes")
	return rt
}

func (rt *routeTable) addNode(nodeID int) {
	if _, present := rt.gNodes[nodeID]; present {
		return
	}
	rt.gNodes[nodeID] = simple.Node(nodeID)
	rt.connGraph.AddNode(rt.gNodes[nodeID])
}

// addLink represents a bidirectional link between two nodes
func (rt *routeTable) addLink(a, b int) {
	rt.addNode(a)
	rt.addNode(b)
	w := 1.0 + tieBreakScale*rt.rng.RandU01()
	rt.connGraph.SetWeightedEdge(simple.WeightedEdge{F: rt.gNodes[a], T: rt.gNodes[b], W: w})
	rt.connGraph.SetWeightedEdge(simple.WeightedEdge{F: rt.gNodes[b], T: rt.gNodes[a], W: w})

	// cached trees are stale once the graph changes
	rt.cachedSP = make(map[int]path.Shortest)
}

// getSPTree returns the shortest path tree rooted at 'from', from the cache if possible
func (rt *routeTable) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// route returns the node ids on the path from src to dst, inclusive
func (rt *routeTable) route(src, dst int) ([]int, error) {
	if src == dst {
		return []int{src}, nil
	}
	_, srcOK := rt.gNodes[src]
	_, dstOK := rt.gNodes[dst]
	if !srcOK || !dstOK {
		return nil, errors.Wrapf(ErrNoRoute, "node %d to node %d", src, dst)
	}

	spTree := rt.getSPTree(src)
	nodes, weight := spTree.To(int64(dst))
	if len(nodes) == 0 || math.IsInf(weight, 1) {
		return nil, errors.Wrapf(ErrNoRoute, "node %d to node %d", src, dst)
	}
	return convertNodeSeq(nodes), nil
}

// nextHop returns the neighbor of src that lies on the route to dst
func (rt *routeTable) nextHop(src, dst int) (int, error) {
	seq, err := rt.route(src, dst)
	if err != nil {
		return -1, err
	}
	if len(seq) < 2 {
		return src, nil
	}
	return seq[1], nil
}

// convertNodeSeq extracts node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// ShowPath returns a comma-separated list of the names of the nodes on a path
func ShowPath(seq []int, idToName map[int]string) string {
	pathString := make([]string, 0, len(seq))
	for _, nodeID := range seq {
		name, present := idToName[nodeID]
		if !present {
			name = strconv.Itoa(nodeID)
		}
		pathString = append(pathString, name)
	}
	return strings.Join(pathString, ",")
}
