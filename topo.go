package tiernet

// topo.go turns a topology description into a running network and keeps every
// mapping later steps look things up in: node tiers, node and interface addresses,
// which aggregator each sensor reports to, the compute-side addresses of the
// aggregation-compute links, and the interfaces eligible for fault injection.
// All of it lives on one TopologyContext value; nothing is package-global.

import (
	"net/netip"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrUnclassifiedNode      = errors.New("node not classified")
	ErrUnmappedAddress       = errors.New("address not mapped to a node")
	ErrNoAggregator          = errors.New("sensor has no aggregator")
	ErrNoRoleAddress         = errors.New("node has no address for role")
	ErrAddressSpaceExhausted = errors.New("subnet address space exhausted")
)

// Tier is a node's place in the three-layer topology
type Tier int

const (
	UnknownTier Tier = iota
	SensorTier
	AggregatorTier
	ComputeTier
)

var tierToStr = map[Tier]string{UnknownTier: "unknown", SensorTier: "sensor",
	AggregatorTier: "aggregator", ComputeTier: "compute"}

func (tier Tier) String() string {
	return tierToStr[tier]
}

// name prefixes that classify a node
const (
	computePrefix    = "com_"
	aggregatorPrefix = "agg_"
	sensorPrefix     = "phy_"
)

// TierFromName classifies a node by the prefix of its name
func TierFromName(name string) Tier {
	switch {
	case strings.HasPrefix(name, computePrefix):
		return ComputeTier
	case strings.HasPrefix(name, aggregatorPrefix):
		return AggregatorTier
	case strings.HasPrefix(name, sensorPrefix):
		return SensorTier
	}
	return UnknownTier
}

// TierFromStr classifies a node from an explicit type column
func TierFromStr(str string) Tier {
	switch strings.ToLower(str) {
	case "com", "compute", "pdc", "wac":
		return ComputeTier
	case "agg", "aggregator", "aggregation", "router":
		return AggregatorTier
	case "phy", "sensor", "physical", "pmu", "ami":
		return SensorTier
	}
	return UnknownTier
}

// EdgeKind is derived from the tiers of an edge's two ends
type EdgeKind int

const (
	OtherEdge EdgeKind = iota
	SensorAggEdge
	AggComputeEdge
)

func edgeKind(a, b Tier) EdgeKind {
	switch {
	case (a == SensorTier && b == AggregatorTier) || (a == AggregatorTier && b == SensorTier):
		return SensorAggEdge
	case (a == ComputeTier && b == AggregatorTier) || (a == AggregatorTier && b == ComputeTier):
		return AggComputeEdge
	}
	return OtherEdge
}

// Node is a participant in the topology
type Node struct {
	ID   int
	Name string
	Tier Tier
}

// Edge is a processed edge: the description plus what building it produced
type Edge struct {
	Desc      EdgeDesc
	Kind      EdgeKind
	Subnet    netip.Prefix
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	SrcIntrfc int
	DstIntrfc int
}

// FailureCandidate names the compute-side interface of an aggregation-compute edge
type FailureCandidate struct {
	Node   int
	Intrfc int
	Edge   int // index into TopologyContext.Edges
}

// SubnetAllocator hands out consecutive /30 subnets starting at 10.0.0.0.  The
// fourth octet steps by 4; when it runs out the third octet advances, and when
// that runs out the second does.
type SubnetAllocator struct {
	octets [4]int
}

// CreateSubnetAllocator is a constructor
func CreateSubnetAllocator() *SubnetAllocator {
	return &SubnetAllocator{octets: [4]int{10, 0, 0, 0}}
}

// Next returns the next unused subnet
func (sa *SubnetAllocator) Next() (netip.Prefix, error) {
	if sa.octets[3] > 252 {
		sa.octets[3] = 0
		sa.octets[2] += 1
	}
	if sa.octets[2] > 255 {
		sa.octets[2] = 0
		sa.octets[1] += 1
	}
	if sa.octets[1] > 255 {
		return netip.Prefix{}, ErrAddressSpaceExhausted
	}
	addr := netip.AddrFrom4([4]byte{byte(sa.octets[0]), byte(sa.octets[1]), byte(sa.octets[2]), byte(sa.octets[3])})
	sa.octets[3] += 4
	return netip.PrefixFrom(addr, 30), nil
}

// hostAddr returns the address offset hosts above the subnet base
func hostAddr(subnet netip.Prefix, offset int) netip.Addr {
	b := subnet.Masked().Addr().As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += uint32(offset)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// parseSubnet turns a base address and a dotted mask into a prefix
func parseSubnet(base, mask string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, errors.Errorf("bad subnet base %q", base)
	}
	bits := 30
	if mask != "" {
		m, err := netip.ParseAddr(mask)
		if err != nil || !m.Is4() {
			return netip.Prefix{}, errors.Errorf("bad subnet mask %q", mask)
		}
		mb := m.As4()
		v := uint32(mb[0])<<24 | uint32(mb[1])<<16 | uint32(mb[2])<<8 | uint32(mb[3])
		bits = 0
		for v&(1<<31) != 0 {
			bits += 1
			v <<= 1
		}
		if v != 0 {
			return netip.Prefix{}, errors.Errorf("mask %q is not contiguous", mask)
		}
	}
	if bits > 30 {
		return netip.Prefix{}, errors.Errorf("subnet %s/%d has no room for two hosts", base, bits)
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// TopologyContext holds the built network and every mapping derived while building it
type TopologyContext struct {
	Net   *Network
	Nodes map[int]*Node
	Edges []Edge

	addrs      map[int][]netip.Addr
	byAddr     map[netip.Addr]int
	sensorAgg  map[int]netip.Addr
	computeIPs []netip.Addr
	candidates []FailureCandidate
	roleAddrs  map[string]map[int]netip.Addr
	alloc      *SubnetAllocator
}

// BuildTopology creates one node per declared id and processes the edges in
// order, assigning subnets and classifying each edge as it goes.
func BuildTopology(td *TopoDesc, net *Network) (*TopologyContext, error) {
	tc := new(TopologyContext)
	tc.Net = net
	tc.Nodes = make(map[int]*Node)
	tc.Edges = make([]Edge, 0, len(td.Edges))
	tc.addrs = make(map[int][]netip.Addr)
	tc.byAddr = make(map[netip.Addr]int)
	tc.sensorAgg = make(map[int]netip.Addr)
	tc.roleAddrs = make(map[string]map[int]netip.Addr)
	tc.alloc = CreateSubnetAllocator()

	explicit := make(map[int]bool)
	for _, nd := range td.Nodes {
		if _, present := tc.Nodes[nd.ID]; present {
			return nil, errors.Wrapf(ErrInvalidConfig, "node %d declared twice", nd.ID)
		}
		tier := TierFromName(nd.Name)
		if tier == UnknownTier {
			tier = TierFromStr(nd.Type)
		}
		tc.Nodes[nd.ID] = &Node{ID: nd.ID, Name: nd.Name, Tier: tier}
		explicit[nd.ID] = true
		net.AddNode(nd.ID)
	}
	for id := 0; id < td.NodeCount; id++ {
		if _, present := tc.Nodes[id]; !present {
			tc.Nodes[id] = &Node{ID: id}
			net.AddNode(id)
		}
	}

	// per-edge tier columns classify nodes the node list left open
	for _, ed := range td.Edges {
		srcTier, dstTier := ed.EndTiers()
		for _, end := range []struct {
			id   int
			tier string
		}{{ed.Src, srcTier}, {ed.Dst, dstTier}} {
			node, present := tc.Nodes[end.id]
			if !present {
				return nil, errors.Wrapf(ErrUnknownNode, "edge %d-%d names node %d", ed.Src, ed.Dst, end.id)
			}
			if node.Tier == UnknownTier {
				node.Tier = TierFromStr(end.tier)
			}
		}
	}

	used := make(map[int]bool)
	for _, ed := range td.Edges {
		used[ed.Src] = true
		used[ed.Dst] = true
	}
	unclassified := []error{}
	for _, id := range tc.NodeIDs() {
		node := tc.Nodes[id]
		if node.Tier != UnknownTier {
			continue
		}
		if explicit[id] || used[id] {
			unclassified = append(unclassified, errors.Wrapf(ErrUnclassifiedNode, "node %d (%q)", id, node.Name))
			continue
		}
		logger.WithField("node", id).Debug("node unused and unclassified")
	}
	if len(unclassified) > 0 {
		return nil, unclassified[0]
	}

	for idx, ed := range td.Edges {
		if err := tc.addEdge(idx, ed); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"nodes":      len(tc.Nodes),
		"edges":      len(tc.Edges),
		"candidates": len(tc.candidates),
	}).Info("topology built")
	return tc, nil
}

func (tc *TopologyContext) addEdge(idx int, ed EdgeDesc) error {
	var subnet netip.Prefix
	var err error
	if ed.SubnetBase != "" {
		subnet, err = parseSubnet(ed.SubnetBase, ed.SubnetMask)
	} else {
		subnet, err = tc.alloc.Next()
	}
	if err != nil {
		return errors.Wrapf(err, "edge %d (%d-%d)", idx, ed.Src, ed.Dst)
	}

	srcAddr := hostAddr(subnet, 1)
	dstAddr := hostAddr(subnet, 2)
	srcIntrfc, dstIntrfc, err := tc.Net.Connect(ed.Src, ed.Dst, ed.BandwidthMbps, ed.DelayMs/1000.0, srcAddr, dstAddr)
	if err != nil {
		return errors.Wrapf(err, "edge %d", idx)
	}

	tc.addrs[ed.Src] = append(tc.addrs[ed.Src], srcAddr)
	tc.addrs[ed.Dst] = append(tc.addrs[ed.Dst], dstAddr)
	tc.byAddr[srcAddr] = ed.Src
	tc.byAddr[dstAddr] = ed.Dst

	if ed.Role != "" {
		role := strings.ToUpper(ed.Role)
		if _, present := tc.roleAddrs[role]; !present {
			tc.roleAddrs[role] = make(map[int]netip.Addr)
		}
		tc.roleAddrs[role][ed.Dst] = dstAddr
	}

	srcTier, dstTier := tc.Nodes[ed.Src].Tier, tc.Nodes[ed.Dst].Tier
	edge := Edge{Desc: ed, Kind: edgeKind(srcTier, dstTier), Subnet: subnet,
		SrcAddr: srcAddr, DstAddr: dstAddr, SrcIntrfc: srcIntrfc, DstIntrfc: dstIntrfc}
	tc.Edges = append(tc.Edges, edge)

	switch edge.Kind {
	case AggComputeEdge:
		if srcTier == ComputeTier {
			tc.computeIPs = append(tc.computeIPs, srcAddr)
			tc.candidates = append(tc.candidates, FailureCandidate{Node: ed.Src, Intrfc: srcIntrfc, Edge: idx})
		} else {
			tc.computeIPs = append(tc.computeIPs, dstAddr)
			tc.candidates = append(tc.candidates, FailureCandidate{Node: ed.Dst, Intrfc: dstIntrfc, Edge: idx})
		}
	case SensorAggEdge:
		if srcTier == SensorTier {
			tc.sensorAgg[ed.Src] = dstAddr
		} else {
			tc.sensorAgg[ed.Dst] = srcAddr
		}
	}
	return nil
}

// NodeIDs returns every node id in increasing order
func (tc *TopologyContext) NodeIDs() []int {
	ids := make([]int, 0, len(tc.Nodes))
	for id := range tc.Nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NodesOfTier returns the ids of the nodes in a tier, in increasing order
func (tc *TopologyContext) NodesOfTier(tier Tier) []int {
	ids := []int{}
	for _, id := range tc.NodeIDs() {
		if tc.Nodes[id].Tier == tier {
			ids = append(ids, id)
		}
	}
	return ids
}

// NodeFromAddr maps an interface address back to its node
func (tc *TopologyContext) NodeFromAddr(addr netip.Addr) (int, error) {
	id, present := tc.byAddr[addr]
	if !present {
		return -1, errors.Wrapf(ErrUnmappedAddress, "%s", addr)
	}
	return id, nil
}

// AddrOf returns the first address assigned to a node
func (tc *TopologyContext) AddrOf(node int) (netip.Addr, error) {
	addrs := tc.addrs[node]
	if len(addrs) == 0 {
		return netip.Addr{}, errors.Wrapf(ErrNoRoleAddress, "node %d has no address", node)
	}
	return addrs[0], nil
}

// AggregatorAddr returns the address of the aggregator a sensor is attached to
func (tc *TopologyContext) AggregatorAddr(sensor int) (netip.Addr, error) {
	addr, present := tc.sensorAgg[sensor]
	if !present {
		return netip.Addr{}, errors.Wrapf(ErrNoAggregator, "node %d", sensor)
	}
	return addr, nil
}

// RoleAddr returns the address a node was attached with in a labeled role (PDC, WAC, PMU)
func (tc *TopologyContext) RoleAddr(role string, node int) (netip.Addr, error) {
	addr, present := tc.roleAddrs[strings.ToUpper(role)][node]
	if !present {
		return netip.Addr{}, errors.Wrapf(ErrNoRoleAddress, "%s node %d", role, node)
	}
	return addr, nil
}

// ComputeAddrs returns the compute-side address of every aggregation-compute edge, in edge order
func (tc *TopologyContext) ComputeAddrs() []netip.Addr {
	return append([]netip.Addr(nil), tc.computeIPs...)
}

// FailureCandidates returns the compute-side interfaces of aggregation-compute edges, in edge order
func (tc *TopologyContext) FailureCandidates() []FailureCandidate {
	return append([]FailureCandidate(nil), tc.candidates...)
}

// NameByID maps node ids to names, for route displays
func (tc *TopologyContext) NameByID() map[int]string {
	names := make(map[int]string)
	for id, node := range tc.Nodes {
		if node.Name != "" {
			names[id] = node.Name
		}
	}
	return names
}
