package tiernet

// net.go contains the packet-level network the endpoints exchange traffic over.
// Nodes hold interfaces, pairs of interfaces are cabled into point-to-point links,
// and discrete packets pass hop by hop along static routes, waiting at each
// egress interface for serialization and then crossing the link's propagation delay.
//
// The model is deliberately small.  Each egress interface is a drop-tail FIFO with
// a fixed packet limit; there is no congestion control, fragmentation or ARP.
// A packet is lost, silently from the sender's point of view, when it meets an
// interface that is down, a full queue, a destination with no route, or a port
// nobody listens on.

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// bytes added to every application datagram when computing serialization time:
// UDP (8) + IPv4 (20) + PPP (2)
const wireOverhead = 30

// DefaultQueueLimit is the drop-tail limit, in packets, of an egress interface
const DefaultQueueLimit = 10

// first port handed out by Bind(0)
const firstEphemeralPort = 49153

var loopbackAddr = netip.MustParseAddr("127.0.0.1")

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownIntrfc = errors.New("unknown interface")
	ErrPortInUse     = errors.New("port already bound")
	ErrSocketClosed  = errors.New("socket closed")
	ErrNotConnected  = errors.New("socket not connected")
)

// DropReason names why the network discarded a packet
type DropReason string

const (
	DropIntrfcDown DropReason = "intrfc_down"
	DropQueueFull  DropReason = "queue_full"
	DropNoRoute    DropReason = "no_route"
	DropNoSocket   DropReason = "no_socket"
)

// DropObserver is told about every packet the network discards
type DropObserver interface {
	OnDrop(node int, reason DropReason)
}

// Transport is the view of the network the endpoints and the fault injector need
type Transport interface {
	Open(node int) (Socket, error)
	SetInterfaceUp(node, intrfc int) error
	SetInterfaceDown(node, intrfc int) error
	IntrfcUp(node, intrfc int) (bool, error)
	LocalAddr(node int) netip.Addr
}

// intrfcQStruct is the egress FIFO of an interface.  Only its occupancy and the
// time the transmitter frees up are tracked; the packets themselves ride in events.
type intrfcQStruct struct {
	busyUntil float64
	qlen      int
	limit     int
}

// The intrfcStruct holds one network interface of a node
type intrfcStruct struct {
	Number  int           // index on the owning node, 0 is loopback
	Addr    netip.Addr    // address assigned to the interface
	Up      bool          // interface state, changed by fault injection
	Bndwdth float64       // link bandwidth, Mbps
	Delay   float64       // propagation delay of the attached link, seconds
	Device  *nodeDev      // node holding the interface
	Cable   *intrfcStruct // the interface at the other end of the link
	egress  *intrfcQStruct
}

// nodeDev is a network participant: interfaces plus bound sockets
type nodeDev struct {
	ID      int
	Intrfcs []*intrfcStruct
	sockets map[uint16]*socket
	nxtPort uint16
}

func (node *nodeDev) owns(addr netip.Addr) bool {
	for _, intrfc := range node.Intrfcs {
		if intrfc.Addr == addr {
			return true
		}
	}
	return false
}

// linkTo returns the interface on node cabled to the neighbor with the given id
func (node *nodeDev) linkTo(nbrID int) *intrfcStruct {
	for _, intrfc := range node.Intrfcs {
		if intrfc.Cable != nil && intrfc.Cable.Device.ID == nbrID {
			return intrfc
		}
	}
	return nil
}

// netPacket is a datagram moving through the network
type netPacket struct {
	data []byte
	src  netip.AddrPort
	dst  netip.AddrPort
}

// Network is the simulated packet network.  It implements Transport.
type Network struct {
	sched      Scheduler
	nodes      map[int]*nodeDev
	byAddr     map[netip.Addr]*intrfcStruct
	routes     *routeTable
	queueLimit int
	observer   DropObserver

	Delivered int
	Dropped   map[DropReason]int
}

// CreateNetwork is a constructor
func CreateNetwork(sched Scheduler) *Network {
	n := new(Network)
	n.sched = sched
	n.nodes = make(map[int]*nodeDev)
	n.byAddr = make(map[netip.Addr]*intrfcStruct)
	n.routes = createRouteTable()
	n.queueLimit = DefaultQueueLimit
	n.Dropped = make(map[DropReason]int)
	return n
}

// SetQueueLimit changes the drop-tail limit of interfaces created afterwards
func (n *Network) SetQueueLimit(limit int) {
	if limit > 0 {
		n.queueLimit = limit
	}
}

// SetDropObserver registers the receiver of drop notifications
func (n *Network) SetDropObserver(obs DropObserver) {
	n.observer = obs
}

// AddNode creates a node with only its loopback interface.  Adding an
// existing node is a no-op.
func (n *Network) AddNode(id int) {
	if _, present := n.nodes[id]; present {
		return
	}
	node := &nodeDev{ID: id, sockets: make(map[uint16]*socket), nxtPort: firstEphemeralPort}
	lo := &intrfcStruct{Number: 0, Addr: loopbackAddr, Up: true, Device: node}
	node.Intrfcs = append(node.Intrfcs, lo)
	n.nodes[id] = node
}

// HasNode reports whether a node with the given id exists
func (n *Network) HasNode(id int) bool {
	_, present := n.nodes[id]
	return present
}

func (n *Network) addIntrfc(node *nodeDev, addr netip.Addr, bw, delay float64) *intrfcStruct {
	intrfc := new(intrfcStruct)
	intrfc.Number = len(node.Intrfcs)
	intrfc.Addr = addr
	intrfc.Up = true
	intrfc.Bndwdth = bw
	intrfc.Delay = delay
	intrfc.Device = node
	intrfc.egress = &intrfcQStruct{limit: n.queueLimit}
	node.Intrfcs = append(node.Intrfcs, intrfc)
	n.byAddr[addr] = intrfc
	return intrfc
}

// Connect installs a point-to-point link between two existing nodes, giving the
// new interfaces the addresses srcAddr and dstAddr.  bw is in Mbps, delay in seconds.
// The indices of the two new interfaces are returned.
func (n *Network) Connect(src, dst int, bw, delay float64, srcAddr, dstAddr netip.Addr) (int, int, error) {
	srcNode, present := n.nodes[src]
	if !present {
		return 0, 0, errors.Wrapf(ErrUnknownNode, "node %d", src)
	}
	dstNode, present := n.nodes[dst]
	if !present {
		return 0, 0, errors.Wrapf(ErrUnknownNode, "node %d", dst)
	}
	if !(bw > 0) {
		return 0, 0, errors.Errorf("link %d-%d: bandwidth must be positive", src, dst)
	}
	if delay < 0 {
		return 0, 0, errors.Errorf("link %d-%d: negative delay", src, dst)
	}
	for _, addr := range []netip.Addr{srcAddr, dstAddr} {
		if _, taken := n.byAddr[addr]; taken {
			return 0, 0, errors.Errorf("link %d-%d: address %s already assigned", src, dst, addr)
		}
	}

	srcIntrfc := n.addIntrfc(srcNode, srcAddr, bw, delay)
	dstIntrfc := n.addIntrfc(dstNode, dstAddr, bw, delay)
	srcIntrfc.Cable = dstIntrfc
	dstIntrfc.Cable = srcIntrfc
	n.routes.addLink(src, dst)

	return srcIntrfc.Number, dstIntrfc.Number, nil
}

func (n *Network) intrfc(node, idx int) (*intrfcStruct, error) {
	nd, present := n.nodes[node]
	if !present {
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", node)
	}
	if idx < 1 || idx >= len(nd.Intrfcs) {
		return nil, errors.Wrapf(ErrUnknownIntrfc, "node %d interface %d", node, idx)
	}
	return nd.Intrfcs[idx], nil
}

// SetInterfaceUp brings an interface back into service
func (n *Network) SetInterfaceUp(node, idx int) error {
	intrfc, err := n.intrfc(node, idx)
	if err != nil {
		return err
	}
	intrfc.Up = true
	return nil
}

// SetInterfaceDown takes an interface out of service.  Packets neither leave nor enter through it.
func (n *Network) SetInterfaceDown(node, idx int) error {
	intrfc, err := n.intrfc(node, idx)
	if err != nil {
		return err
	}
	intrfc.Up = false
	return nil
}

// IntrfcUp reports the state of an interface
func (n *Network) IntrfcUp(node, idx int) (bool, error) {
	intrfc, err := n.intrfc(node, idx)
	if err != nil {
		return false, err
	}
	return intrfc.Up, nil
}

// IntrfcAddr returns the address of an interface
func (n *Network) IntrfcAddr(node, idx int) (netip.Addr, error) {
	intrfc, err := n.intrfc(node, idx)
	if err != nil {
		return netip.Addr{}, err
	}
	return intrfc.Addr, nil
}

// LocalAddr returns the address of the node's first data-plane interface that
// is up, falling back to the first data-plane interface when none is.  The zero
// Addr is returned for a node without links.
func (n *Network) LocalAddr(node int) netip.Addr {
	nd, present := n.nodes[node]
	if !present || len(nd.Intrfcs) < 2 {
		return netip.Addr{}
	}
	for _, intrfc := range nd.Intrfcs[1:] {
		if intrfc.Up {
			return intrfc.Addr
		}
	}
	return nd.Intrfcs[1].Addr
}

// Route returns the node ids on the static route between two nodes
func (n *Network) Route(src, dst int) ([]int, error) {
	return n.routes.route(src, dst)
}

// computeServiceTime gives the seconds needed to clock msgLen bytes onto a link of bndwdth Mbps
func computeServiceTime(msgLen int, bndwdth float64) float64 {
	msgLenMbits := float64(8*msgLen) / 1e6
	return msgLenMbits / bndwdth
}

func (n *Network) drop(node int, np *netPacket, reason DropReason) {
	n.Dropped[reason] += 1
	if n.observer != nil {
		n.observer.OnDrop(node, reason)
	}
	logger.WithFields(logrus.Fields{
		"node":   node,
		"src":    np.src.String(),
		"dst":    np.dst.String(),
		"reason": string(reason),
	}).Debug("packet dropped")
}

// egressFor picks the interface a packet leaves node through on its way to dst
func (n *Network) egressFor(node *nodeDev, dst netip.Addr) (*intrfcStruct, error) {
	dstIntrfc, present := n.byAddr[dst]
	if !present {
		return nil, errors.Wrapf(ErrNoRoute, "no node holds %s", dst)
	}
	hop, err := n.routes.nextHop(node.ID, dstIntrfc.Device.ID)
	if err != nil {
		return nil, err
	}
	egress := node.linkTo(hop)
	if egress == nil {
		return nil, errors.Wrapf(ErrNoRoute, "node %d has no link to %d", node.ID, hop)
	}
	return egress, nil
}

// forward moves a packet one hop out of node, or delivers it if node is the destination
func (n *Network) forward(node *nodeDev, np *netPacket) {
	if node.owns(np.dst.Addr()) {
		n.deliver(node, np)
		return
	}

	egress, err := n.egressFor(node, np.dst.Addr())
	if err != nil {
		n.drop(node.ID, np, DropNoRoute)
		return
	}
	if !egress.Up {
		n.drop(node.ID, np, DropIntrfcDown)
		return
	}

	q := egress.egress
	if q.qlen >= q.limit {
		n.drop(node.ID, np, DropQueueFull)
		return
	}

	now := n.sched.Now()
	start := now
	if q.busyUntil > start {
		start = q.busyUntil
	}
	done := start + computeServiceTime(len(np.data)+wireOverhead, egress.Bndwdth)
	q.busyUntil = done
	q.qlen += 1

	n.sched.Schedule(done-now, func() { q.qlen -= 1 })
	n.sched.Schedule(done+egress.Delay-now, func() { n.arrive(egress.Cable, np) })
}

// arrive handles a packet reaching the far end of a link
func (n *Network) arrive(ingress *intrfcStruct, np *netPacket) {
	if !ingress.Up {
		n.drop(ingress.Device.ID, np, DropIntrfcDown)
		return
	}
	n.forward(ingress.Device, np)
}

func (n *Network) deliver(node *nodeDev, np *netPacket) {
	sock, present := node.sockets[np.dst.Port()]
	if !present || sock.closed {
		n.drop(node.ID, np, DropNoSocket)
		return
	}
	n.Delivered += 1
	if sock.recv != nil {
		sock.recv(np.data, np.src)
	}
}

// send injects a datagram from a socket into the network
func (n *Network) send(sock *socket, data []byte, dst netip.AddrPort) {
	node := sock.node
	src := netip.AddrPortFrom(loopbackAddr, sock.port)
	if !node.owns(dst.Addr()) {
		if egress, err := n.egressFor(node, dst.Addr()); err == nil {
			src = netip.AddrPortFrom(egress.Addr, sock.port)
		}
	}
	np := &netPacket{data: data, src: src, dst: dst}

	if node.owns(dst.Addr()) {
		// local traffic skips the links but still goes through the event list
		n.sched.Schedule(0, func() { n.deliver(node, np) })
		return
	}
	n.forward(node, np)
}

// Open creates an unbound socket on a node
func (n *Network) Open(node int) (Socket, error) {
	nd, present := n.nodes[node]
	if !present {
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", node)
	}
	return &socket{net: n, node: nd}, nil
}

// Socket is a datagram endpoint on one node
type Socket interface {
	Bind(port uint16) error
	Connect(remote netip.AddrPort) error
	Send(data []byte) error
	SendTo(data []byte, remote netip.AddrPort) error
	OnReceive(fn func(data []byte, from netip.AddrPort))
	LocalPort() uint16
	Node() int
	Close()
}

type socket struct {
	net       *Network
	node      *nodeDev
	port      uint16
	bound     bool
	remote    netip.AddrPort
	connected bool
	closed    bool
	recv      func([]byte, netip.AddrPort)
}

// Bind attaches the socket to a port; port 0 picks an unused ephemeral port
func (s *socket) Bind(port uint16) error {
	if s.closed {
		return ErrSocketClosed
	}
	if s.bound {
		return errors.Errorf("socket on node %d already bound to %d", s.node.ID, s.port)
	}
	if port == 0 {
		for {
			port = s.node.nxtPort
			s.node.nxtPort += 1
			if s.node.nxtPort == 0 {
				s.node.nxtPort = firstEphemeralPort
			}
			if _, taken := s.node.sockets[port]; !taken {
				break
			}
		}
	} else if _, taken := s.node.sockets[port]; taken {
		return errors.Wrapf(ErrPortInUse, "node %d port %d", s.node.ID, port)
	}
	s.port = port
	s.bound = true
	s.node.sockets[port] = s
	return nil
}

// Connect fixes the default destination, binding an ephemeral port if needed
func (s *socket) Connect(remote netip.AddrPort) error {
	if s.closed {
		return ErrSocketClosed
	}
	if !remote.IsValid() {
		return errors.Errorf("invalid remote address %s", remote)
	}
	if !s.bound {
		if err := s.Bind(0); err != nil {
			return err
		}
	}
	s.remote = remote
	s.connected = true
	return nil
}

// Send transmits to the connected destination
func (s *socket) Send(data []byte) error {
	if !s.connected {
		return ErrNotConnected
	}
	return s.SendTo(data, s.remote)
}

// SendTo transmits to an explicit destination
func (s *socket) SendTo(data []byte, remote netip.AddrPort) error {
	if s.closed {
		return ErrSocketClosed
	}
	if !remote.IsValid() {
		return errors.Errorf("invalid remote address %s", remote)
	}
	if !s.bound {
		if err := s.Bind(0); err != nil {
			return err
		}
	}
	s.net.send(s, data, remote)
	return nil
}

func (s *socket) OnReceive(fn func([]byte, netip.AddrPort)) {
	s.recv = fn
}

func (s *socket) LocalPort() uint16 {
	return s.port
}

func (s *socket) Node() int {
	return s.node.ID
}

// Close releases the port; packets arriving afterwards are dropped
func (s *socket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.bound && s.node.sockets[s.port] == s {
		delete(s.node.sockets, s.port)
	}
	s.recv = nil
}
