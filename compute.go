package tiernet

// compute.go implements the compute endpoint, the terminal responder of the top tier.
// Data packets (header at or above FirstSeq) are acknowledged with a short reply;
// plain packets (header 0) get an empty reply; a subscribe code starts a
// repeating demand-response stream back to the requester, at most one per
// requesting address.

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Defaults for the demand-response stream
const (
	DefaultChunkCount = 10
	DefaultChunkGap   = 0.03
	DefaultChunkSize  = 1024
	DefaultAckSize    = 1
)

// ComputeConfig describes one compute endpoint
type ComputeConfig struct {
	LocalPort  uint16  // port the endpoint listens on
	Frequency  float64 // seconds between demand-response bursts, 0 turns subscriptions off
	ChunkCount int     // packets per burst
	ChunkSize  int     // payload bytes per burst packet
	ChunkGap   float64 // seconds between packets of one burst
	AckSize    int     // payload bytes of the reply to a data packet
}

// DefaultComputeConfig returns a config with the default burst shape
func DefaultComputeConfig(port uint16, frequency float64) ComputeConfig {
	return ComputeConfig{
		LocalPort:  port,
		Frequency:  frequency,
		ChunkCount: DefaultChunkCount,
		ChunkSize:  DefaultChunkSize,
		ChunkGap:   DefaultChunkGap,
		AckSize:    DefaultAckSize,
	}
}

// Validate checks a ComputeConfig
func (cfg ComputeConfig) Validate() error {
	errs := []error{}
	if cfg.LocalPort == 0 {
		errs = append(errs, errors.New("compute local port is not set"))
	}
	if cfg.Frequency < 0 {
		errs = append(errs, errors.Errorf("compute frequency %g is negative", cfg.Frequency))
	}
	if cfg.Frequency > 0 {
		if cfg.ChunkCount < 1 {
			errs = append(errs, errors.Errorf("compute chunk count %d must be at least 1", cfg.ChunkCount))
		}
		if cfg.ChunkSize < 0 {
			errs = append(errs, errors.Errorf("compute chunk size %d is negative", cfg.ChunkSize))
		}
		if cfg.ChunkGap < 0 {
			errs = append(errs, errors.Errorf("compute chunk gap %g is negative", cfg.ChunkGap))
		}
		if float64(cfg.ChunkCount-1)*cfg.ChunkGap >= cfg.Frequency {
			errs = append(errs, errors.Errorf("compute burst of %d chunks %g apart does not fit in %g s",
				cfg.ChunkCount, cfg.ChunkGap, cfg.Frequency))
		}
	}
	if cfg.AckSize < 0 {
		errs = append(errs, errors.Errorf("compute ack size %d is negative", cfg.AckSize))
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// Compute is the responder and demand-response source of the top tier
type Compute struct {
	node int
	cfg  ComputeConfig
	env  AppEnv

	ctx  context.Context
	sock Socket

	// subscribers holds every address with a live stream, in arrival order
	subscribers []netip.AddrPort
	streams     map[netip.AddrPort]*EventHandle
	chunkEvents []*EventHandle

	received int
	ignored  int
	dupSubs  int
}

// CreateCompute is a constructor
func CreateCompute(node int, cfg ComputeConfig, env AppEnv) (*Compute, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "compute on node %d", node)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	cmp := new(Compute)
	cmp.node = node
	cmp.cfg = cfg
	cmp.env = env
	cmp.subscribers = make([]netip.AddrPort, 0)
	cmp.streams = make(map[netip.AddrPort]*EventHandle)
	return cmp, nil
}

// Start binds the local port
func (cmp *Compute) Start(ctx context.Context) error {
	sock, err := cmp.env.Net.Open(cmp.node)
	if err != nil {
		return err
	}
	if err := sock.Bind(cmp.cfg.LocalPort); err != nil {
		return err
	}
	sock.OnReceive(cmp.handleRead)
	cmp.sock = sock
	cmp.ctx = ctx
	return nil
}

// Stop cancels every stream and pending chunk, clears the registry and closes the socket
func (cmp *Compute) Stop() {
	for _, h := range cmp.streams {
		cmp.env.Sched.Cancel(h)
	}
	for _, h := range cmp.chunkEvents {
		cmp.env.Sched.Cancel(h)
	}
	cmp.streams = make(map[netip.AddrPort]*EventHandle)
	cmp.subscribers = cmp.subscribers[:0]
	cmp.chunkEvents = nil
	if cmp.sock != nil {
		cmp.sock.Close()
		cmp.sock = nil
	}
}

func (cmp *Compute) handleRead(data []byte, from netip.AddrPort) {
	pckt, err := ParsePacket(data)
	if err != nil {
		cmp.ignored += 1
		logger.WithFields(logrus.Fields{"node": cmp.node, "src": from.String()}).
			WithError(err).Debug("compute ignored packet")
		return
	}
	cmp.received += 1

	cmp.env.sink().OnReceived(ReceivedEvent{
		Time:      cmp.env.Sched.Now(),
		NodeID:    cmp.node,
		Role:      ComputeRole,
		Packet:    pckt,
		Source:    from,
		LocalPort: cmp.cfg.LocalPort,
		LocalAddr: cmp.env.Net.LocalAddr(cmp.node),
	})

	switch {
	case IsSequence(pckt.Header):
		cmp.reply(cmp.cfg.AckSize, from)
	case IsSubscribe(pckt.Header):
		if cmp.cfg.Frequency != 0 {
			cmp.subscribe(from)
		}
	case pckt.Header == HdrPlain:
		cmp.reply(0, from)
	default:
		cmp.ignored += 1
		logger.WithFields(logrus.Fields{"node": cmp.node, "src": from.String(), "hdr": pckt.Header}).
			Debug("compute ignored control code")
	}
}

// reply sends a header-0 packet of the given payload size back to a sender
func (cmp *Compute) reply(size int, to netip.AddrPort) {
	if cmp.sock == nil {
		return
	}
	pckt := Packet{Header: HdrPlain, Payload: size}
	if err := cmp.sock.SendTo(pckt.Marshal(), to); err != nil {
		logger.WithFields(logrus.Fields{"node": cmp.node, "dst": to.String()}).
			WithError(err).Debug("compute reply failed")
		return
	}
	cmp.env.sink().OnSent(SentEvent{
		Time:      cmp.env.Sched.Now(),
		NodeID:    cmp.node,
		Role:      ComputeRole,
		Packet:    pckt,
		Dest:      to,
		LocalPort: cmp.cfg.LocalPort,
	})
}

// subscribe registers a new subscriber and defers its first burst by one interval.
// A repeat request from a registered address changes nothing.
func (cmp *Compute) subscribe(addr netip.AddrPort) {
	if slices.Contains(cmp.subscribers, addr) {
		cmp.dupSubs += 1
		logger.WithFields(logrus.Fields{"node": cmp.node, "src": addr.String()}).
			Debug("compute duplicate subscribe")
		return
	}
	cmp.subscribers = append(cmp.subscribers, addr)
	cmp.streams[addr] = cmp.env.Sched.Schedule(cmp.cfg.Frequency, func() { cmp.burst(addr) })
}

// burst sends one round of chunks to a subscriber and reschedules itself
func (cmp *Compute) burst(addr netip.AddrPort) {
	if cmp.sock == nil || cmp.ctx.Err() != nil {
		return
	}

	live := cmp.chunkEvents[:0]
	for _, h := range cmp.chunkEvents {
		if cmp.env.Sched.IsPending(h) {
			live = append(live, h)
		}
	}
	cmp.chunkEvents = live

	for k := 0; k < cmp.cfg.ChunkCount; k++ {
		h := cmp.env.Sched.Schedule(float64(k)*cmp.cfg.ChunkGap, func() { cmp.sendChunk(addr) })
		cmp.chunkEvents = append(cmp.chunkEvents, h)
	}
	cmp.streams[addr] = cmp.env.Sched.Schedule(cmp.cfg.Frequency, func() { cmp.burst(addr) })
}

func (cmp *Compute) sendChunk(addr netip.AddrPort) {
	if cmp.sock == nil || cmp.ctx.Err() != nil {
		return
	}
	cmp.reply(cmp.cfg.ChunkSize, addr)
}

// Subscribers returns the registered subscriber addresses
func (cmp *Compute) Subscribers() []netip.AddrPort {
	return slices.Clone(cmp.subscribers)
}

// StreamCount is the number of repeating streams currently scheduled
func (cmp *Compute) StreamCount() int {
	count := 0
	for _, h := range cmp.streams {
		if cmp.env.Sched.IsPending(h) {
			count += 1
		}
	}
	return count
}

// Stats returns the packets received, packets ignored and duplicate subscribes seen
func (cmp *Compute) Stats() (received, ignored, dupSubs int) {
	return cmp.received, cmp.ignored, cmp.dupSubs
}
