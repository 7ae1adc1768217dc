package tiernet

// aggregator.go implements the aggregation endpoint.  It has two timelines that
// share only the byte accumulator: a receive path that adds the payload of every
// inbound packet to the accumulator, and a flush path that periodically drains
// the accumulator into one upstream packet carrying the aggregator's own
// sequence number.  Acknowledgements coming back on the upstream socket are
// logged and otherwise ignored.

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AggregatorConfig describes one aggregation endpoint
type AggregatorConfig struct {
	LocalPort     uint16         // port the sensors send to
	Remote        netip.AddrPort // upstream compute endpoint
	FlushInterval float64        // seconds between flushes
	StartOffset   float64        // seconds from start to the first flush
}

// Validate checks an AggregatorConfig
func (cfg AggregatorConfig) Validate() error {
	errs := []error{}
	if cfg.LocalPort == 0 {
		errs = append(errs, errors.New("aggregator local port is not set"))
	}
	if !cfg.Remote.IsValid() {
		errs = append(errs, errors.New("aggregator remote address is not set"))
	}
	if !(cfg.FlushInterval > 0) {
		errs = append(errs, errors.Errorf("aggregator flush interval %g must be positive", cfg.FlushInterval))
	}
	if cfg.StartOffset < 0 {
		errs = append(errs, errors.Errorf("aggregator start offset %g is negative", cfg.StartOffset))
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// Aggregator is the window-based batching relay of the middle tier
type Aggregator struct {
	node int
	cfg  AggregatorConfig
	env  AppEnv

	ctx        context.Context
	local      Socket // sensors send here
	upstream   Socket // connected to the compute endpoint
	flushEvent *EventHandle
	firstDone  bool

	accumulated int
	sendSeq     uint32
	lastSeq     uint32

	// totals over the endpoint's life
	received  int
	flushes   int
	flushed   int
	acksHeard int
}

// CreateAggregator is a constructor
func CreateAggregator(node int, cfg AggregatorConfig, env AppEnv) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "aggregator on node %d", node)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	agg := new(Aggregator)
	agg.node = node
	agg.cfg = cfg
	agg.env = env
	agg.sendSeq = FirstSeq
	return agg, nil
}

// Start binds the local port, connects upstream and schedules the first flush
func (agg *Aggregator) Start(ctx context.Context) error {
	local, err := agg.env.Net.Open(agg.node)
	if err != nil {
		return err
	}
	if err := local.Bind(agg.cfg.LocalPort); err != nil {
		return err
	}
	local.OnReceive(agg.handleRead)

	upstream, err := agg.env.Net.Open(agg.node)
	if err != nil {
		local.Close()
		return err
	}
	if err := upstream.Connect(agg.cfg.Remote); err != nil {
		local.Close()
		return err
	}
	upstream.OnReceive(agg.handleAck)

	agg.local = local
	agg.upstream = upstream
	agg.ctx = ctx
	agg.scheduleFlush()
	return nil
}

// Stop cancels the pending flush and closes both sockets.  Bytes still in the
// accumulator are discarded.
func (agg *Aggregator) Stop() {
	agg.env.Sched.Cancel(agg.flushEvent)
	if agg.local != nil {
		agg.local.Close()
		agg.local = nil
	}
	if agg.upstream != nil {
		agg.upstream.Close()
		agg.upstream = nil
	}
	agg.accumulated = 0
}

func (agg *Aggregator) scheduleFlush() {
	if !agg.firstDone {
		agg.firstDone = true
		agg.flushEvent = agg.env.Sched.Schedule(agg.cfg.StartOffset, agg.flush)
		return
	}
	if agg.env.Sched.IsPending(agg.flushEvent) {
		return
	}
	agg.flushEvent = agg.env.Sched.Schedule(agg.cfg.FlushInterval, agg.flush)
}

// flush sends the accumulated bytes upstream as one packet, if there are any
func (agg *Aggregator) flush() {
	if agg.upstream == nil || agg.ctx.Err() != nil {
		return
	}

	if agg.accumulated > 0 {
		pckt := Packet{Header: agg.sendSeq, Payload: agg.accumulated}
		if err := agg.upstream.Send(pckt.Marshal()); err != nil {
			logger.WithFields(logrus.Fields{"node": agg.node, "remote": agg.cfg.Remote.String()}).
				WithError(err).Debug("aggregator flush failed")
		} else {
			agg.flushes += 1
			agg.flushed += pckt.Payload
			agg.env.sink().OnSent(SentEvent{
				Time:      agg.env.Sched.Now(),
				NodeID:    agg.node,
				Role:      AggregatorRole,
				Packet:    pckt,
				Dest:      agg.cfg.Remote,
				LocalPort: agg.upstream.LocalPort(),
			})
		}
		agg.accumulated = 0
		agg.sendSeq += 1
	}
	agg.scheduleFlush()
}

// handleRead is the receive path
func (agg *Aggregator) handleRead(data []byte, from netip.AddrPort) {
	pckt, err := ParsePacket(data)
	if err != nil {
		logger.WithFields(logrus.Fields{"node": agg.node, "src": from.String()}).
			WithError(err).Debug("aggregator ignored packet")
		return
	}

	agg.accumulated += pckt.Payload
	agg.received += 1
	if IsSequence(pckt.Header) {
		agg.lastSeq = pckt.Header
	}

	agg.env.sink().OnReceived(ReceivedEvent{
		Time:      agg.env.Sched.Now(),
		NodeID:    agg.node,
		Role:      AggregatorRole,
		Packet:    pckt,
		Source:    from,
		LocalPort: agg.cfg.LocalPort,
		LastSeq:   agg.lastSeq,
	})
}

// handleAck consumes acknowledgements from upstream
func (agg *Aggregator) handleAck(data []byte, from netip.AddrPort) {
	agg.acksHeard += 1
	logger.WithFields(logrus.Fields{
		"node":   agg.node,
		"remote": from.String(),
		"bytes":  len(data),
	}).Debug("aggregator ack")
}

// Accumulated is the number of payload bytes waiting for the next flush
func (agg *Aggregator) Accumulated() int {
	return agg.accumulated
}

// LastSeq is the most recent inbound sequence number
func (agg *Aggregator) LastSeq() uint32 {
	return agg.lastSeq
}

// Stats returns the packets received, flushes emitted, payload bytes flushed and acks heard
func (agg *Aggregator) Stats() (received, flushes, flushed, acks int) {
	return agg.received, agg.flushes, agg.flushed, agg.acksHeard
}
