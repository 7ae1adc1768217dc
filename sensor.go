package tiernet

// sensor.go implements the sensor endpoint: a periodic sender at the physical tier.
// In plain mode each packet carries the next sequence number; in a subscription
// mode each packet carries the subscription code instead and the sequence
// counter stays put.

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SensorConfig describes one sensor endpoint
type SensorConfig struct {
	Remote       netip.AddrPort // destination of every packet
	PacketSize   int            // payload bytes per packet, header not included
	Interval     float64        // seconds between sends after the first
	Offset       float64        // seconds from start to the first send
	Subscription uint32         // 0 plain, 1 soft subscribe, 2 hard subscribe, 3 unsubscribe
}

// Validate checks a SensorConfig
func (cfg SensorConfig) Validate() error {
	errs := []error{}
	if !cfg.Remote.IsValid() {
		errs = append(errs, errors.New("sensor remote address is not set"))
	}
	if cfg.PacketSize < 0 {
		errs = append(errs, errors.Errorf("sensor packet size %d is negative", cfg.PacketSize))
	}
	if !(cfg.Interval > 0) {
		errs = append(errs, errors.Errorf("sensor interval %g must be positive", cfg.Interval))
	}
	if cfg.Offset < 0 {
		errs = append(errs, errors.Errorf("sensor offset %g is negative", cfg.Offset))
	}
	if cfg.Subscription > HdrUnsubscribe {
		errs = append(errs, errors.Errorf("sensor subscription mode %d is not a control code", cfg.Subscription))
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// Sensor is the periodic producer at the physical tier
type Sensor struct {
	node int
	cfg  SensorConfig
	env  AppEnv

	ctx       context.Context
	sock      Socket
	sendEvent *EventHandle
	seq       uint32
	firstDone bool
	sent      int
}

// CreateSensor is a constructor
func CreateSensor(node int, cfg SensorConfig, env AppEnv) (*Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "sensor on node %d", node)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	s := new(Sensor)
	s.node = node
	s.cfg = cfg
	s.env = env
	s.seq = FirstSeq
	return s, nil
}

// Start opens the socket toward the remote and schedules the first send
func (s *Sensor) Start(ctx context.Context) error {
	sock, err := s.env.Net.Open(s.node)
	if err != nil {
		return err
	}
	if err := sock.Connect(s.cfg.Remote); err != nil {
		sock.Close()
		return err
	}
	sock.OnReceive(s.handleRead)
	s.sock = sock
	s.ctx = ctx
	s.scheduleNext()
	return nil
}

// Stop cancels any pending send and closes the socket
func (s *Sensor) Stop() {
	s.env.Sched.Cancel(s.sendEvent)
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
}

// scheduleNext arranges the next send.  The first send waits Offset; afterwards
// a send is scheduled Interval later, unless one is already pending.
func (s *Sensor) scheduleNext() {
	if !s.firstDone {
		s.firstDone = true
		s.sendEvent = s.env.Sched.Schedule(s.cfg.Offset, s.sendPacket)
		return
	}
	if s.env.Sched.IsPending(s.sendEvent) {
		return
	}
	s.sendEvent = s.env.Sched.Schedule(s.cfg.Interval, s.sendPacket)
}

func (s *Sensor) sendPacket() {
	if s.sock == nil || s.ctx.Err() != nil {
		return
	}

	pckt := Packet{Payload: s.cfg.PacketSize}
	if s.cfg.Subscription == HdrPlain {
		pckt.Header = s.seq
	} else {
		pckt.Header = s.cfg.Subscription
	}

	if err := s.sock.Send(pckt.Marshal()); err != nil {
		logger.WithFields(logrus.Fields{"node": s.node, "remote": s.cfg.Remote.String()}).
			WithError(err).Debug("sensor send failed")
	} else {
		s.sent += 1
		s.env.sink().OnSent(SentEvent{
			Time:      s.env.Sched.Now(),
			NodeID:    s.node,
			Role:      SensorRole,
			Packet:    pckt,
			Dest:      s.cfg.Remote,
			LocalPort: s.sock.LocalPort(),
		})
	}

	if s.cfg.Subscription == HdrPlain {
		s.seq += 1
	}
	s.scheduleNext()
}

// handleRead reports replies; they never change the sensor's state
func (s *Sensor) handleRead(data []byte, from netip.AddrPort) {
	pckt := Packet{Payload: len(data)}
	if p, err := ParsePacket(data); err == nil {
		pckt = p
	}
	var port uint16
	if s.sock != nil {
		port = s.sock.LocalPort()
	}
	s.env.sink().OnReceived(ReceivedEvent{
		Time:      s.env.Sched.Now(),
		NodeID:    s.node,
		Role:      SensorRole,
		Packet:    pckt,
		Source:    from,
		LocalPort: port,
	})
}

// NextSeq is the sequence number the next plain packet will carry
func (s *Sensor) NextSeq() uint32 {
	return s.seq
}

// Sent is the number of packets handed to the transport
func (s *Sensor) Sent() int {
	return s.sent
}
