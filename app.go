package tiernet

// app.go holds what the three endpoint roles share: the events they report,
// the sink that receives those events, the environment they run in, and the
// App variant the installer uses to start and stop them uniformly.

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
)

// RoleKind tags the three endpoint roles
type RoleKind int

const (
	SensorRole RoleKind = iota
	AggregatorRole
	ComputeRole
)

var roleToStr = map[RoleKind]string{SensorRole: "sensor", AggregatorRole: "aggregator", ComputeRole: "compute"}

func (rk RoleKind) String() string {
	str, present := roleToStr[rk]
	if !present {
		return "unknown"
	}
	return str
}

// SentEvent describes one packet handed to the transport by an endpoint
type SentEvent struct {
	Time      float64
	NodeID    int
	Role      RoleKind
	Packet    Packet
	Dest      netip.AddrPort
	LocalPort uint16
}

// ReceivedEvent describes one packet delivered to an endpoint.  LastSeq is
// filled in by aggregators, LocalAddr by compute endpoints.
type ReceivedEvent struct {
	Time      float64
	NodeID    int
	Role      RoleKind
	Packet    Packet
	Source    netip.AddrPort
	LocalPort uint16
	LastSeq   uint32
	LocalAddr netip.Addr
}

// EventSink observes every send and receive of every endpoint
type EventSink interface {
	OnSent(ev SentEvent)
	OnReceived(ev ReceivedEvent)
}

// MultiSink fans events out to several sinks, in order
type MultiSink []EventSink

func (ms MultiSink) OnSent(ev SentEvent) {
	for _, sink := range ms {
		sink.OnSent(ev)
	}
}

func (ms MultiSink) OnReceived(ev ReceivedEvent) {
	for _, sink := range ms {
		sink.OnReceived(ev)
	}
}

type nullSink struct{}

func (nullSink) OnSent(SentEvent)         {}
func (nullSink) OnReceived(ReceivedEvent) {}

// AppEnv is what an endpoint needs from the simulation around it
type AppEnv struct {
	Sched Scheduler
	Net   Transport
	Sink  EventSink
}

func (env AppEnv) validate() error {
	if env.Sched == nil {
		return errors.Wrap(ErrInvalidConfig, "environment has no scheduler")
	}
	if env.Net == nil {
		return errors.Wrap(ErrInvalidConfig, "environment has no transport")
	}
	return nil
}

func (env AppEnv) sink() EventSink {
	if env.Sink == nil {
		return nullSink{}
	}
	return env.Sink
}

// Lifetime bounds when an installed App runs.  A zero Stop means the app
// runs until the end of the simulation.
type Lifetime struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
}

// App is one installed endpoint.  Exactly one of Sensor, Aggregator and
// Compute is set, as named by Kind.
type App struct {
	Kind       RoleKind
	Node       int
	Life       Lifetime
	Sensor     *Sensor
	Aggregator *Aggregator
	Compute    *Compute

	running bool
}

// SensorApp wraps a sensor endpoint as an App
func SensorApp(s *Sensor, life Lifetime) *App {
	return &App{Kind: SensorRole, Node: s.node, Life: life, Sensor: s}
}

// AggregatorApp wraps an aggregation endpoint as an App
func AggregatorApp(agg *Aggregator, life Lifetime) *App {
	return &App{Kind: AggregatorRole, Node: agg.node, Life: life, Aggregator: agg}
}

// ComputeApp wraps a compute endpoint as an App
func ComputeApp(cmp *Compute, life Lifetime) *App {
	return &App{Kind: ComputeRole, Node: cmp.node, Life: life, Compute: cmp}
}

// Start activates the wrapped endpoint
func (app *App) Start(ctx context.Context) error {
	var err error
	switch app.Kind {
	case SensorRole:
		err = app.Sensor.Start(ctx)
	case AggregatorRole:
		err = app.Aggregator.Start(ctx)
	case ComputeRole:
		err = app.Compute.Start(ctx)
	default:
		err = errors.Errorf("app on node %d has unknown kind %d", app.Node, app.Kind)
	}
	if err == nil {
		app.running = true
	}
	return err
}

// Stop deactivates the wrapped endpoint
func (app *App) Stop() {
	if !app.running {
		return
	}
	switch app.Kind {
	case SensorRole:
		app.Sensor.Stop()
	case AggregatorRole:
		app.Aggregator.Stop()
	case ComputeRole:
		app.Compute.Stop()
	}
	app.running = false
}

// Running reports whether the App has been started and not stopped
func (app *App) Running() bool {
	return app.running
}

// Schedule arranges for the App to start and stop at the times its Lifetime names.
// A start failure is handed to onErr.
func (app *App) Schedule(ctx context.Context, sched Scheduler, onErr func(error)) {
	sched.Schedule(app.Life.Start-sched.Now(), func() {
		if ctx.Err() != nil {
			return
		}
		if err := app.Start(ctx); err != nil && onErr != nil {
			onErr(errors.Wrapf(err, "starting %s on node %d", app.Kind, app.Node))
		}
	})
	if app.Life.Stop > app.Life.Start {
		sched.Schedule(app.Life.Stop-sched.Now(), app.Stop)
	}
}
