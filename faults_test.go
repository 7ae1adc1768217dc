package tiernet

import (
	"context"
	"math"
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionCounter struct {
	downs, ups int
}

func (tc *transitionCounter) OnTransition(node, intrfc int, up bool) {
	if up {
		tc.ups += 1
	} else {
		tc.downs += 1
	}
}

func candidates(n int) []FailureCandidate {
	cands := make([]FailureCandidate, n)
	for i := range cands {
		cands[i] = FailureCandidate{Node: i, Intrfc: 1, Edge: i}
	}
	return cands
}

func TestParseFaultPolicy(t *testing.T) {
	for name, want := range map[string]FaultPolicy{
		"alternate": AlternatePolicy, "ALL": AllPolicy, "none": NonePolicy, "random": RandomPolicy, "": AlternatePolicy,
	} {
		got, err := ParseFaultPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFaultPolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFaultSelection(t *testing.T) {
	es := CreateEvtScheduler()
	n := CreateNetwork(es)

	pick := func(cfg FaultConfig) []FailureCandidate {
		fi, err := CreateFaultInjector(es, n, cfg)
		require.NoError(t, err)
		return fi.Selected(candidates(5))
	}

	cfg := DefaultFaultConfig(100)
	chosen := pick(cfg)
	require.Len(t, chosen, 3)
	assert.Equal(t, []int{0, 2, 4}, []int{chosen[0].Node, chosen[1].Node, chosen[2].Node})

	cfg.Policy = AllPolicy
	assert.Len(t, pick(cfg), 5)
	cfg.Policy = NonePolicy
	assert.Empty(t, pick(cfg))
	cfg.Policy = RandomPolicy
	cfg.Probability = 0
	assert.Empty(t, pick(cfg))
	cfg.Probability = 1
	assert.Len(t, pick(cfg), 5)
}

func TestFaultPlan(t *testing.T) {
	es := CreateEvtScheduler()
	cfg := DefaultFaultConfig(10)
	cfg.PairsPerEdge = 50
	fi, err := CreateFaultInjector(es, CreateNetwork(es), cfg)
	require.NoError(t, err)

	plan := fi.Plan(candidates(3))
	require.Len(t, plan, 100)
	for _, lf := range plan {
		assert.Contains(t, []int{0, 2}, lf.Node)
		assert.Equal(t, math.Trunc(lf.Down), lf.Down)
		assert.GreaterOrEqual(t, lf.Down, 1.0)
		assert.LessOrEqual(t, lf.Down, 9.0)
		assert.InDelta(t, lf.Down+0.1, lf.Up, 1e-12)
	}

	// the same seed draws the same times
	again, err := CreateFaultInjector(es, CreateNetwork(es), cfg)
	require.NoError(t, err)
	assert.Equal(t, plan, again.Plan(candidates(3)))
}

func TestFaultConfigValidate(t *testing.T) {
	require.NoError(t, DefaultFaultConfig(3600).Validate())
	require.NoError(t, FaultConfig{Policy: NonePolicy, Gap: 0.1, Horizon: 1}.Validate())

	bad := []FaultConfig{
		{Policy: "odd", Gap: 0.1, Horizon: 10},
		{Policy: RandomPolicy, Probability: 1.5, Gap: 0.1, Horizon: 10},
		{Policy: AllPolicy, PairsPerEdge: -1, Gap: 0.1, Horizon: 10},
		{Policy: AllPolicy, PairsPerEdge: 1, Gap: 0, Horizon: 10},
		{Policy: AllPolicy, PairsPerEdge: 1, Gap: 0.1, Horizon: 1.5},
	}
	for _, cfg := range bad {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	}
}

// the compute side of the aggregation-compute link is down in [10.0, 10.1]
func TestFaultWindowDropsTraffic(t *testing.T) {
	es, n, rec, env := tierEnv(t)
	startCompute(t, env, DefaultComputeConfig(5000, 0))

	s, err := CreateSensor(sensorNode, SensorConfig{
		Remote:     netip.AddrPortFrom(cmpAddr, 5000),
		PacketSize: 60,
		Interval:   0.02,
	}, env)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	fi, err := CreateFaultInjector(es, n, FaultConfig{Policy: NonePolicy, Gap: 0.1, Horizon: 12})
	require.NoError(t, err)
	obs := new(transitionCounter)
	fi.SetObserver(obs)
	require.NoError(t, fi.Schedule(LinkFailure{Node: cmpNode, Intrfc: 1, Down: 10.0, Up: 10.1, Label: "c"}))
	require.NoError(t, es.Run(12.0))

	received := map[uint32]float64{}
	for _, ev := range rec.recvBy(ComputeRole) {
		assert.False(t, ev.Time > 10.0 && ev.Time < 10.1, "received at %g while down", ev.Time)
		received[ev.Packet.Header] = ev.Time
	}

	lost := 0
	for _, ev := range rec.sentBy(SensorRole) {
		_, ok := received[ev.Packet.Header]
		if ev.Time < 9.99 || ev.Time > 10.11 {
			assert.True(t, ok, "send at %g not received", ev.Time)
		}
		if !ok {
			lost += 1
		}
	}
	assert.GreaterOrEqual(t, lost, 1)
	assert.Greater(t, n.Dropped[DropIntrfcDown], 0)

	downs, ups := fi.Transitions()
	assert.Equal(t, 1, downs)
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, obs.downs)
	assert.Equal(t, 1, obs.ups)
	assert.Len(t, fi.Failures(), 1)
}

func TestFaultScheduleRejectsBadFailures(t *testing.T) {
	es, n, _, _ := tierEnv(t)
	fi, err := CreateFaultInjector(es, n, FaultConfig{Policy: NonePolicy, Gap: 0.1, Horizon: 5})
	require.NoError(t, err)

	bad := []LinkFailure{
		{Node: cmpNode, Intrfc: 1, Down: 2.0, Up: 1.0, Label: "inverted"},
		{Node: cmpNode, Intrfc: 1, Down: 1.0, Up: 1.0, Label: "empty"},
		{Node: cmpNode, Intrfc: 1, Down: -1.0, Up: 1.0, Label: "negative"},
	}
	for _, lf := range bad {
		assert.ErrorIs(t, fi.Schedule(lf), ErrInvalidConfig, lf.Label)
	}
	assert.ErrorIs(t, fi.Schedule(LinkFailure{Node: cmpNode, Intrfc: 7, Down: 1, Up: 2, Label: "bogus"}),
		ErrUnknownIntrfc)
	assert.ErrorIs(t, fi.Schedule(LinkFailure{Node: 42, Intrfc: 1, Down: 1, Up: 2, Label: "nowhere"}),
		ErrUnknownNode)
	assert.Empty(t, fi.Failures())

	// nothing was queued, so the interface is up throughout
	es.Schedule(3, func() {})
	require.NoError(t, es.Run(5))
	up, err := n.IntrfcUp(cmpNode, 1)
	require.NoError(t, err)
	assert.True(t, up)
	downs, ups := fi.Transitions()
	assert.Zero(t, downs+ups)

	// a window that has already opened is refused once the clock is past it
	assert.ErrorIs(t, fi.Schedule(LinkFailure{Node: cmpNode, Intrfc: 1, Down: 1, Up: 6, Label: "late"}),
		ErrInvalidConfig)
}

// an interface that disappears after scheduling is reported when the transition fires
func TestFaultBadInterfaceReported(t *testing.T) {
	es, n, _, _ := tierEnv(t)
	fi, err := CreateFaultInjector(es, &missingIntrfc{Network: n}, FaultConfig{Policy: NonePolicy, Gap: 0.1, Horizon: 5})
	require.NoError(t, err)

	var reported error
	fi.OnError(func(err error) { reported = err })
	require.NoError(t, fi.Schedule(LinkFailure{Node: cmpNode, Intrfc: 1, Down: 1, Up: 2, Label: "gone"}))
	require.NoError(t, es.Run(5))

	assert.ErrorIs(t, reported, ErrUnknownIntrfc)
	downs, ups := fi.Transitions()
	assert.Zero(t, downs+ups)
}

// missingIntrfc passes the existence check but fails every state change
type missingIntrfc struct {
	*Network
}

func (m *missingIntrfc) SetInterfaceUp(node, intrfc int) error {
	return errors.Wrapf(ErrUnknownIntrfc, "node %d interface %d", node, intrfc)
}

func (m *missingIntrfc) SetInterfaceDown(node, intrfc int) error {
	return errors.Wrapf(ErrUnknownIntrfc, "node %d interface %d", node, intrfc)
}
