package tiernet

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCompute(t *testing.T, env AppEnv, cfg ComputeConfig) *Compute {
	t.Helper()
	cmp, err := CreateCompute(cmpNode, cfg, env)
	require.NoError(t, err)
	require.NoError(t, cmp.Start(context.Background()))
	return cmp
}

func TestSensorPlainSequence(t *testing.T) {
	es, _, rec, env := tierEnv(t)
	startCompute(t, env, DefaultComputeConfig(5000, 0))

	s, err := CreateSensor(sensorNode, SensorConfig{
		Remote:     netip.AddrPortFrom(cmpAddr, 5000),
		PacketSize: 60,
		Interval:   1.0,
		Offset:     0.5,
	}, env)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, es.Run(5.0))

	sent := rec.sentBy(SensorRole)
	require.Len(t, sent, 5)
	for i, ev := range sent {
		assert.Equal(t, FirstSeq+uint32(i), ev.Packet.Header)
		assert.Equal(t, 60, ev.Packet.Payload)
		assert.InDelta(t, 0.5+float64(i), ev.Time, 1e-6)
		assert.Equal(t, netip.AddrPortFrom(cmpAddr, 5000), ev.Dest)
		assert.Equal(t, sensorNode, ev.NodeID)
	}
	assert.Equal(t, FirstSeq+5, s.NextSeq())
	assert.Equal(t, 5, s.Sent())

	// every data packet is acknowledged with a one byte reply
	acks := rec.recvBy(SensorRole)
	require.Len(t, acks, 5)
	for _, ev := range acks {
		assert.Equal(t, DefaultAckSize, ev.Packet.Payload)
		assert.Equal(t, HdrPlain, ev.Packet.Header)
		assert.Equal(t, netip.AddrPortFrom(cmpAddr, 5000), ev.Source)
	}
}

func TestSensorControlCodes(t *testing.T) {
	for _, code := range []uint32{HdrSoftSub, HdrHardSub, HdrUnsubscribe} {
		es, _, rec, env := tierEnv(t)
		startCompute(t, env, DefaultComputeConfig(8000, 0))

		s, err := CreateSensor(sensorNode, SensorConfig{
			Remote:       netip.AddrPortFrom(cmpAddr, 8000),
			Interval:     2.0,
			Subscription: code,
		}, env)
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, es.Run(9.0))

		sent := rec.sentBy(SensorRole)
		require.Len(t, sent, 5, "code %d", code)
		for _, ev := range sent {
			assert.Equal(t, code, ev.Packet.Header)
			assert.Equal(t, 0, ev.Packet.Payload)
		}
		assert.Equal(t, FirstSeq, s.NextSeq())
	}
}

func TestSensorPendingGuard(t *testing.T) {
	es, _, rec, env := tierEnv(t)

	s, err := CreateSensor(sensorNode, SensorConfig{
		Remote:   netip.AddrPortFrom(cmpAddr, 5000),
		Interval: 1.0,
	}, env)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// re-entrant requests while a send is pending must not add sends
	es.Schedule(0.5, func() {
		s.scheduleNext()
		s.scheduleNext()
	})
	require.NoError(t, es.Run(3.5))

	sent := rec.sentBy(SensorRole)
	require.Len(t, sent, 4)
	for i, ev := range sent {
		assert.InDelta(t, float64(i), ev.Time, 1e-6)
	}
}

func TestSensorStop(t *testing.T) {
	es, _, rec, env := tierEnv(t)

	s, err := CreateSensor(sensorNode, SensorConfig{
		Remote:   netip.AddrPortFrom(cmpAddr, 5000),
		Interval: 1.0,
		Offset:   0.5,
	}, env)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	es.Schedule(2.0, s.Stop)
	require.NoError(t, es.Run(10.0))

	assert.Len(t, rec.sentBy(SensorRole), 2)
}

func TestSensorConfigValidate(t *testing.T) {
	good := SensorConfig{Remote: netip.AddrPortFrom(cmpAddr, 5000), PacketSize: 10, Interval: 1}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*SensorConfig)
	}{
		{"no remote", func(c *SensorConfig) { c.Remote = netip.AddrPort{} }},
		{"negative size", func(c *SensorConfig) { c.PacketSize = -1 }},
		{"zero interval", func(c *SensorConfig) { c.Interval = 0 }},
		{"negative offset", func(c *SensorConfig) { c.Offset = -1 }},
		{"bad mode", func(c *SensorConfig) { c.Subscription = 7 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
