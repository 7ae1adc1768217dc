package tiernet

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvtSchedulerOrder(t *testing.T) {
	es := CreateEvtScheduler()
	var order []int
	var times []float64

	es.Schedule(2.0, func() { order = append(order, 2); times = append(times, es.Now()) })
	es.Schedule(0.5, func() { order = append(order, 1); times = append(times, es.Now()) })
	es.Schedule(3.0, func() {
		order = append(order, 3)
		times = append(times, es.Now())
		es.Schedule(1.0, func() { order = append(order, 4); times = append(times, es.Now()) })
	})

	require.NoError(t, es.Run(10.0))
	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.InDeltaSlice(t, []float64{0.5, 2.0, 3.0, 4.0}, times, 1e-6)
}

func TestEvtSchedulerCancel(t *testing.T) {
	es := CreateEvtScheduler()
	ran := false

	h := es.Schedule(1.0, func() { ran = true })
	assert.True(t, es.IsPending(h))

	es.Cancel(h)
	assert.False(t, es.IsPending(h))
	assert.True(t, h.Cancelled())

	require.NoError(t, es.Run(5.0))
	assert.False(t, ran)

	// cancelling twice, or a nil handle, is harmless
	es.Cancel(h)
	es.Cancel(nil)
	assert.False(t, es.IsPending(nil))
}

func TestEvtSchedulerPendingClearsOnFire(t *testing.T) {
	es := CreateEvtScheduler()
	var h *EventHandle
	pendingInside := true
	h = es.Schedule(1.0, func() { pendingInside = es.IsPending(h) })

	require.NoError(t, es.Run(5.0))
	assert.False(t, pendingInside)
	assert.False(t, es.IsPending(h))
	assert.False(t, h.Cancelled())
}

func TestEvtSchedulerHalt(t *testing.T) {
	es := CreateEvtScheduler()
	count := 0
	haltErr := errors.New("unmapped")

	es.Schedule(1.0, func() { count++ })
	es.Schedule(2.0, func() { es.Halt(haltErr) })
	es.Schedule(3.0, func() { count++ })

	err := es.Run(10.0)
	assert.ErrorIs(t, err, haltErr)
	assert.Equal(t, 1, count)
	assert.True(t, es.Halted())

	scheduled, fired := es.Counts()
	assert.Equal(t, 3, scheduled)
	assert.Equal(t, 2, fired)
}
