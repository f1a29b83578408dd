package connectivity

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManualNotifiesOnChangeOnly(t *testing.T) {
	m := NewManual(false)

	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	unsubscribe()
	m.SetOnline(true)

	assert.Equal(t, []bool{true, false}, seen)
	assert.True(t, m.IsOnline())
}

func TestManualSubscribeOrder(t *testing.T) {
	m := NewManual(true)

	var order []string
	m.Subscribe(func(bool) { order = append(order, "first") })
	m.Subscribe(func(bool) { order = append(order, "second") })
	m.SetOnline(false)

	assert.Equal(t, []string{"first", "second"}, order)
}

type flakyPinger struct {
	fail atomic.Bool
}

func (p *flakyPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestProbeCheck(t *testing.T) {
	pinger := &flakyPinger{}
	probe := NewProbe(pinger, &ProbeConfig{Logger: log.New(io.Discard, "", 0)})
	assert.False(t, probe.IsOnline(), "probe starts offline")

	var seen []bool
	probe.Subscribe(func(online bool) { seen = append(seen, online) })

	assert.True(t, probe.Check(context.Background()))
	pinger.fail.Store(true)
	assert.False(t, probe.Check(context.Background()))
	assert.False(t, probe.Check(context.Background()))

	assert.Equal(t, []bool{true, false}, seen)
}

func TestProbeRunPolls(t *testing.T) {
	pinger := &flakyPinger{}
	pinger.fail.Store(true)
	probe := NewProbe(pinger, &ProbeConfig{
		Interval: 5 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx) }()

	pinger.fail.Store(false)
	require.Eventually(t, probe.IsOnline, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
