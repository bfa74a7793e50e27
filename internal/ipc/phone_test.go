package ipc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

func TestPhoneStateMachine(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")

	h, p, err := a.PhoneAlloc(true)
	require.NoError(t, err)
	assert.Equal(t, PhoneConnecting, p.State())
	assert.ErrorIs(t, p.Hangup(), errno.EINVAL)

	require.True(t, p.Connect(b.Answerbox()))
	assert.Equal(t, PhoneConnected, p.State())
	assert.Same(t, b.Answerbox(), p.Callee())
	assert.False(t, p.Connect(b.Answerbox()), "connected phone reconnected")
	assert.Equal(t, int64(1), k.Metrics().Snapshot().PhonesConnected)

	require.NoError(t, p.Hangup())
	assert.Equal(t, PhoneHungup, p.State())
	assert.Zero(t, k.Metrics().Snapshot().PhonesConnected)

	a.PhoneDealloc(h)
	_, err = a.Phone(h)
	assert.ErrorIs(t, err, errno.ENOENT)
	// a stale handle is ignored
	a.PhoneDealloc(h)
}

func TestConnectToClosedAnswerbox(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	box := b.Answerbox()
	k.DestroyTask(b)

	h, p, err := a.PhoneAlloc(true)
	require.NoError(t, err)
	assert.False(t, p.Connect(box))
	assert.Equal(t, PhoneConnecting, p.State())
	a.PhoneDealloc(h)

	_, err = k.Connect(a, b, 0)
	assert.ErrorIs(t, err, errno.ENOENT)
	assert.Zero(t, a.Caps().Count())
}

func TestPhoneAllocRespectsCapLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxCaps = 2
	k := newTestKernel(t, limits)
	a := newTestTask(t, k, "client")

	_, _, err := a.PhoneAlloc(true)
	require.NoError(t, err)
	_, _, err = a.PhoneAlloc(true)
	require.NoError(t, err)
	_, _, err = a.PhoneAlloc(true)
	assert.ErrorIs(t, err, errno.ENOMEM)
}

func TestReserveCall(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	assert.True(t, p.ReserveCall(2))
	assert.True(t, p.ReserveCall(2))
	assert.False(t, p.ReserveCall(2))

	p.ReleaseCall()
	assert.Equal(t, int64(1), p.ActiveCalls())

	// a reserved call is not counted twice
	call := newRequest(k, FirstUser)
	call.MarkReserved()
	send(t, k, p, call)
	assert.Equal(t, int64(1), p.ActiveCalls())

	reply(t, k, b, recv(t, k, b), errno.EOK)
	recv(t, k, a).Kobject().Put()
	assert.Zero(t, p.ActiveCalls())
}

func TestReserveCallNeverOvershoots(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			if p.ReserveCall(4) {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(4), granted.Load())
	assert.Equal(t, int64(4), p.ActiveCalls())
	for i := 0; i < 4; i++ {
		p.ReleaseCall()
	}
}
