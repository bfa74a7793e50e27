package ipc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
)

func TestAsyncCallAndAnswer(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	call := newRequest(k, FirstUser, 42)
	send(t, k, p, call)

	assert.Equal(t, int64(1), p.ActiveCalls())
	assert.Equal(t, 1, a.ActiveCalls())
	assert.Equal(t, int64(1), a.Answerbox().ActiveCalls())

	req := recv(t, k, b)
	require.Same(t, call, req)
	assert.Zero(t, req.Flags()&FlagAnswered)
	assert.Equal(t, a.ID(), req.Data.TaskID)
	assert.Equal(t, p.Kobject().ID(), req.Data.PhoneHash)
	assert.Equal(t, uint64(42), req.Data.Args.Arg(1))

	reply(t, k, b, req, errno.EOK, 43)

	ans := recv(t, k, a)
	require.Same(t, call, ans)
	assert.NotZero(t, ans.Flags()&FlagAnswered)
	assert.Equal(t, errno.EOK, ans.Data.Args.Retval())
	assert.Equal(t, uint64(43), ans.Data.Args.Arg(1))
	assert.Equal(t, b.ID(), ans.Data.TaskID)

	assert.Zero(t, p.ActiveCalls())
	assert.Zero(t, a.ActiveCalls())
	assert.Zero(t, a.Answerbox().ActiveCalls())

	require.NoError(t, k.ProcessAnswer(a, ans))
	ans.Kobject().Put()
	// capability table and callee link
	assert.Equal(t, int64(2), p.Kobject().Refs())

	assert.Equal(t, uint64(1), a.Info().CallSent)
	assert.Equal(t, uint64(1), a.Info().AnswerReceived)
	assert.Equal(t, uint64(1), b.Info().CallReceived)
	assert.Equal(t, uint64(1), b.Info().AnswerSent)
}

func TestWaitForCallTimesOut(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "idle")

	_, err := k.WaitForCall(context.Background(), a.Answerbox(), 10*time.Millisecond, synch.FlagsNone)
	assert.ErrorIs(t, err, errno.ETIMEOUT)

	_, err = k.WaitForCall(context.Background(), a.Answerbox(), 0, synch.NonBlocking)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestPokeInterruptsReceiver(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "idle")

	var g errgroup.Group
	g.Go(func() error {
		_, err := k.WaitForCall(context.Background(), a.Answerbox(), 0, synch.Interruptible)
		return err
	})

	require.Eventually(t, func() bool { return a.Answerbox().wq.Sleepers() == 1 }, time.Second, time.Millisecond)
	a.Answerbox().Poke()
	assert.ErrorIs(t, g.Wait(), errno.EINTR)
}

func TestNotificationsComeFirst(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	send(t, k, p, newRequest(k, FirstUser))
	h, err := k.IRQSubscribe(b.Answerbox(), 3, FirstUser+7, nil)
	require.NoError(t, err)
	irq, err := b.Caps().Get(h, kobject.TypeIrq)
	require.NoError(t, err)
	irq.Object().(*Irq).SendMsg(1, 2, 3, 4, 5)
	irq.Put()

	first := recv(t, k, b)
	assert.NotZero(t, first.Flags()&FlagNotif)
	assert.Equal(t, FirstUser+7, first.Method())
	first.Kobject().Put()

	second := recv(t, k, b)
	assert.Zero(t, second.Flags()&FlagNotif)
	reply(t, k, b, second, errno.EOK)
}

func TestCallOverHungupPhone(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	require.NoError(t, p.Hangup())
	assert.Equal(t, PhoneHungup, p.State())
	assert.ErrorIs(t, p.Hangup(), errno.EINVAL)

	call := newRequest(k, FirstUser)
	require.NoError(t, k.RequestPreprocess(call, p))
	assert.ErrorIs(t, k.Call(p, call), errno.ENOENT)

	ans := recv(t, k, a)
	require.Same(t, call, ans)
	assert.Equal(t, errno.EHANGUP, ans.Data.Args.Retval())
	ans.Kobject().Put()

	hangup := recv(t, k, b)
	assert.Equal(t, MPhoneHungup, hangup.RequestMethod())
	assert.NotZero(t, hangup.Flags()&FlagDiscardAnswer)
	reply(t, k, b, hangup, errno.EOK)

	discarded := recv(t, k, a)
	assert.NotZero(t, discarded.Flags()&FlagDiscardAnswer)
	discarded.Kobject().Put()

	assert.Zero(t, p.ActiveCalls())
}

func TestCallOverSlammedPhone(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	k.DestroyTask(b)
	assert.Equal(t, PhoneSlammed, p.State())

	call := newRequest(k, FirstUser)
	require.NoError(t, k.RequestPreprocess(call, p))
	assert.ErrorIs(t, k.Call(p, call), errno.ENOENT)

	ans := recv(t, k, a)
	assert.Equal(t, errno.ENOENT, ans.Data.Args.Retval())
	ans.Kobject().Put()

	// hanging up a slammed phone only changes its state
	require.NoError(t, p.Hangup())
	assert.Equal(t, PhoneHungup, p.State())
}

func TestHangupAnswerSlamsPhone(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	send(t, k, p, newRequest(k, FirstUser))
	reply(t, k, b, recv(t, k, b), errno.EHANGUP)

	assert.Equal(t, PhoneSlammed, p.State())
	ans := recv(t, k, a)
	require.NoError(t, k.ProcessAnswer(a, ans))
	assert.Equal(t, errno.EHANGUP, ans.Data.Args.Retval())
	ans.Kobject().Put()
}

func TestForwardMasksHangup(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "router")
	c := newTestTask(t, k, "server")
	p := connect(t, k, a, b)
	q := connect(t, k, b, c)

	send(t, k, p, newRequest(k, FirstUser, 1))
	req := recv(t, k, b)
	require.NoError(t, k.Forward(req, q, b.Answerbox(), 0))

	fwd := recv(t, k, c)
	require.Same(t, req, fwd)
	assert.NotZero(t, fwd.Flags()&FlagForwarded)
	// the original sender stays visible
	assert.Equal(t, a.ID(), fwd.Data.TaskID)
	assert.Zero(t, q.ActiveCalls())
	assert.Equal(t, int64(1), p.ActiveCalls())

	reply(t, k, c, fwd, errno.EHANGUP)

	ans := recv(t, k, a)
	require.NoError(t, k.ProcessAnswer(a, ans))
	assert.Equal(t, errno.EFORWARD, ans.Data.Args.Retval())
	assert.Equal(t, PhoneSlammed, p.State())
	assert.Equal(t, PhoneConnected, q.State())
	ans.Kobject().Put()
}

func TestForwardRouteFromMe(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "router")
	c := newTestTask(t, k, "server")
	p := connect(t, k, a, b)
	q := connect(t, k, b, c)

	send(t, k, p, newRequest(k, FirstUser))
	req := recv(t, k, b)
	require.NoError(t, k.Forward(req, q, b.Answerbox(), FFRouteFromMe))

	fwd := recv(t, k, c)
	assert.Equal(t, b.ID(), fwd.Data.TaskID)
	assert.Equal(t, q.Kobject().ID(), fwd.Data.PhoneHash)
	assert.Equal(t, uint64(1), b.Info().Forwarded)

	reply(t, k, c, fwd, errno.EOK)
	ans := recv(t, k, a)
	assert.Equal(t, errno.EOK, ans.Data.Args.Retval())
	ans.Kobject().Put()
}

func TestForwardOverDeadPhoneLeavesCallWithForwarder(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "router")
	c := newTestTask(t, k, "server")
	p := connect(t, k, a, b)
	q := connect(t, k, b, c)
	k.DestroyTask(c)

	send(t, k, p, newRequest(k, FirstUser))
	req := recv(t, k, b)
	assert.ErrorIs(t, k.Forward(req, q, b.Answerbox(), 0), errno.ENOENT)

	snap, err := k.Snapshot(b.ID())
	require.NoError(t, err)
	assert.Empty(t, snap.Dispatched)

	reply(t, k, b, req, errno.EFORWARD)
	ans := recv(t, k, a)
	assert.Equal(t, errno.EFORWARD, ans.Data.Args.Retval())
	ans.Kobject().Put()
}

func TestCallSyncAnswered(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	var g errgroup.Group
	g.Go(func() error {
		call, err := k.WaitForCall(context.Background(), b.Answerbox(), time.Second, synch.FlagsNone)
		if err != nil {
			return err
		}
		call.Data.Args.SetRetval(errno.EOK)
		call.Data.Args.SetArg(1, call.Data.Args.Arg(1)*2)
		if err := k.AnswerPreprocess(b, call, nil); err != nil {
			return err
		}
		k.Answer(b.Answerbox(), call)
		return nil
	})

	call := newRequest(k, FirstUser, 21)
	require.NoError(t, k.RequestPreprocess(call, p))
	require.NoError(t, k.CallSync(context.Background(), p, call))
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(42), call.Data.Args.Arg(1))
	assert.Zero(t, p.ActiveCalls())
	assert.Zero(t, a.ActiveCalls())
	assert.Equal(t, int64(1), call.Kobject().Refs())
	call.Kobject().Put()
}

func TestCallSyncInterruptedForgetsCall(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	call := newRequest(k, FirstUser)
	require.NoError(t, k.RequestPreprocess(call, p))

	var g errgroup.Group
	g.Go(func() error { return k.CallSync(ctx, p, call) })

	req := recv(t, k, b)
	cancel()
	assert.ErrorIs(t, g.Wait(), errno.EINTR)

	assert.True(t, req.Forgotten())
	assert.Nil(t, req.Sender())
	assert.Zero(t, p.ActiveCalls())
	assert.Zero(t, a.ActiveCalls())
	assert.Equal(t, int64(1), k.Metrics().Snapshot().ForgottenCalls)

	// the answerer disposes of the forgotten call
	reply(t, k, b, req, errno.EOK)
	assert.Zero(t, req.Kobject().Refs())
	assert.Equal(t, int64(2), p.Kobject().Refs())
}

func TestCallSyncRacingAnswers(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	srvCtx, stop := context.WithCancel(context.Background())
	answer := func(call *Call) {
		call.Data.Args.SetRetval(errno.EOK)
		_ = k.AnswerPreprocess(b, call, nil)
		k.Answer(b.Answerbox(), call)
	}

	var srv errgroup.Group
	srv.Go(func() error {
		for {
			call, err := k.WaitForCall(srvCtx, b.Answerbox(), 0, synch.Interruptible)
			if err != nil {
				return nil
			}
			answer(call)
		}
	})

	const n = 200
	var (
		mu    sync.Mutex
		calls []*Call
	)
	var clients errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		clients.Go(func() error {
			for i := 0; i < n/4; i++ {
				call := newRequest(k, FirstUser)
				if err := k.RequestPreprocess(call, p); err != nil {
					return err
				}
				mu.Lock()
				calls = append(calls, call)
				mu.Unlock()

				ctx, cancel := context.WithTimeout(context.Background(), time.Duration((i+w)%3)*50*time.Microsecond)
				err := k.CallSync(ctx, p, call)
				cancel()
				switch {
				case err == nil:
					call.Kobject().Put()
				case errors.Is(err, errno.EINTR):
					// owned by the answerer now
				default:
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, clients.Wait())
	stop()
	require.NoError(t, srv.Wait())

	// answer whatever was forgotten after the server stopped
	for {
		call, err := k.WaitForCall(context.Background(), b.Answerbox(), 0, synch.NonBlocking)
		if err != nil {
			break
		}
		answer(call)
	}

	assert.Len(t, calls, n)
	for _, call := range calls {
		assert.Zero(t, call.Kobject().Refs())
	}
	assert.Zero(t, p.ActiveCalls())
	assert.Zero(t, a.ActiveCalls())
	assert.Equal(t, int64(2), p.Kobject().Refs())
}

func TestAnswerTwicePanics(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)

	send(t, k, p, newRequest(k, FirstUser))
	req := recv(t, k, b)
	reply(t, k, b, req, errno.EOK)

	assert.Panics(t, func() { k.AnswerFreeCall(b, req) })
	recv(t, k, a).Kobject().Put()
}
