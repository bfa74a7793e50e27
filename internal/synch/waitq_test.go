package synch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

func waitForSleepers(t *testing.T, wq *WaitQueue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return wq.Sleepers() == n }, time.Second, time.Millisecond)
}

func TestMissedWakeupIsRemembered(t *testing.T) {
	var wq WaitQueue
	wq.Wakeup(WakeupFirst)

	assert.NoError(t, wq.Sleep(context.Background(), 0, NonBlocking))
	assert.ErrorIs(t, wq.Sleep(context.Background(), 0, NonBlocking), errno.EAGAIN)
}

func TestWakeupReleasesSleeper(t *testing.T) {
	var wq WaitQueue
	done := make(chan error, 1)
	go func() { done <- wq.Sleep(context.Background(), 0, FlagsNone) }()

	waitForSleepers(t, &wq, 1)
	wq.Wakeup(WakeupFirst)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper was not woken")
	}
}

func TestTimeout(t *testing.T) {
	var wq WaitQueue
	start := time.Now()

	err := wq.Sleep(context.Background(), 10*time.Millisecond, FlagsNone)

	assert.ErrorIs(t, err, errno.ETIMEOUT)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0, wq.Sleepers())
}

func TestInterruptibleCancel(t *testing.T) {
	var wq WaitQueue
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wq.Sleep(ctx, 0, Interruptible) }()

	waitForSleepers(t, &wq, 1)
	cancel()

	assert.ErrorIs(t, <-done, errno.EINTR)
}

func TestUninterruptibleIgnoresCancel(t *testing.T) {
	var wq WaitQueue
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := wq.Sleep(ctx, 5*time.Millisecond, FlagsNone)
	assert.ErrorIs(t, err, errno.ETIMEOUT)
}

func TestInterrupt(t *testing.T) {
	var wq WaitQueue

	// nobody asleep: nothing is remembered
	wq.Interrupt()
	assert.ErrorIs(t, wq.Sleep(context.Background(), 0, NonBlocking), errno.EAGAIN)

	done := make(chan error, 1)
	go func() { done <- wq.Sleep(context.Background(), 0, FlagsNone) }()
	waitForSleepers(t, &wq, 1)
	wq.Interrupt()

	assert.ErrorIs(t, <-done, errno.EINTR)
}

func TestWakeupAll(t *testing.T) {
	var wq WaitQueue
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- wq.Sleep(context.Background(), 0, FlagsNone) }()
	}
	waitForSleepers(t, &wq, 3)

	wq.Wakeup(WakeupAll)
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-done)
	}
	assert.ErrorIs(t, wq.Sleep(context.Background(), 0, NonBlocking), errno.EAGAIN)
}

func TestFIFOOrder(t *testing.T) {
	var wq WaitQueue
	first := make(chan error, 1)
	second := make(chan error, 1)

	go func() { first <- wq.Sleep(context.Background(), 0, FlagsNone) }()
	waitForSleepers(t, &wq, 1)
	go func() { second <- wq.Sleep(context.Background(), 0, FlagsNone) }()
	waitForSleepers(t, &wq, 2)

	wq.Wakeup(WakeupFirst)
	assert.NoError(t, <-first)
	assert.Equal(t, 1, wq.Sleepers())

	wq.Wakeup(WakeupFirst)
	assert.NoError(t, <-second)
}
