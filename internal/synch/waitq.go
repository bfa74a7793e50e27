// Package synch provides the wait queue that IPC receivers block on.
package synch

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// Flags select the sleep mode.
type Flags uint

const (
	FlagsNone Flags = 0
	// Interruptible lets context cancellation end the sleep with EINTR.
	Interruptible Flags = 1 << iota
	// NonBlocking fails with EAGAIN instead of sleeping.
	NonBlocking
)

// WakeupMode selects how many sleepers Wakeup releases.
type WakeupMode int

const (
	WakeupFirst WakeupMode = iota
	WakeupAll
)

type waiter struct {
	ch   chan error
	elem *list.Element
}

// WaitQueue is a FIFO of sleeping goroutines. A wakeup that finds nobody
// asleep is remembered and consumed by the next sleeper.
type WaitQueue struct {
	mu       sync.Mutex
	sleepers list.List
	missed   int
}

// Sleep blocks until woken, the timeout expires (zero means no timeout) or,
// with Interruptible, ctx is done.
func (wq *WaitQueue) Sleep(ctx context.Context, timeout time.Duration, flags Flags) error {
	wq.mu.Lock()
	if wq.missed > 0 {
		wq.missed--
		wq.mu.Unlock()
		return nil
	}
	if flags&NonBlocking != 0 {
		wq.mu.Unlock()
		return errno.EAGAIN
	}
	w := &waiter{ch: make(chan error, 1)}
	w.elem = wq.sleepers.PushBack(w)
	wq.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	var done <-chan struct{}
	if flags&Interruptible != 0 {
		done = ctx.Done()
	}

	var reason error
	select {
	case err := <-w.ch:
		return err
	case <-expired:
		reason = errno.ETIMEOUT
	case <-done:
		reason = errno.EINTR
	}

	wq.mu.Lock()
	defer wq.mu.Unlock()
	if w.elem != nil {
		wq.sleepers.Remove(w.elem)
		w.elem = nil
		return reason
	}
	// a wakeup won the race; honour it
	return <-w.ch
}

// wake releases the first sleeper with err. Caller holds wq.mu.
func (wq *WaitQueue) wake(err error) bool {
	front := wq.sleepers.Front()
	if front == nil {
		return false
	}
	w := wq.sleepers.Remove(front).(*waiter)
	w.elem = nil
	w.ch <- err
	return true
}

// Wakeup releases sleepers.
func (wq *WaitQueue) Wakeup(mode WakeupMode) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	switch mode {
	case WakeupAll:
		for wq.wake(nil) {
		}
	default:
		if !wq.wake(nil) {
			wq.missed++
		}
	}
}

// Interrupt ends the first sleeper's sleep with EINTR. It is a no-op when
// nobody sleeps.
func (wq *WaitQueue) Interrupt() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.wake(errno.EINTR)
}

// Sleepers returns the number of goroutines currently asleep.
func (wq *WaitQueue) Sleepers() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.sleepers.Len()
}
