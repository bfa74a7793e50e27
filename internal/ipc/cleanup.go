package ipc

import (
	"container/list"
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
)

// cleanup releases every IPC resource of t. It returns once all answers due
// to t have arrived and been disposed of.
func (k *Kernel) cleanup(t *Task) {
	t.log.Debug("IPC cleanup started")

	// wake receivers and sync callers blocked on t's behalf
	t.kill()

	k.releasePhones(t)

	t.caps.Apply(kobject.TypeIrq, func(h cap.Handle) bool {
		_ = k.IRQUnsubscribe(t, h)
		return true
	})

	box := t.box
	slamPhones(box)
	k.kboxCleanup(t)

	// drop received calls user space still holds
	t.caps.Apply(kobject.TypeCall, func(h cap.Handle) bool {
		kobj, err := t.caps.Unpublish(h, kobject.TypeCall)
		if err != nil {
			return true
		}
		kobj.Put()
		t.caps.Free(h)
		return true
	})

	k.cleanupCallList(box, &box.calls)
	k.cleanupCallList(box, &box.dispatched)

	k.forgetAllActiveCalls(t)
	k.waitForAllAnsweredCalls(t)

	// a connection accepted while draining may have published a phone
	k.releasePhones(t)
	k.forgetAllActiveCalls(t)
	k.waitForAllAnsweredCalls(t)

	dropNotifs(box)

	t.log.Debug("IPC cleanup finished", zap.Int("caps_left", t.caps.Count()))
}

// releasePhones hangs up and frees every phone t holds.
func (k *Kernel) releasePhones(t *Task) {
	t.caps.Apply(kobject.TypePhone, func(h cap.Handle) bool {
		kobj, err := t.caps.Unpublish(h, kobject.TypePhone)
		if err != nil {
			return true
		}
		_ = kobj.Object().(*Phone).Hangup()
		kobj.Put()
		t.caps.Free(h)
		return true
	})
}

// slamPhones closes box and disconnects every phone connected to it. The
// phones stay with their owners, who see them slammed.
func slamPhones(box *Answerbox) {
	box.mu.Lock()
	box.active = false
	for box.connected.Len() > 0 {
		p := box.connected.Front().Value.(*Phone)
		if !p.mu.TryLock() {
			// phone before box is the usual order; back off and retry
			box.mu.Unlock()
			runtime.Gosched()
			box.mu.Lock()
			continue
		}
		p.unlink(PhoneSlammed)
		p.mu.Unlock()
	}
	box.mu.Unlock()
}

// cleanupCallList answers every request left on q with EHANGUP.
func (k *Kernel) cleanupCallList(box *Answerbox, q *list.List) {
	for {
		box.mu.Lock()
		call := box.pop(q)
		box.mu.Unlock()
		if call == nil {
			return
		}

		old := call.Data
		call.Data.Args.SetRetval(errno.EHANGUP)
		_ = k.AnswerPreprocess(box.task, call, &old)
		k.AnswerFreeCall(box.task, call)
	}
}

// forgetAllActiveCalls forgets every request t sent that is still
// unanswered. Their answerers free them.
func (k *Kernel) forgetAllActiveCalls(t *Task) {
	for {
		t.activeMu.Lock()
		front := t.activeCalls.Front()
		if front == nil {
			t.activeMu.Unlock()
			return
		}
		call := front.Value.(*Call)
		if !call.forgetMu.TryLock() {
			// forgetMu before activeMu is the usual order
			t.activeMu.Unlock()
			runtime.Gosched()
			continue
		}
		k.forgetCall(t, call)
	}
}

// waitForAllAnsweredCalls collects the answers already on their way to t.
func (k *Kernel) waitForAllAnsweredCalls(t *Task) {
	box := t.box
	for box.activeCalls.Load() > 0 {
		call, err := k.WaitForCall(context.Background(), box, 0, synch.FlagsNone)
		if err != nil {
			continue
		}
		switch {
		case call.flags&FlagAnswered != 0:
			_ = k.ProcessAnswer(t, call)
			call.kobj.Put()
		case call.flags&FlagNotif != 0:
			call.kobj.Put()
		default:
			k.answerInKernel(box, call, errno.EHANGUP)
		}
	}
}

func dropNotifs(box *Answerbox) {
	for {
		box.mu.Lock()
		call := box.pop(&box.irqNotifs)
		box.mu.Unlock()
		if call == nil {
			return
		}
		call.kobj.Put()
	}
}
