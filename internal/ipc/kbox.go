package ipc

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
)

// kbox is a task's kernel answerbox, served by a kernel goroutine rather
// than by the task. Debuggers talk to a task through it.
type kbox struct {
	box    *Answerbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ConnectKbox gives from a phone connected to the kbox of task target. The
// kbox and its service goroutine are started on first use.
func (k *Kernel) ConnectKbox(from *Task, target TaskID) (cap.Handle, error) {
	t, ok := k.Task(target)
	if !ok {
		return cap.Nil, errno.ENOENT
	}

	t.kbMu.Lock()
	defer t.kbMu.Unlock()

	if t.kbFinished {
		return cap.Nil, errno.EINVAL
	}
	if t.kb == nil {
		kb := &kbox{box: newAnswerbox(t), done: make(chan struct{})}
		kb.ctx, kb.cancel = context.WithCancel(context.Background())
		t.kb = kb
		go k.serveKbox(t, kb)
	}

	h, p, err := from.PhoneAlloc(true)
	if err != nil {
		return cap.Nil, err
	}
	if !p.Connect(t.kb.box) {
		from.PhoneDealloc(h)
		return cap.Nil, errno.EINVAL
	}

	from.log.Debug("Connected to kbox", zap.Uint64("target", uint64(target)))
	return h, nil
}

func (k *Kernel) serveKbox(t *Task, kb *kbox) {
	defer close(kb.done)

	for {
		call, err := k.WaitForCall(kb.ctx, kb.box, 0, synch.Interruptible)
		if err != nil {
			return
		}

		switch {
		case call.flags&(FlagAnswered|FlagNotif) != 0:
			call.kobj.Put()
		case call.requestMethod == MPhoneHungup:
			k.answerInKernel(kb.box, call, errno.EOK)
			if kboxIdle(t, kb) {
				t.log.Debug("Kbox finished")
				return
			}
		default:
			// no debugging protocol is served
			k.answerInKernel(kb.box, call, errno.ENOTSUP)
		}
	}
}

// kboxIdle marks the kbox finished once no phone is connected to it.
func kboxIdle(t *Task, kb *kbox) bool {
	t.kbMu.Lock()
	defer t.kbMu.Unlock()

	kb.box.mu.Lock()
	idle := kb.box.connected.Len() == 0
	kb.box.mu.Unlock()
	if idle {
		t.kbFinished = true
	}
	return idle
}

// kboxCleanup stops t's kbox service and answers whatever it left behind.
func (k *Kernel) kboxCleanup(t *Task) {
	t.kbMu.Lock()
	t.kbFinished = true
	kb := t.kb
	t.kbMu.Unlock()
	if kb == nil {
		return
	}

	slamPhones(kb.box)
	kb.cancel()
	<-kb.done

	k.cleanupCallList(kb.box, &kb.box.calls)
	k.cleanupCallList(kb.box, &kb.box.dispatched)
}
