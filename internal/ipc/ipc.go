package ipc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
)

// ForwardMode selects forward behavior.
type ForwardMode uint

const (
	// FFRouteFromMe makes the forwarded request look like it was sent by
	// the forwarding task over the new phone.
	FFRouteFromMe ForwardMode = 1 << iota
)

// callActions binds call to phone and to the phone's owner as an active
// call. The call is not visible to anyone else yet.
func (k *Kernel) callActions(phone *Phone, call *Call) {
	caller := phone.caller

	phone.kobj.AddRef()
	call.callerPhone = phone

	if !call.reserved {
		phone.activeCalls.Add(1)
	}
	call.reserved = false

	box := call.callerbox
	if box == nil {
		box = caller.box
	}
	box.activeCalls.Add(1)

	call.sender = caller
	call.active = true
	caller.activeMu.Lock()
	call.taElem = caller.activeCalls.PushBack(call)
	caller.activeMu.Unlock()

	call.Data.PhoneHash = phone.kobj.ID()
	call.Data.TaskID = caller.id
}

// enqueue queues call as a request in box. Caller holds phone.mu.
func (k *Kernel) enqueue(phone *Phone, box *Answerbox, call *Call) {
	phone.caller.info.callSent.Add(1)
	if call.flags&FlagForwarded == 0 {
		k.callActions(phone, call)
	}
	box.enqueueRequest(call)
}

// Call sends call over phone. If phone is not connected, a fresh request is
// answered right away with EHANGUP (hung up phone) or ENOENT; a forwarded
// one is left for the forwarder to answer. Either way the result is ENOENT.
func (k *Kernel) Call(phone *Phone, call *Call) error {
	phone.mu.Lock()
	if phone.state != PhoneConnected {
		state := phone.state
		phone.mu.Unlock()
		if call.flags&FlagForwarded == 0 {
			if state == PhoneHungup {
				k.BacksendErr(phone, call, errno.EHANGUP)
			} else {
				k.BacksendErr(phone, call, errno.ENOENT)
			}
		}
		return errno.ENOENT
	}
	k.enqueue(phone, phone.callee, call)
	phone.mu.Unlock()
	return nil
}

// CallSync sends request over phone and waits for the answer in a private
// answerbox. If ctx ends the wait before the answer arrives, the request is
// forgotten and EINTR is returned; the answerer then owns the call and the
// caller's reference with it. If the answer wins that race, the wait
// continues until it is delivered.
func (k *Kernel) CallSync(ctx context.Context, phone *Phone, request *Call) error {
	caller := phone.caller
	mybox := newAnswerbox(caller)
	request.callerbox = mybox

	// the call may be freed by its answerer once forgotten
	request.kobj.AddRef()
	defer request.kobj.Put()

	if err := k.Call(phone, request); err != nil {
		// collect the synthesized answer so the phone's counters settle
		_, _ = k.WaitForCall(context.Background(), mybox, 0, synch.NonBlocking)
		return err
	}

	ctx, stop := caller.Bind(ctx)
	defer stop()

	if _, err := k.WaitForCall(ctx, mybox, 0, synch.Interruptible); err == nil {
		return nil
	}

	request.forgetMu.Lock()
	if request.forget {
		// teardown of the caller got here first
		request.forgetMu.Unlock()
		return errno.EINTR
	}
	caller.activeMu.Lock()
	if request.active {
		k.forgetCall(caller, request)
		return errno.EINTR
	}
	caller.activeMu.Unlock()
	request.forgetMu.Unlock()

	// the answerer won the race; the answer is on its way
	_, err := k.WaitForCall(context.Background(), mybox, 0, synch.FlagsNone)
	return err
}

// forgetCall detaches call from its sender t, handing its disposal to the
// answerer. Caller holds call.forgetMu and t.activeMu; both are released.
func (k *Kernel) forgetCall(t *Task, call *Call) {
	call.forget = true
	call.sender = nil
	t.activeCalls.Remove(call.taElem)
	call.taElem = nil
	call.kobj.AddRef()
	t.activeMu.Unlock()
	call.forgetMu.Unlock()

	call.callerPhone.activeCalls.Add(-1)
	box := call.callerbox
	if box == nil {
		box = t.box
	}
	box.activeCalls.Add(-1)

	k.opsFor(call.requestMethod).RequestForget(call)
	call.kobj.Put()

	k.metrics.RecordForgotten()
	t.log.Debug("Call forgotten",
		zap.String("call", call.id.String()),
		zap.String("method", MethodName(call.requestMethod)),
	)
}

// AnswerFreeCall delivers an answered call back to its sender. A forgotten
// call is freed instead. answerer is the task the answer comes from.
func (k *Kernel) AnswerFreeCall(answerer *Task, call *Call) {
	if call.flags&FlagAnswered != 0 {
		panic(fmt.Sprintf("ipc: call %s answered twice", call.id))
	}
	answerer.info.answerSent.Add(1)

	call.forgetMu.Lock()
	if call.forget {
		call.forgetMu.Unlock()
		call.kobj.Put()
		return
	}
	sender := call.sender
	if call.active {
		// answered without answer preprocessing
		sender.activeMu.Lock()
		sender.activeCalls.Remove(call.taElem)
		call.taElem = nil
		sender.activeMu.Unlock()
		call.active = false
	}
	call.forgetMu.Unlock()

	box := call.callerbox
	if box == nil {
		box = sender.box
	}
	call.flags |= FlagAnswered
	call.Data.TaskID = answerer.id

	retval := call.Data.Args.Retval()
	box.enqueueAnswer(call)
	k.metrics.RecordAnswer(retval.String())
}

// Answer removes call from box, the answerer's answerbox, and delivers it.
func (k *Kernel) Answer(box *Answerbox, call *Call) {
	box.mu.Lock()
	box.unlink(call)
	box.mu.Unlock()

	k.AnswerFreeCall(box.task, call)
}

// BacksendErr answers a request that was never delivered with err, as if
// phone's callee had done so.
func (k *Kernel) BacksendErr(phone *Phone, call *Call, err errno.Errno) {
	k.callActions(phone, call)
	call.Data.Args.SetRetval(err)
	k.AnswerFreeCall(phone.caller, call)
}

// Forward moves call, taken from oldbox, to newphone. On failure the call is
// out of oldbox and unanswered; the forwarder must answer it.
func (k *Kernel) Forward(call *Call, newphone *Phone, oldbox *Answerbox, mode ForwardMode) error {
	oldbox.mu.Lock()
	oldbox.unlink(call)
	oldbox.mu.Unlock()

	call.flags |= FlagForwarded
	if mode&FFRouteFromMe != 0 {
		call.Data.PhoneHash = newphone.kobj.ID()
		call.Data.TaskID = oldbox.task.id
	}
	oldbox.task.info.forwarded.Add(1)

	return k.Call(newphone, call)
}

// WaitForCall blocks until box has something to deliver and returns it. IRQ
// notifications come first, then answers, then requests. A request moves to
// the dispatched queue, where it stays until answered or forwarded.
func (k *Kernel) WaitForCall(ctx context.Context, box *Answerbox, timeout time.Duration, flags synch.Flags) (*Call, error) {
	for {
		if err := box.wq.Sleep(ctx, timeout, flags); err != nil {
			return nil, err
		}

		box.mu.Lock()
		var c *Call
		switch {
		case box.irqNotifs.Len() > 0:
			c = box.pop(&box.irqNotifs)
			box.task.info.irqNotifReceived.Add(1)
		case box.answers.Len() > 0:
			c = box.pop(&box.answers)
			c.callerPhone.activeCalls.Add(-1)
			box.activeCalls.Add(-1)
			box.task.info.answerReceived.Add(1)
		case box.calls.Len() > 0:
			c = box.pop(&box.calls)
			box.push(&box.dispatched, c)
			box.task.info.callReceived.Add(1)
		}
		box.mu.Unlock()

		// a wakeup whose call was taken by teardown
		if c != nil {
			return c, nil
		}
	}
}

// RequestPreprocess runs before a request is sent over phone. An error
// rejects the request before it is queued.
func (k *Kernel) RequestPreprocess(call *Call, phone *Phone) error {
	call.requestMethod = call.Data.Args.IMethod()
	return k.opsFor(call.requestMethod).RequestPreprocess(call, phone)
}

// ProcessRequest runs when box's task picks call up. It reports whether the
// request goes on to user space.
func (k *Kernel) ProcessRequest(box *Answerbox, call *Call) bool {
	return k.opsFor(call.requestMethod).RequestProcess(call, box)
}

// AnswerPreprocess runs when answerer answers call, before delivery. It
// settles the race with a forgetting sender, slams the caller's phone on an
// EHANGUP answer and runs the method's answer hook when old, the request as
// it was before answering, is given.
func (k *Kernel) AnswerPreprocess(answerer *Task, answer *Call, old *Data) error {
	ops := k.opsFor(answer.requestMethod)

	answer.forgetMu.Lock()
	if answer.forget {
		// the sender is gone
		answer.forgetMu.Unlock()
		ops.AnswerCleanup(answer, old)
		return nil
	}
	if !answer.active {
		panic(fmt.Sprintf("ipc: answering inactive call %s", answer.id))
	}
	answer.active = false
	sender := answer.sender
	sender.activeMu.Lock()
	sender.activeCalls.Remove(answer.taElem)
	answer.taElem = nil
	sender.activeMu.Unlock()
	answer.forgetMu.Unlock()

	if answer.Data.Args.Retval() == errno.EHANGUP {
		phone := answer.callerPhone
		phone.mu.Lock()
		if phone.state == PhoneConnected {
			box := phone.callee
			box.mu.Lock()
			phone.unlink(PhoneSlammed)
			box.mu.Unlock()
		}
		phone.mu.Unlock()
	}

	if old == nil {
		return nil
	}
	return ops.AnswerPreprocess(answerer, answer, old)
}

// ProcessAnswer runs when receiver picks the answer up. A hangup reported by
// a forwarding hop reaches the original sender as EFORWARD.
func (k *Kernel) ProcessAnswer(receiver *Task, call *Call) error {
	if call.Data.Args.Retval() == errno.EHANGUP && call.flags&FlagForwarded != 0 {
		call.Data.Args.SetRetval(errno.EFORWARD)
	}
	return k.opsFor(call.requestMethod).AnswerProcess(receiver, call)
}

// answerInKernel answers a request on behalf of box's task.
func (k *Kernel) answerInKernel(box *Answerbox, call *Call, retval errno.Errno) {
	var old *Data
	if AnswerNeedOld(call) {
		saved := call.Data
		old = &saved
	}
	call.Data.Args.SetRetval(retval)
	_ = k.AnswerPreprocess(box.task, call, old)
	k.Answer(box, call)
}
