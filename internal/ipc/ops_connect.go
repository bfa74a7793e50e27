package ipc

import (
	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// pendingPhone is a phone created for a connection request that is not
// answered yet. The ops hold one reference to phone until then.
type pendingPhone struct {
	task   *Task
	handle cap.Handle
	phone  *Phone
}

func pendingOf(call *Call) *pendingPhone {
	st, _ := call.opState.(*pendingPhone)
	return st
}

// connectMeToOps handle MConnectMeTo: the sender asks for a new phone
// connected to the answering task. The phone is allocated in the sender up
// front and published only once the answer accepts the connection.
type connectMeToOps struct{ NullOps }

func (connectMeToOps) RequestPreprocess(call *Call, phone *Phone) error {
	h, p, err := phone.caller.PhoneAlloc(false)
	if err != nil {
		return err
	}
	call.opState = &pendingPhone{task: phone.caller, handle: h, phone: p}
	call.Data.Args.SetArg(5, uint64(h))
	return nil
}

func (connectMeToOps) RequestForget(call *Call) {
	if st := pendingOf(call); st != nil {
		st.task.caps.Free(st.handle)
	}
}

func (connectMeToOps) AnswerCleanup(answer *Call, _ *Data) {
	if st := pendingOf(answer); st != nil {
		st.phone.kobj.Put()
		answer.opState = nil
	}
}

func (connectMeToOps) AnswerPreprocess(answerer *Task, answer *Call, old *Data) error {
	st := pendingOf(answer)
	if st == nil || answer.Data.Args.Retval() != errno.EOK {
		return nil
	}

	st.phone.SetLabel(answer.Data.Args.Arg(5))
	// user space sees the handle, not the label
	answer.Data.Args.SetArg(5, old.Args.Arg(5))
	if !st.phone.Connect(answerer.box) {
		answer.Data.Args.SetRetval(errno.EINVAL)
	}
	return nil
}

func (connectMeToOps) AnswerProcess(_ *Task, answer *Call) error {
	st := pendingOf(answer)
	if st == nil {
		return nil
	}
	answer.opState = nil

	if answer.Data.Args.Retval() != errno.EOK {
		st.task.caps.Free(st.handle)
		st.phone.kobj.Put()
		return nil
	}
	st.task.caps.Publish(st.handle, st.phone.kobj)
	return nil
}

// connectToMeOps handle MConnectToMe: the sender offers a callback
// connection, a phone in the receiver connected back to the sender. The
// phone is published in the receiver when it picks the request up and
// connected only if the answer accepts the offer.
type connectToMeOps struct{ NullOps }

func (connectToMeOps) RequestProcess(call *Call, box *Answerbox) bool {
	h, p, err := box.task.PhoneAlloc(true)
	if err != nil {
		call.Data.Args.SetArg(5, uint64(cap.Nil))
		return true
	}
	p.SetLabel(call.Data.Args.Arg(5))
	p.kobj.AddRef()
	call.opState = &pendingPhone{task: box.task, handle: h, phone: p}
	call.Data.Args.SetArg(5, uint64(h))
	return true
}

func (connectToMeOps) AnswerCleanup(answer *Call, _ *Data) {
	releasePending(answer)
}

func (connectToMeOps) AnswerPreprocess(_ *Task, answer *Call, _ *Data) error {
	st := pendingOf(answer)
	if st == nil {
		if answer.Data.Args.Retval() == errno.EOK {
			// the receiver had no room for the phone
			answer.Data.Args.SetRetval(errno.ENOMEM)
		}
		return nil
	}
	answer.opState = nil

	switch {
	case answer.Data.Args.Retval() != errno.EOK:
		st.task.PhoneDealloc(st.handle)
	case st.phone.Connect(answer.sender.box):
		// the sender learns the connection by its phone hash
		answer.Data.Args.SetArg(5, st.phone.kobj.ID())
	default:
		answer.Data.Args.SetRetval(errno.ENOENT)
		st.task.PhoneDealloc(st.handle)
	}
	st.phone.kobj.Put()
	return nil
}

// ReleaseCallbackPhone drops the callback phone an MConnectToMe request
// created in the task it was delivered to. A task forwarding such a request
// calls it, since the phone belongs to the forwarder, not to the next hop.
func (k *Kernel) ReleaseCallbackPhone(call *Call) {
	releasePending(call)
}

func releasePending(call *Call) {
	st := pendingOf(call)
	if st == nil {
		return
	}
	call.opState = nil
	st.task.PhoneDealloc(st.handle)
	st.phone.kobj.Put()
}
