package ipc

import (
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// dataWriteOps handle MDataWrite. The request carries the source address
// and size in the sender; the answer names the destination address and a
// size no larger than requested. The payload is buffered in the kernel
// between the two.
type dataWriteOps struct {
	NullOps
	k *Kernel
}

func (o dataWriteOps) RequestPreprocess(call *Call, phone *Phone) error {
	src := call.Data.Args.Arg(1)
	size := call.Data.Args.Arg(2)
	if size > o.k.limits.DataXferLimit {
		return errno.ELIMIT
	}

	buf, err := uspace.ReadBytes(phone.caller.mem, src, size)
	if err != nil {
		return errno.Of(err)
	}
	call.buffer = buf
	return nil
}

func (dataWriteOps) AnswerCleanup(answer *Call, _ *Data) {
	answer.buffer = nil
}

func (dataWriteOps) AnswerPreprocess(answerer *Task, answer *Call, old *Data) error {
	defer func() { answer.buffer = nil }()

	if answer.Data.Args.Retval() != errno.EOK {
		return nil
	}
	dst := answer.Data.Args.Arg(1)
	size := answer.Data.Args.Arg(2)
	if size > old.Args.Arg(2) || size > uint64(len(answer.buffer)) {
		answer.Data.Args.SetRetval(errno.ELIMIT)
		return nil
	}
	if err := uspace.WriteBytes(answerer.mem, dst, answer.buffer[:size]); err != nil {
		answer.Data.Args.SetRetval(errno.Of(err))
	}
	return nil
}

// dataReadOps handle MDataRead. The request carries the destination address
// and size in the sender; the answer names the source address in the
// answerer and a size no larger than requested.
type dataReadOps struct {
	NullOps
	k *Kernel
}

func (o dataReadOps) RequestPreprocess(call *Call, _ *Phone) error {
	if call.Data.Args.Arg(2) > o.k.limits.DataXferLimit {
		return errno.ELIMIT
	}
	return nil
}

func (dataReadOps) AnswerCleanup(answer *Call, _ *Data) {
	answer.buffer = nil
}

func (dataReadOps) AnswerPreprocess(answerer *Task, answer *Call, old *Data) error {
	if answer.Data.Args.Retval() != errno.EOK {
		return nil
	}
	src := answer.Data.Args.Arg(1)
	size := answer.Data.Args.Arg(2)
	if size > old.Args.Arg(2) {
		answer.Data.Args.SetRetval(errno.ELIMIT)
		return nil
	}

	buf, err := uspace.ReadBytes(answerer.mem, src, size)
	if err != nil {
		answer.Data.Args.SetRetval(errno.Of(err))
		return nil
	}
	answer.buffer = buf
	// the sender gets its destination back
	answer.Data.Args.SetArg(1, old.Args.Arg(1))
	return nil
}

func (dataReadOps) AnswerProcess(receiver *Task, answer *Call) error {
	if answer.buffer == nil {
		return nil
	}
	buf := answer.buffer
	answer.buffer = nil
	if err := uspace.WriteBytes(receiver.mem, answer.Data.Args.Arg(1), buf); err != nil {
		answer.Data.Args.SetRetval(errno.Of(err))
	}
	return nil
}
