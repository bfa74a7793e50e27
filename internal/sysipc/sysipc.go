// Package sysipc implements the IPC system calls of a task on top of the
// ipc core. Arguments arrive as capability handles, small integers and
// addresses in the calling task's memory; every call returns an errno.Errno
// as its error.
package sysipc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// Syscalls is the system call surface of one task.
type Syscalls struct {
	k   *ipc.Kernel
	t   *ipc.Task
	log *zap.Logger
}

// New returns the system calls of task t.
func New(k *ipc.Kernel, t *ipc.Task) *Syscalls {
	return &Syscalls{
		k:   k,
		t:   t,
		log: t.Logger().Named("sysipc"),
	}
}

// Task returns the calling task.
func (s *Syscalls) Task() *ipc.Task { return s.t }

func (s *Syscalls) mem() uspace.Memory { return s.t.Memory() }

// reject converts err to an errno, counts it and returns it.
func (s *Syscalls) reject(syscall string, err error) error {
	e := errno.Of(err)
	s.k.Metrics().RecordSyscallError(syscall, e.String())
	s.log.Debug("Syscall rejected",
		zap.String("syscall", syscall),
		zap.Stringer("errno", e),
		zap.Error(err),
	)
	return e
}

// phone resolves h. The caller puts the returned phone's kobject.
func (s *Syscalls) phone(h cap.Handle) (*ipc.Phone, error) {
	return s.t.Phone(h)
}

// CallSync sends the request stored at ubuf over phone h and blocks until it
// is answered; the answer replaces the request at ubuf. A request rejected
// before sending is answered in place with the rejection. EINTR means the
// wait was cut short and the request was abandoned to its answerer.
func (s *Syscalls) CallSync(ctx context.Context, h cap.Handle, ubuf uint64) error {
	const name = "ipc_call_sync"

	phone, err := s.phone(h)
	if err != nil {
		return s.reject(name, err)
	}
	defer phone.Kobject().Put()

	var rec uspace.ArgsRecord
	if err := uspace.CopyFrom(s.mem(), ubuf, &rec); err != nil {
		return s.reject(name, err)
	}

	call := s.k.NewCall()
	call.Data.Args = ipc.ArgsFromRecord(&rec)

	if err := s.k.RequestPreprocess(call, phone); err != nil {
		call.Data.Args.SetRetval(errno.Of(err))
		rec = call.Data.Args.Record()
		call.Kobject().Put()
		return errno.Of(uspace.CopyTo(s.mem(), ubuf, &rec)).Err()
	}

	s.k.Metrics().RecordCall("sync")
	if err := s.k.CallSync(ctx, phone, call); err != nil {
		e := errno.Of(err)
		if e != errno.EINTR {
			// the backsent answer still owes its method cleanup
			call.Data.Args.SetRetval(e)
			_ = s.k.ProcessAnswer(s.t, call)
			call.Kobject().Put()
		}
		// an interrupted request belongs to its answerer now
		return s.reject(name, e)
	}

	_ = s.k.ProcessAnswer(s.t, call)
	rec = call.Data.Args.Record()
	call.Kobject().Put()
	return errno.Of(uspace.CopyTo(s.mem(), ubuf, &rec)).Err()
}

// sendAsync runs the common tail of both asynchronous sends. The phone
// reservation taken by the caller travels with call.
func (s *Syscalls) sendAsync(phone *ipc.Phone, call *ipc.Call) {
	call.MarkReserved()
	if err := s.k.RequestPreprocess(call, phone); err != nil {
		s.k.BacksendErr(phone, call, errno.Of(err))
		return
	}
	// a dead phone gets its answer backsent
	_ = s.k.Call(phone, call)
}

// reserve admits one more asynchronous call on phone.
func (s *Syscalls) reserve(phone *ipc.Phone) bool {
	if phone.ReserveCall(s.k.Limits().MaxAsyncCalls) {
		return true
	}
	s.k.Metrics().RecordCallLimit()
	return false
}

// CallAsyncFast sends imethod with three arguments over phone h without
// waiting. The answer arrives through WaitForCall.
func (s *Syscalls) CallAsyncFast(h cap.Handle, imethod, a1, a2, a3, label uint64) error {
	const name = "ipc_call_async_fast"

	phone, err := s.phone(h)
	if err != nil {
		return s.reject(name, err)
	}
	defer phone.Kobject().Put()

	if !s.reserve(phone) {
		return s.reject(name, errno.ELIMIT)
	}

	call := s.k.NewCall()
	call.Data.Args.SetIMethod(imethod)
	call.Data.Args.SetArg(1, a1)
	call.Data.Args.SetArg(2, a2)
	call.Data.Args.SetArg(3, a3)
	// arguments past the fast form are zeroed
	call.Data.Args.SetArg(4, 0)
	call.Data.Args.SetArg(5, 0)
	call.Data.Label = label

	s.k.Metrics().RecordCall("async")
	s.sendAsync(phone, call)
	return nil
}

// CallAsyncSlow is CallAsyncFast with the full payload read from addr.
func (s *Syscalls) CallAsyncSlow(h cap.Handle, addr, label uint64) error {
	const name = "ipc_call_async_slow"

	phone, err := s.phone(h)
	if err != nil {
		return s.reject(name, err)
	}
	defer phone.Kobject().Put()

	if !s.reserve(phone) {
		return s.reject(name, errno.ELIMIT)
	}

	var rec uspace.ArgsRecord
	if err := uspace.CopyFrom(s.mem(), addr, &rec); err != nil {
		phone.ReleaseCall()
		return s.reject(name, err)
	}

	call := s.k.NewCall()
	call.Data.Args = ipc.ArgsFromRecord(&rec)
	call.Data.Label = label

	s.k.Metrics().RecordCall("async")
	s.sendAsync(phone, call)
	return nil
}

// forwardArgs carries the new method and arguments of a forward.
type forwardArgs struct {
	imethod uint64
	args    [5]uint64
	slow    bool
}

// rewrite applies fa to call. Immutable methods keep their payload. System
// methods take the new method and arguments in argument slots 1 to 3 (4 on
// the slow path) and keep slot 5, which belongs to the kernel. Anything
// else has its method and arguments replaced.
func (s *Syscalls) rewrite(call *ipc.Call, fa forwardArgs) {
	a := &call.Data.Args
	m := a.IMethod()

	switch {
	case ipc.MethodIsImmutable(m):
	case ipc.MethodIsSystem(m):
		if m == ipc.MConnectToMe {
			// the callback phone stays behind with the forwarder
			s.k.ReleaseCallbackPhone(call)
		}
		a.SetArg(1, fa.imethod)
		a.SetArg(2, fa.args[0])
		a.SetArg(3, fa.args[1])
		if fa.slow {
			a.SetArg(4, fa.args[2])
		}
	default:
		a.SetIMethod(fa.imethod)
		a.SetArg(1, fa.args[0])
		a.SetArg(2, fa.args[1])
		if fa.slow {
			a.SetArg(3, fa.args[2])
			a.SetArg(4, fa.args[3])
			a.SetArg(5, fa.args[4])
		}
	}
}

// forward passes the received request chandle on over phone phandle. A
// request that cannot be forwarded is answered with EFORWARD so its sender
// hears back exactly once.
func (s *Syscalls) forward(name string, chandle, phandle cap.Handle, fa forwardArgs, mode ipc.ForwardMode) error {
	caps := s.t.Caps()
	kobj, err := caps.Unpublish(chandle, kobject.TypeCall)
	if err != nil {
		return s.reject(name, err)
	}
	call := kobj.Object().(*ipc.Call)

	var old *ipc.Data
	if ipc.AnswerNeedOld(call) {
		saved := call.Data
		old = &saved
	}

	phone, err := s.phone(phandle)
	if err != nil {
		s.forwardFailed(call, old, false)
		kobj.Put()
		caps.Free(chandle)
		return s.reject(name, err)
	}
	defer phone.Kobject().Put()

	if !ipc.MethodIsForwardable(call.Data.Args.IMethod()) {
		s.forwardFailed(call, old, false)
		kobj.Put()
		caps.Free(chandle)
		return s.reject(name, errno.EPERM)
	}

	s.rewrite(call, fa)

	s.k.Metrics().RecordCall("forward")
	if err := s.k.Forward(call, phone, s.t.Answerbox(), mode); err != nil {
		s.forwardFailed(call, old, true)
		kobj.Put()
		caps.Free(chandle)
		return s.reject(name, err)
	}

	kobj.Put()
	caps.Free(chandle)
	return nil
}

// forwardFailed answers call with EFORWARD. After a failed Forward the call
// is already out of the answerbox.
func (s *Syscalls) forwardFailed(call *ipc.Call, old *ipc.Data, unlinked bool) {
	call.Data.Args.SetRetval(errno.EFORWARD)
	_ = s.k.AnswerPreprocess(s.t, call, old)
	if unlinked {
		s.k.AnswerFreeCall(s.t, call)
	} else {
		s.k.Answer(s.t.Answerbox(), call)
	}
	s.k.Metrics().RecordAutoReply("forward")
}

// ForwardFast forwards the received request chandle over phone phandle
// with a new method and two arguments.
func (s *Syscalls) ForwardFast(chandle, phandle cap.Handle, imethod, a1, a2 uint64, mode ipc.ForwardMode) error {
	fa := forwardArgs{imethod: imethod}
	fa.args[0], fa.args[1] = a1, a2
	return s.forward("ipc_forward_fast", chandle, phandle, fa, mode)
}

// ForwardSlow forwards with the new method and arguments read from addr.
func (s *Syscalls) ForwardSlow(chandle, phandle cap.Handle, addr uint64, mode ipc.ForwardMode) error {
	const name = "ipc_forward_slow"

	var rec uspace.ArgsRecord
	if err := uspace.CopyFrom(s.mem(), addr, &rec); err != nil {
		return s.reject(name, err)
	}
	fa := forwardArgs{
		imethod: rec.IMethod,
		args:    [5]uint64{rec.Arg1, rec.Arg2, rec.Arg3, rec.Arg4, rec.Arg5},
		slow:    true,
	}
	return s.forward(name, chandle, phandle, fa, mode)
}

// answer delivers the received request behind chandle, whose kobject has
// been unpublished, after fill has set the answer payload. A fill error
// puts the handle back untouched.
func (s *Syscalls) answer(name string, chandle cap.Handle, fill func(a *ipc.Args) error) error {
	caps := s.t.Caps()
	kobj, err := caps.Unpublish(chandle, kobject.TypeCall)
	if err != nil {
		return s.reject(name, err)
	}
	call := kobj.Object().(*ipc.Call)

	var old *ipc.Data
	if ipc.AnswerNeedOld(call) {
		saved := call.Data
		old = &saved
	}

	if err := fill(&call.Data.Args); err != nil {
		caps.Publish(chandle, kobj)
		return s.reject(name, err)
	}

	rc := s.k.AnswerPreprocess(s.t, call, old)
	s.k.Answer(s.t.Answerbox(), call)

	kobj.Put()
	caps.Free(chandle)
	if rc != nil {
		return s.reject(name, rc)
	}
	return nil
}

// AnswerFast answers the received request chandle with retval and four
// result words.
func (s *Syscalls) AnswerFast(chandle cap.Handle, retval errno.Errno, a1, a2, a3, a4 uint64) error {
	return s.answer("ipc_answer_fast", chandle, func(a *ipc.Args) error {
		a.SetRetval(retval)
		a.SetArg(1, a1)
		a.SetArg(2, a2)
		a.SetArg(3, a3)
		a.SetArg(4, a4)
		a.SetArg(5, 0)
		return nil
	})
}

// AnswerSlow answers with the full payload read from addr.
func (s *Syscalls) AnswerSlow(chandle cap.Handle, addr uint64) error {
	return s.answer("ipc_answer_slow", chandle, func(a *ipc.Args) error {
		var rec uspace.ArgsRecord
		if err := uspace.CopyFrom(s.mem(), addr, &rec); err != nil {
			return err
		}
		*a = ipc.ArgsFromRecord(&rec)
		return nil
	})
}

// Hangup closes phone h.
func (s *Syscalls) Hangup(h cap.Handle) error {
	const name = "ipc_hangup"

	caps := s.t.Caps()
	kobj, err := caps.Unpublish(h, kobject.TypePhone)
	if err != nil {
		return s.reject(name, err)
	}
	rc := kobj.Object().(*ipc.Phone).Hangup()
	kobj.Put()
	caps.Free(h)
	if rc != nil {
		return s.reject(name, rc)
	}
	return nil
}

// WaitForCall blocks until the task's answerbox delivers something and
// stores it at ubuf. A zero timeout waits forever; synch.NonBlocking fails
// with EAGAIN instead of waiting. Requests get a fresh capability handle,
// answers and IRQ notifications come with the nil handle. When nothing is
// delivered, a record with the nil handle is stored and the wait error is
// returned.
func (s *Syscalls) WaitForCall(ctx context.Context, ubuf, timeoutUsec uint64, flags synch.Flags) error {
	const name = "ipc_wait_for_call"

	timer := monitoring.NewTimer(s.k.Metrics())
	ctx, stop := s.t.Bind(ctx)
	defer stop()

	timeout := time.Duration(timeoutUsec) * time.Microsecond
	box := s.t.Answerbox()

	for {
		call, err := s.k.WaitForCall(ctx, box, timeout, flags|synch.Interruptible)
		if err != nil {
			e := errno.Of(err)
			timer.Stop(e.String())
			empty := uspace.CallRecord{CapHandle: uint64(cap.Nil)}
			_ = uspace.CopyTo(s.mem(), ubuf, &empty)
			return e
		}

		switch {
		case call.Flags()&ipc.FlagNotif != 0:
			call.Data.Flags = call.Flags()
			call.Data.CapHandle = cap.Nil
			err := s.copyOut(ubuf, call)
			call.Kobject().Put()
			timer.Stop("notification")
			if err != nil {
				return s.reject(name, err)
			}
			return nil

		case call.Flags()&ipc.FlagAnswered != 0:
			_ = s.k.ProcessAnswer(s.t, call)
			if call.Flags()&ipc.FlagDiscardAnswer != 0 {
				call.Kobject().Put()
				// the wait restarts with the full timeout
				continue
			}
			call.Data.Flags = call.Flags()
			call.Data.CapHandle = cap.Nil
			err := s.copyOut(ubuf, call)
			call.Kobject().Put()
			timer.Stop("answer")
			if err != nil {
				return s.reject(name, err)
			}
			return nil
		}

		if !s.k.ProcessRequest(box, call) {
			continue
		}
		timer.Stop("request")
		return s.deliverRequest(name, ubuf, call)
	}
}

func (s *Syscalls) copyOut(ubuf uint64, call *ipc.Call) error {
	rec := call.Data.Record()
	return uspace.CopyTo(s.mem(), ubuf, &rec)
}

// deliverRequest publishes call under a new handle and stores it at ubuf.
// If either step fails, the call is answered with EPARTY.
func (s *Syscalls) deliverRequest(name string, ubuf uint64, call *ipc.Call) error {
	caps := s.t.Caps()
	h, err := caps.Alloc()
	if err != nil {
		s.autoReply(call)
		return s.reject(name, err)
	}

	call.Data.CapHandle = h
	call.Data.Flags = call.Flags()
	if err := s.copyOut(ubuf, call); err != nil {
		caps.Free(h)
		s.autoReply(call)
		return s.reject(name, err)
	}

	call.Kobject().AddRef()
	caps.Publish(h, call.Kobject())
	return nil
}

// autoReply answers an accepted request that never reached the task.
func (s *Syscalls) autoReply(call *ipc.Call) {
	var old *ipc.Data
	if ipc.AnswerNeedOld(call) {
		saved := call.Data
		old = &saved
	}
	call.Data.Args.SetRetval(errno.EPARTY)
	_ = s.k.AnswerPreprocess(s.t, call, old)
	call.SetFlags(ipc.FlagAutoReply)
	s.k.Answer(s.t.Answerbox(), call)

	s.k.Metrics().RecordAutoReply("party")
	s.log.Debug("Request auto-answered",
		zap.String("call", call.ID().String()),
		zap.String("method", ipc.MethodName(call.RequestMethod())),
	)
}

// Poke wakes one waiter of the task's answerbox without delivering
// anything.
func (s *Syscalls) Poke() error {
	s.t.Answerbox().Poke()
	return nil
}

// IRQSubscribe subscribes the task to interrupt inr. ucode is the address
// of an IRQCodeHeader describing the top-half program, or zero for none.
func (s *Syscalls) IRQSubscribe(inr int, imethod, ucode uint64) (cap.Handle, error) {
	const name = "ipc_irq_subscribe"

	if !s.t.HasPerm(ipc.PermIRQReg) {
		return cap.Nil, s.reject(name, errno.EPERM)
	}

	code, err := s.readIRQCode(ucode)
	if err != nil {
		return cap.Nil, s.reject(name, err)
	}

	h, err := s.k.IRQSubscribe(s.t.Answerbox(), inr, imethod, code)
	if err != nil {
		return cap.Nil, s.reject(name, err)
	}
	return h, nil
}

func (s *Syscalls) readIRQCode(ucode uint64) (*ipc.IRQCode, error) {
	if ucode == 0 {
		return nil, nil
	}

	var hdr uspace.IRQCodeHeader
	if err := uspace.CopyFrom(s.mem(), ucode, &hdr); err != nil {
		return nil, err
	}
	if hdr.CmdCount > ipc.MaxIRQProgSize {
		return nil, errno.ELIMIT
	}

	code := &ipc.IRQCode{Cmds: make([]ipc.IRQCommand, hdr.CmdCount)}
	var rec uspace.IRQCmdRecord
	size, err := uspace.Sizeof(&rec)
	if err != nil {
		return nil, err
	}
	for i := range code.Cmds {
		if err := uspace.CopyFrom(s.mem(), hdr.CmdsAddr+uint64(i)*size, &rec); err != nil {
			return nil, err
		}
		code.Cmds[i] = ipc.IRQCommand{
			Cmd:    ipc.IRQCmd(rec.Cmd),
			SrcArg: int(rec.SrcArg),
			DstArg: int(rec.DstArg),
			Addr:   rec.Addr,
			Value:  rec.Value,
		}
	}
	return code, nil
}

// IRQUnsubscribe ends the subscription h.
func (s *Syscalls) IRQUnsubscribe(h cap.Handle) error {
	const name = "ipc_irq_unsubscribe"

	if !s.t.HasPerm(ipc.PermIRQReg) {
		return s.reject(name, errno.EPERM)
	}
	if err := s.k.IRQUnsubscribe(s.t, h); err != nil {
		return s.reject(name, err)
	}
	return nil
}

// ConnectKbox connects a new phone to the kbox of the task whose ID is
// stored at utask and stores the phone handle at uphone.
func (s *Syscalls) ConnectKbox(utask, uphone uint64) error {
	const name = "ipc_connect_kbox"

	var tid uspace.WordRecord
	if err := uspace.CopyFrom(s.mem(), utask, &tid); err != nil {
		return s.reject(name, err)
	}

	h, err := s.k.ConnectKbox(s.t, ipc.TaskID(tid.Value))
	if err != nil {
		return s.reject(name, err)
	}

	out := uspace.WordRecord{Value: uint64(h)}
	if err := uspace.CopyTo(s.mem(), uphone, &out); err != nil {
		_ = s.Hangup(h)
		return s.reject(name, err)
	}
	return nil
}
