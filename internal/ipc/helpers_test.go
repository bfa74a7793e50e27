package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

const (
	memBase = 0x1000
	memSize = 0x10000
)

func newTestKernel(t *testing.T, limits Limits) *Kernel {
	t.Helper()
	k := NewKernel(limits, zaptest.NewLogger(t), nil)
	t.Cleanup(k.Shutdown)
	return k
}

func newTestTask(t *testing.T, k *Kernel, name string) *Task {
	t.Helper()
	mem := uspace.NewSparseMemory()
	require.NoError(t, mem.Map(memBase, memSize))
	task, err := k.NewTask(name, mem, PermIRQReg)
	require.NoError(t, err)
	return task
}

// connect returns a phone of from connected to to. The capability table
// keeps the only reference the test relies on.
func connect(t *testing.T, k *Kernel, from, to *Task) *Phone {
	t.Helper()
	h, err := k.Connect(from, to, 0)
	require.NoError(t, err)
	p, err := from.Phone(h)
	require.NoError(t, err)
	p.Kobject().Put()
	return p
}

func recv(t *testing.T, k *Kernel, task *Task) *Call {
	t.Helper()
	call, err := k.WaitForCall(context.Background(), task.Answerbox(), time.Second, synch.FlagsNone)
	require.NoError(t, err)
	return call
}

func newRequest(k *Kernel, method uint64, args ...uint64) *Call {
	call := k.NewCall()
	call.Data.Args.SetIMethod(method)
	for i, a := range args {
		call.Data.Args.SetArg(i+1, a)
	}
	return call
}

// send queues an asynchronous request the way the syscall layer does.
func send(t *testing.T, k *Kernel, p *Phone, call *Call) {
	t.Helper()
	require.NoError(t, k.RequestPreprocess(call, p))
	require.NoError(t, k.Call(p, call))
}

// reply answers a received request with retval and the given words.
func reply(t *testing.T, k *Kernel, answerer *Task, call *Call, retval errno.Errno, args ...uint64) {
	t.Helper()
	var old *Data
	if AnswerNeedOld(call) {
		saved := call.Data
		old = &saved
	}
	call.Data.Args.SetRetval(retval)
	for i, a := range args {
		call.Data.Args.SetArg(i+1, a)
	}
	require.NoError(t, k.AnswerPreprocess(answerer, call, old))
	k.Answer(answerer.Answerbox(), call)
}
