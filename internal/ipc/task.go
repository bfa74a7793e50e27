package ipc

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// TaskID identifies a task for the lifetime of the kernel.
type TaskID uint64

// Perm is a set of task permissions.
type Perm uint32

const (
	// PermIRQReg allows subscribing to IRQ notifications.
	PermIRQReg Perm = 1 << iota
)

// Info counts a task's IPC traffic.
type Info struct {
	CallSent         uint64 `json:"call_sent"`
	CallReceived     uint64 `json:"call_received"`
	AnswerSent       uint64 `json:"answer_sent"`
	AnswerReceived   uint64 `json:"answer_received"`
	IRQNotifReceived uint64 `json:"irq_notif_received"`
	Forwarded        uint64 `json:"forwarded"`
}

type taskInfo struct {
	callSent         atomic.Uint64
	callReceived     atomic.Uint64
	answerSent       atomic.Uint64
	answerReceived   atomic.Uint64
	irqNotifReceived atomic.Uint64
	forwarded        atomic.Uint64
}

// Task is the IPC view of a task: its capabilities, its answerbox and the
// requests it has sent and not yet seen answered.
type Task struct {
	id     TaskID
	name   string
	kernel *Kernel
	caps   *cap.Table
	box    *Answerbox
	perms  Perm
	mem    uspace.Memory
	log    *zap.Logger

	// ctx ends when teardown starts, waking every blocked receiver.
	ctx  context.Context
	kill context.CancelFunc

	activeMu    sync.Mutex
	activeCalls list.List // *Call

	kbMu       sync.Mutex
	kb         *kbox
	kbFinished bool

	info taskInfo
}

// ID returns the task ID.
func (t *Task) ID() TaskID { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Kernel returns the kernel the task lives in.
func (t *Task) Kernel() *Kernel { return t.kernel }

// Caps returns the task's capability table.
func (t *Task) Caps() *cap.Table { return t.caps }

// Answerbox returns the task's answerbox.
func (t *Task) Answerbox() *Answerbox { return t.box }

// Memory returns the task's user memory.
func (t *Task) Memory() uspace.Memory { return t.mem }

// HasPerm reports whether t holds every permission in p.
func (t *Task) HasPerm(p Perm) bool { return t.perms&p == p }

// Logger returns the task's logger.
func (t *Task) Logger() *zap.Logger { return t.log }

// ActiveCalls returns the number of sent requests not yet answered.
func (t *Task) ActiveCalls() int {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return t.activeCalls.Len()
}

// Info returns the task's traffic counters.
func (t *Task) Info() Info {
	return Info{
		CallSent:         t.info.callSent.Load(),
		CallReceived:     t.info.callReceived.Load(),
		AnswerSent:       t.info.answerSent.Load(),
		AnswerReceived:   t.info.answerReceived.Load(),
		IRQNotifReceived: t.info.irqNotifReceived.Load(),
		Forwarded:        t.info.forwarded.Load(),
	}
}

// Done is closed when the task starts tearing down.
func (t *Task) Done() <-chan struct{} { return t.ctx.Done() }

// Bind derives a context from ctx that also ends when t starts tearing
// down. Blocking waits on behalf of t use it.
func (t *Task) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
