package ipc

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
)

// Answerbox is a task's inbound queue. It holds requests waiting for pickup,
// requests picked up but not yet answered, answers to the task's own
// requests and IRQ notifications.
type Answerbox struct {
	mu         sync.Mutex
	task       *Task
	active     bool
	connected  list.List // *Phone
	calls      list.List // *Call
	dispatched list.List // *Call
	answers    list.List // *Call
	irqNotifs  list.List // *Call

	// activeCalls counts requests whose answers are due in this box.
	activeCalls atomic.Int64

	wq synch.WaitQueue
}

func newAnswerbox(t *Task) *Answerbox {
	return &Answerbox{task: t, active: true}
}

// Task returns the task owning the box.
func (b *Answerbox) Task() *Task { return b.task }

// ActiveCalls returns the number of answers the box still expects.
func (b *Answerbox) ActiveCalls() int64 { return b.activeCalls.Load() }

// Poke wakes one goroutine blocked in WaitForCall on b without delivering
// anything.
func (b *Answerbox) Poke() {
	b.wq.Interrupt()
}

// push appends c to q. Caller holds b.mu.
func (b *Answerbox) push(q *list.List, c *Call) {
	c.abList = q
	c.abElem = q.PushBack(c)
}

// unlink removes c from whichever queue of b holds it. Caller holds b.mu.
func (b *Answerbox) unlink(c *Call) {
	if c.abList == nil {
		return
	}
	c.abList.Remove(c.abElem)
	c.abList = nil
	c.abElem = nil
}

// pop removes the first call of q. Caller holds b.mu.
func (b *Answerbox) pop(q *list.List) *Call {
	front := q.Front()
	if front == nil {
		return nil
	}
	c := q.Remove(front).(*Call)
	c.abList = nil
	c.abElem = nil
	return c
}

// enqueueRequest queues c as a request and wakes a receiver.
func (b *Answerbox) enqueueRequest(c *Call) {
	b.mu.Lock()
	b.push(&b.calls, c)
	b.mu.Unlock()
	b.wq.Wakeup(synch.WakeupFirst)
}

// enqueueAnswer queues c as an answer and wakes a receiver.
func (b *Answerbox) enqueueAnswer(c *Call) {
	b.mu.Lock()
	b.push(&b.answers, c)
	b.mu.Unlock()
	b.wq.Wakeup(synch.WakeupFirst)
}

// enqueueNotif queues an IRQ notification and wakes a receiver.
func (b *Answerbox) enqueueNotif(c *Call) {
	b.mu.Lock()
	b.push(&b.irqNotifs, c)
	b.mu.Unlock()
	b.wq.Wakeup(synch.WakeupFirst)
}
