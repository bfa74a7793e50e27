package ipc

import (
	"container/list"
	"sync"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

// Call is a message descriptor. It travels from the sender to the callee's
// answerbox as a request and back to the sender's answerbox as an answer.
//
// While unanswered, a call is either active (linked on its sender's list of
// active calls) or forgotten (its sender is gone and whoever answers it must
// free it). The switch from active to forgotten, and the answerer's
// observation of it, both happen under forgetMu, which is always taken
// before the sender's activeMu.
type Call struct {
	kobj *kobject.Kobject
	id   id.CallID

	forgetMu sync.Mutex
	forget   bool
	active   bool
	sender   *Task
	taElem   *list.Element // in sender.activeCalls, guarded by sender.activeMu

	callerPhone *Phone
	// callerbox receives the answer. Nil means the sender's answerbox.
	callerbox *Answerbox
	abList    *list.List // queue holding the call, guarded by that box's mu
	abElem    *list.Element

	// Data is the payload. It is owned by whoever currently holds the call.
	Data Data

	flags         CallFlags
	requestMethod uint64
	priv          uint64
	reserved      bool

	// buffer carries data transfer payloads between the two address spaces.
	buffer []byte
	// opState is private to the method ops of the request method.
	opState interface{}
}

// NewCall allocates a call holding one reference, owned by the caller.
func (k *Kernel) NewCall() *Call {
	c := &Call{id: id.NewCallID()}
	c.kobj = kobject.New(kobject.TypeCall, c)
	return c
}

// Destroy implements kobject.Object.
func (c *Call) Destroy() {
	if c.callerPhone != nil {
		c.callerPhone.kobj.Put()
		c.callerPhone = nil
	}
	c.buffer = nil
	c.opState = nil
}

// Kobject returns the kernel object wrapping c.
func (c *Call) Kobject() *kobject.Kobject { return c.kobj }

// ID returns the call's log correlation ID.
func (c *Call) ID() id.CallID { return c.id }

// Flags returns the call flags.
func (c *Call) Flags() CallFlags { return c.flags }

// SetFlags adds f to the call flags.
func (c *Call) SetFlags(f CallFlags) { c.flags |= f }

// Method returns the current interface+method selector.
func (c *Call) Method() uint64 { return c.Data.Args.IMethod() }

// RequestMethod returns the method the call was sent with, which survives
// the answer overwriting word 0.
func (c *Call) RequestMethod() uint64 { return c.requestMethod }

// Priv returns the kernel private word. IRQ notifications keep their counter
// here.
func (c *Call) Priv() uint64 { return c.priv }

// SetPriv sets the kernel private word.
func (c *Call) SetPriv(v uint64) { c.priv = v }

// MarkReserved records that the sender already holds a call limit
// reservation on the phone the call will be sent over.
func (c *Call) MarkReserved() { c.reserved = true }

// CallerPhone returns the phone the request was sent over.
func (c *Call) CallerPhone() *Phone { return c.callerPhone }

// Sender returns the sending task, or nil once the call is forgotten.
func (c *Call) Sender() *Task {
	c.forgetMu.Lock()
	defer c.forgetMu.Unlock()
	return c.sender
}

// Forgotten reports whether the sender has forgotten the call.
func (c *Call) Forgotten() bool {
	c.forgetMu.Lock()
	defer c.forgetMu.Unlock()
	return c.forget
}

// Buffer returns the data transfer payload.
func (c *Call) Buffer() []byte { return c.buffer }
