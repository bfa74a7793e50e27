package ipc

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// PhoneState is the connection state of a phone.
type PhoneState int

const (
	PhoneFree PhoneState = iota
	PhoneConnecting
	PhoneConnected
	PhoneSlammed
	PhoneHungup
)

// String returns the string representation of the state
func (s PhoneState) String() string {
	switch s {
	case PhoneFree:
		return "free"
	case PhoneConnecting:
		return "connecting"
	case PhoneConnected:
		return "connected"
	case PhoneSlammed:
		return "slammed"
	case PhoneHungup:
		return "hungup"
	default:
		return "unknown"
	}
}

// Phone is the sending end of a connection to an answerbox.
//
// A connected phone is linked on its callee's list of connected phones and
// that link holds one reference to the phone's kobject.
type Phone struct {
	mu     sync.Mutex
	state  PhoneState
	callee *Answerbox
	label  uint64
	elem   *list.Element // in callee.connected, guarded by callee.mu

	caller      *Task
	activeCalls atomic.Int64
	kobj        *kobject.Kobject
}

func newPhone(caller *Task) *Phone {
	p := &Phone{caller: caller, state: PhoneConnecting}
	p.kobj = kobject.New(kobject.TypePhone, p)
	return p
}

// Destroy implements kobject.Object. No one else can reach p any more, so
// its lock is not taken.
func (p *Phone) Destroy() {
	if p.state == PhoneConnected {
		panic("ipc: destroying a connected phone")
	}
}

// Kobject returns the kernel object wrapping p.
func (p *Phone) Kobject() *kobject.Kobject { return p.kobj }

// Caller returns the task owning p.
func (p *Phone) Caller() *Task { return p.caller }

// State returns the current state.
func (p *Phone) State() PhoneState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Label returns the label the callee assigned to the connection.
func (p *Phone) Label() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label
}

// SetLabel sets the connection label.
func (p *Phone) SetLabel(label uint64) {
	p.mu.Lock()
	p.label = label
	p.mu.Unlock()
}

// Callee returns the answerbox p is or was connected to.
func (p *Phone) Callee() *Answerbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callee
}

// ActiveCalls returns the number of requests sent over p and not yet
// answered back to the sender.
func (p *Phone) ActiveCalls() int64 { return p.activeCalls.Load() }

// ReserveCall admits one more asynchronous call if p is below max. The
// reservation is counted as an active call right away, so concurrent
// senders can never push the count past max.
func (p *Phone) ReserveCall(max int64) bool {
	for {
		n := p.activeCalls.Load()
		if n >= max {
			return false
		}
		if p.activeCalls.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// ReleaseCall returns a reservation that did not turn into a call.
func (p *Phone) ReleaseCall() {
	p.activeCalls.Add(-1)
}

// Connect links p to box. Only a phone that is not yet connected can be
// connected, and only to an answerbox that still accepts connections.
func (p *Phone) Connect(box *Answerbox) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PhoneFree && p.state != PhoneConnecting {
		return false
	}

	box.mu.Lock()
	if !box.active {
		box.mu.Unlock()
		return false
	}
	p.kobj.AddRef()
	p.state = PhoneConnected
	p.callee = box
	p.elem = box.connected.PushBack(p)
	box.mu.Unlock()

	p.caller.kernel.metrics.AddPhonesConnected(1)
	return true
}

// unlink removes p from its callee's connected list and drops the list's
// reference. Caller holds p.mu and the callee's lock.
func (p *Phone) unlink(state PhoneState) {
	p.callee.connected.Remove(p.elem)
	p.elem = nil
	p.state = state
	p.kobj.Put()
	p.caller.kernel.metrics.AddPhonesConnected(-1)
}

// Hangup closes p. A connected phone is unlinked from its callee, which is
// notified with an MPhoneHungup request whose answer is discarded. A
// slammed phone just becomes hung up.
func (p *Phone) Hangup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case PhoneFree, PhoneHungup, PhoneConnecting:
		return errno.EINVAL
	}

	if p.state == PhoneConnected {
		box := p.callee
		box.mu.Lock()
		p.unlink(PhoneHungup)
		box.mu.Unlock()

		k := p.caller.kernel
		call := k.NewCall()
		call.Data.Args.SetIMethod(MPhoneHungup)
		call.requestMethod = MPhoneHungup
		call.flags |= FlagDiscardAnswer
		k.enqueue(p, box, call)

		k.log.Debug("Phone hung up",
			zap.Uint64("phone", p.kobj.ID()),
			zap.Uint64("task", uint64(p.caller.id)),
		)
	}

	p.state = PhoneHungup
	return nil
}

// PhoneAlloc creates a phone owned by t in a new capability slot. The slot
// is published right away only when publish is set; otherwise the caller
// owns the returned reference until it publishes or deallocates.
func (t *Task) PhoneAlloc(publish bool) (cap.Handle, *Phone, error) {
	h, err := t.caps.Alloc()
	if err != nil {
		return cap.Nil, nil, err
	}
	p := newPhone(t)
	if publish {
		t.caps.Publish(h, p.kobj)
	}
	return h, p, nil
}

// PhoneDealloc closes a published phone slot allocated with PhoneAlloc. A
// slot that user space already closed is left alone.
func (t *Task) PhoneDealloc(h cap.Handle) {
	k, err := t.caps.Unpublish(h, kobject.TypePhone)
	if err != nil {
		return
	}
	k.Put()
	t.caps.Free(h)
}

// Phone resolves h to a phone with an extra reference, which the caller must
// put through the returned kobject.
func (t *Task) Phone(h cap.Handle) (*Phone, error) {
	k, err := t.caps.Get(h, kobject.TypePhone)
	if err != nil {
		return nil, err
	}
	return k.Object().(*Phone), nil
}
