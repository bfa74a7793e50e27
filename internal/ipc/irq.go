package ipc

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

// IRQCmd is a top-half pseudo-code instruction.
type IRQCmd int

const (
	// CmdRead loads port Addr into scratch[DstArg].
	CmdRead IRQCmd = iota
	// CmdWrite writes Value to port Addr.
	CmdWrite
	// CmdWriteA writes scratch[SrcArg] to port Addr.
	CmdWriteA
	// CmdLoad loads Value into scratch[DstArg].
	CmdLoad
	// CmdAnd stores scratch[SrcArg] & Value into scratch[DstArg].
	CmdAnd
	// CmdPredicate skips the next Value commands if scratch[SrcArg] is zero.
	CmdPredicate
	// CmdAccept claims the interrupt.
	CmdAccept
	// CmdDecline leaves the interrupt to someone else.
	CmdDecline
	cmdLast
)

// MaxIRQProgSize bounds the number of commands in a top-half program.
const MaxIRQProgSize = 256

// IRQCommand is one pseudo-code instruction.
type IRQCommand struct {
	Cmd    IRQCmd
	SrcArg int
	DstArg int
	Addr   uint64
	Value  uint64
}

// IRQCode is the top-half program run when an interrupt fires. It decides
// whether the interrupt belongs to the subscriber and gathers the words sent
// along with the notification.
type IRQCode struct {
	Cmds []IRQCommand
}

// CodeCheck validates a top-half program. A nil program is valid and
// declines every interrupt.
func CodeCheck(code *IRQCode) error {
	if code == nil {
		return nil
	}
	if len(code.Cmds) > MaxIRQProgSize {
		return errno.ELIMIT
	}
	for i, c := range code.Cmds {
		if c.Cmd < 0 || c.Cmd >= cmdLast {
			return errno.EINVAL
		}
		if c.SrcArg < 0 || c.SrcArg >= CallLen || c.DstArg < 0 || c.DstArg >= CallLen {
			return errno.EINVAL
		}
		if c.Cmd == CmdPredicate && uint64(i)+c.Value > uint64(len(code.Cmds)) {
			return errno.EINVAL
		}
	}
	return nil
}

// DevicePorts is the I/O space a top-half program reads and writes.
type DevicePorts interface {
	ReadPort(addr uint64) uint64
	WritePort(addr, value uint64)
}

// IRQController is told when a line gains or loses its subscriber.
type IRQController interface {
	Register(inr int, irq *Irq)
	Unregister(inr int, irq *Irq)
}

// Irq is a subscription of an answerbox to an interrupt line.
type Irq struct {
	mu      sync.Mutex
	id      id.IRQID
	kobj    *kobject.Kobject
	inr     int
	imethod uint64
	code    *IRQCode
	box     *Answerbox // nil once unsubscribed
	scratch [CallLen]uint64
	counter uint64
	limiter *rate.Limiter // nil means unlimited
	k       *Kernel
}

// Destroy implements kobject.Object.
func (i *Irq) Destroy() {}

// Kobject returns the kernel object wrapping i.
func (i *Irq) Kobject() *kobject.Kobject { return i.kobj }

// INR returns the interrupt number.
func (i *Irq) INR() int { return i.inr }

// claim runs the top-half program. Caller holds i.mu.
func (i *Irq) claim(ports DevicePorts) bool {
	if i.code == nil {
		return false
	}
	cmds := i.code.Cmds
	for pc := 0; pc < len(cmds); pc++ {
		c := cmds[pc]
		switch c.Cmd {
		case CmdRead:
			i.scratch[c.DstArg] = ports.ReadPort(c.Addr)
		case CmdWrite:
			ports.WritePort(c.Addr, c.Value)
		case CmdWriteA:
			ports.WritePort(c.Addr, i.scratch[c.SrcArg])
		case CmdLoad:
			i.scratch[c.DstArg] = c.Value
		case CmdAnd:
			i.scratch[c.DstArg] = i.scratch[c.SrcArg] & c.Value
		case CmdPredicate:
			if i.scratch[c.SrcArg] == 0 {
				pc += int(c.Value)
			}
		case CmdAccept:
			return true
		case CmdDecline:
			return false
		}
	}
	return false
}

// SendMsg delivers a notification carrying a1..a5 to the subscriber.
func (i *Irq) SendMsg(a1, a2, a3, a4, a5 uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.send([CallLen - 1]uint64{a1, a2, a3, a4, a5})
}

// send queues a notification. Caller holds i.mu.
func (i *Irq) send(args [CallLen - 1]uint64) {
	if i.box == nil {
		i.k.metrics.RecordIRQ("detached")
		return
	}
	if i.limiter != nil && !i.limiter.Allow() {
		i.k.metrics.RecordIRQ("throttled")
		return
	}

	call := i.k.NewCall()
	call.flags |= FlagNotif
	call.Data.Flags |= FlagNotif
	i.counter++
	call.priv = i.counter
	call.Data.PhoneHash = i.counter
	call.requestMethod = i.imethod
	call.Data.Args.SetIMethod(i.imethod)
	for n, a := range args {
		call.Data.Args.SetArg(n+1, a)
	}

	i.box.enqueueNotif(call)
	i.k.metrics.RecordIRQ("delivered")
}

// SetIRQController installs the controller told about subscriptions.
func (k *Kernel) SetIRQController(c IRQController) {
	k.irqMu.Lock()
	k.controller = c
	k.irqMu.Unlock()
}

// IRQSubscribe subscribes box to interrupt line inr. Notifications carry
// imethod and the words code gathers. The subscription is published in the
// capability table of box's task.
func (k *Kernel) IRQSubscribe(box *Answerbox, inr int, imethod uint64, code *IRQCode) (cap.Handle, error) {
	if inr < 0 || inr > k.limits.LastIRQ {
		return cap.Nil, errno.ELIMIT
	}
	if err := CodeCheck(code); err != nil {
		return cap.Nil, err
	}

	t := box.task
	h, err := t.caps.Alloc()
	if err != nil {
		return cap.Nil, err
	}

	irq := &Irq{
		id:      id.NewIRQID(),
		inr:     inr,
		imethod: imethod,
		code:    code,
		box:     box,
		k:       k,
	}
	if k.limits.IRQNotifRate > 0 {
		irq.limiter = rate.NewLimiter(k.limits.notifLimit(), k.limits.IRQNotifBurst)
	}
	irq.kobj = kobject.New(kobject.TypeIrq, irq)

	k.irqMu.Lock()
	if _, taken := k.irqs[inr]; taken {
		k.irqMu.Unlock()
		t.caps.Free(h)
		return cap.Nil, errno.EEXIST
	}
	k.irqs[inr] = irq
	ctrl := k.controller
	k.irqMu.Unlock()

	t.caps.Publish(h, irq.kobj)
	if ctrl != nil {
		ctrl.Register(inr, irq)
	}

	t.log.Debug("IRQ subscribed",
		zap.Int("inr", inr),
		zap.String("irq", irq.id.String()),
		zap.Stringer("handle", h),
	)
	return h, nil
}

// IRQUnsubscribe ends the subscription t holds under h. Notifications
// already queued stay queued.
func (k *Kernel) IRQUnsubscribe(t *Task, h cap.Handle) error {
	kobj, err := t.caps.Unpublish(h, kobject.TypeIrq)
	if err != nil {
		return err
	}
	irq := kobj.Object().(*Irq)

	irq.mu.Lock()
	irq.box = nil
	irq.mu.Unlock()

	k.irqMu.Lock()
	if k.irqs[irq.inr] == irq {
		delete(k.irqs, irq.inr)
	}
	ctrl := k.controller
	k.irqMu.Unlock()

	if ctrl != nil {
		ctrl.Unregister(irq.inr, irq)
	}
	kobj.Put()
	t.caps.Free(h)

	t.log.Debug("IRQ unsubscribed", zap.Int("inr", irq.inr))
	return nil
}

// Interrupt dispatches interrupt inr. The subscriber's top-half program runs
// against ports; if it claims the interrupt, a notification carrying
// scratch words 1 to 5 is sent. It reports whether the interrupt was
// claimed.
func (k *Kernel) Interrupt(inr int, ports DevicePorts) bool {
	k.irqMu.Lock()
	irq := k.irqs[inr]
	k.irqMu.Unlock()
	if irq == nil {
		return false
	}

	irq.mu.Lock()
	defer irq.mu.Unlock()
	if irq.box == nil || !irq.claim(ports) {
		return false
	}
	var args [CallLen - 1]uint64
	copy(args[:], irq.scratch[1:])
	irq.send(args)
	return true
}
