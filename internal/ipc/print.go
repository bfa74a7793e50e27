package ipc

import (
	"container/list"
	"time"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// PhoneSnapshot describes one phone of a task.
type PhoneSnapshot struct {
	Handle      string `json:"handle"`
	State       string `json:"state"`
	Callee      uint64 `json:"callee,omitempty"`
	ActiveCalls int64  `json:"active_calls"`
	Label       uint64 `json:"label"`
}

// CallSnapshot describes one queued call.
type CallSnapshot struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Sender  uint64    `json:"sender"`
	Method  string    `json:"method"`
	Args    [3]uint64 `json:"args"`
	Flags   uint32    `json:"flags"`
}

// TaskSnapshot is a point-in-time view of a task's IPC state.
type TaskSnapshot struct {
	ID          TaskID          `json:"id"`
	Name        string          `json:"name"`
	Caps        int             `json:"caps"`
	Phones      []PhoneSnapshot `json:"phones"`
	Calls       []CallSnapshot  `json:"calls"`
	Dispatched  []CallSnapshot  `json:"dispatched"`
	Answers     []CallSnapshot  `json:"answers"`
	IRQNotifs   int             `json:"irq_notifs"`
	ActiveCalls int64           `json:"active_calls"`
	Info        Info            `json:"info"`
}

// Snapshot returns the IPC state of task tid.
func (k *Kernel) Snapshot(tid TaskID) (*TaskSnapshot, error) {
	t, ok := k.Task(tid)
	if !ok {
		return nil, errno.ENOENT
	}

	snap := &TaskSnapshot{
		ID:     t.id,
		Name:   t.name,
		Caps:   t.caps.Count(),
		Phones: []PhoneSnapshot{},
		Info:   t.Info(),
	}

	t.caps.Apply(kobject.TypePhone, func(h cap.Handle) bool {
		kobj, err := t.caps.Get(h, kobject.TypePhone)
		if err != nil {
			return true
		}
		p := kobj.Object().(*Phone)
		p.mu.Lock()
		ps := PhoneSnapshot{
			Handle:      h.String(),
			State:       p.state.String(),
			ActiveCalls: p.activeCalls.Load(),
			Label:       p.label,
		}
		if p.state == PhoneConnected {
			ps.Callee = uint64(p.callee.task.id)
		}
		p.mu.Unlock()
		kobj.Put()

		snap.Phones = append(snap.Phones, ps)
		return true
	})

	box := t.box
	box.mu.Lock()
	snap.Calls = snapshotQueue(&box.calls)
	snap.Dispatched = snapshotQueue(&box.dispatched)
	snap.Answers = snapshotQueue(&box.answers)
	snap.IRQNotifs = box.irqNotifs.Len()
	box.mu.Unlock()
	snap.ActiveCalls = box.activeCalls.Load()

	return snap, nil
}

func snapshotQueue(q *list.List) []CallSnapshot {
	out := make([]CallSnapshot, 0, q.Len())
	for e := q.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Call)
		out = append(out, CallSnapshot{
			ID:      c.id.String(),
			Created: c.id.Created(),
			Sender:  uint64(c.Data.TaskID),
			Method:  MethodName(c.requestMethod),
			Args:    [3]uint64{c.Data.Args[1], c.Data.Args[2], c.Data.Args[3]},
			Flags:   uint32(c.flags),
		})
	}
	return out
}
