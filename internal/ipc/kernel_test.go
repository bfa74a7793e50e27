package ipc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

func TestNewTaskConnectsPhone0(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	ns := newTestTask(t, k, "ns")
	k.SetPhone0(ns.Answerbox())

	a := newTestTask(t, k, "client")
	require.Equal(t, 1, a.Caps().Count())

	var phone0 cap.Handle
	a.Caps().Apply(kobject.TypePhone, func(h cap.Handle) bool {
		phone0 = h
		return false
	})
	p, err := a.Phone(phone0)
	require.NoError(t, err)
	defer p.Kobject().Put()
	assert.Equal(t, PhoneConnected, p.State())
	assert.Same(t, ns.Answerbox(), p.Callee())

	// phone 0 goes away with its owner
	k.DestroyTask(ns)
	b := newTestTask(t, k, "late")
	assert.Zero(t, b.Caps().Count())
}

func TestTasksOrderedByID(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	for _, name := range []string{"one", "two", "three"} {
		newTestTask(t, k, name)
	}

	tasks := k.Tasks()
	require.Len(t, tasks, 3)
	for i := 1; i < len(tasks); i++ {
		assert.Less(t, tasks[i-1].ID(), tasks[i].ID())
	}
	assert.Equal(t, int64(3), k.Metrics().Snapshot().TasksActive)

	got, ok := k.Task(tasks[1].ID())
	require.True(t, ok)
	assert.Equal(t, "two", got.Name())
}

func TestSnapshot(t *testing.T) {
	k := newTestKernel(t, DefaultLimits())
	a := newTestTask(t, k, "client")
	b := newTestTask(t, k, "server")
	p := connect(t, k, a, b)
	p.SetLabel(5)

	_, err := k.Snapshot(999)
	assert.ErrorIs(t, err, errno.ENOENT)

	before := time.Now().Truncate(time.Millisecond)
	send(t, k, p, newRequest(k, MDataRead, 0x1000, 0))

	sa, err := k.Snapshot(a.ID())
	require.NoError(t, err)
	require.Len(t, sa.Phones, 1)
	assert.Equal(t, "connected", sa.Phones[0].State)
	assert.Equal(t, uint64(b.ID()), sa.Phones[0].Callee)
	assert.Equal(t, int64(1), sa.Phones[0].ActiveCalls)
	assert.Equal(t, uint64(5), sa.Phones[0].Label)
	assert.Equal(t, int64(1), sa.ActiveCalls)

	sb, err := k.Snapshot(b.ID())
	require.NoError(t, err)
	require.Len(t, sb.Calls, 1)
	assert.Equal(t, "data_read", sb.Calls[0].Method)
	assert.Equal(t, uint64(a.ID()), sb.Calls[0].Sender)
	assert.False(t, sb.Calls[0].Created.Before(before))
	assert.False(t, sb.Calls[0].Created.After(time.Now()))
	assert.Empty(t, sb.Phones)

	raw, err := json.Marshal(sb)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"method":"data_read"`)
}
