package workload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

func startNameService(t *testing.T, limits ipc.Limits) (*ipc.Kernel, *NameService) {
	t.Helper()
	k := ipc.NewKernel(limits, zaptest.NewLogger(t), nil)
	t.Cleanup(k.Shutdown)

	ns, err := StartNameService(k, zaptest.NewLogger(t))
	require.NoError(t, err)
	return k, ns
}

func TestRunClients(t *testing.T) {
	limits := ipc.DefaultLimits()
	limits.MaxAsyncCalls = 2
	k, ns := startNameService(t, limits)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := RunClients(ctx, k, Config{Clients: 4, Calls: 50}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, int64(4*25), stats.Sync)
	assert.Equal(t, int64(4*25), stats.Async)
	assert.Equal(t, stats.Async, stats.Answers)
	assert.Zero(t, stats.Failures)

	// only the name service is left
	require.Len(t, k.Tasks(), 1)
	assert.Same(t, ns.Task(), k.Tasks()[0])
	assert.NoError(t, ns.Stop())
	assert.Empty(t, k.Tasks())
}

func TestNameServiceRejectsUnknownMethod(t *testing.T) {
	k, ns := startNameService(t, ipc.DefaultLimits())
	defer func() { assert.NoError(t, ns.Stop()) }()

	sys, err := newTask(k, "client")
	require.NoError(t, err)
	defer k.DestroyTask(sys.Task())

	cl := &client{sys: sys}
	phone, err := cl.phone0()
	require.NoError(t, err)

	mem := sys.Task().Memory()
	require.NoError(t, uspace.CopyTo(mem, argsBuf, &uspace.ArgsRecord{IMethod: ipc.FirstUser + 100}))
	require.NoError(t, sys.CallSync(context.Background(), phone, argsBuf))

	var ans uspace.ArgsRecord
	require.NoError(t, uspace.CopyFrom(mem, argsBuf, &ans))
	assert.Equal(t, errno.ENOTSUP, errno.FromWord(ans.IMethod))
}

func TestClientWithoutPhone0(t *testing.T) {
	k := ipc.NewKernel(ipc.DefaultLimits(), zaptest.NewLogger(t), nil)
	t.Cleanup(k.Shutdown)

	sys, err := newTask(k, "orphan")
	require.NoError(t, err)

	cl := &client{sys: sys}
	h, err := cl.phone0()
	assert.Error(t, err)
	assert.Equal(t, cap.Nil, h)
}
