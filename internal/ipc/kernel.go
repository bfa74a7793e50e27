package ipc

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// Limits are the tunables of the IPC core.
type Limits struct {
	// MaxAsyncCalls bounds the unanswered asynchronous calls per phone.
	MaxAsyncCalls int64
	// MaxCaps bounds the capability table of every task.
	MaxCaps int
	// DataXferLimit bounds a single data read or write.
	DataXferLimit uint64
	// LastIRQ is the highest IRQ number tasks may subscribe to.
	LastIRQ int
	// IRQNotifRate bounds notifications per second and subscription. Zero
	// means unlimited.
	IRQNotifRate  float64
	IRQNotifBurst int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAsyncCalls: 4,
		MaxCaps:       1024,
		DataXferLimit: 64 * 1024,
		LastIRQ:       255,
		IRQNotifBurst: 16,
	}
}

func (l Limits) notifLimit() rate.Limit {
	if l.IRQNotifRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(l.IRQNotifRate)
}

// Kernel owns every task, the method ops registry and the IRQ subscriptions.
type Kernel struct {
	id      id.KernelID
	limits  Limits
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	tasks  map[TaskID]*Task
	lastID TaskID
	phone0 *Answerbox

	opsMu sync.RWMutex
	ops   map[uint64]Ops

	irqMu      sync.Mutex
	irqs       map[int]*Irq
	controller IRQController
}

// NewKernel creates a kernel with the built-in method ops registered. A nil
// metrics collector gets a private one.
func NewKernel(limits Limits, logger *zap.Logger, metrics *monitoring.Metrics) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	k := &Kernel{
		id:      id.NewKernelID(),
		limits:  limits,
		metrics: metrics,
		tasks:   make(map[TaskID]*Task),
		ops:     make(map[uint64]Ops),
		irqs:    make(map[int]*Irq),
	}
	k.log = logger.Named("ipc").With(zap.String("kernel", k.id.String()))

	k.RegisterOps(MConnectToMe, connectToMeOps{})
	k.RegisterOps(MConnectMeTo, connectMeToOps{})
	k.RegisterOps(MDataWrite, dataWriteOps{k: k})
	k.RegisterOps(MDataRead, dataReadOps{k: k})

	k.log.Info("IPC kernel initialized",
		zap.Int64("max_async_calls", limits.MaxAsyncCalls),
		zap.Int("max_caps", limits.MaxCaps),
		zap.Uint64("data_xfer_limit", limits.DataXferLimit),
		zap.Int("last_irq", limits.LastIRQ),
	)
	return k
}

// ID returns the kernel instance ID.
func (k *Kernel) ID() id.KernelID { return k.id }

// Limits returns the configured limits.
func (k *Kernel) Limits() Limits { return k.limits }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.log }

// Metrics returns the kernel metrics.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }

// SetPhone0 makes box the answerbox every new task gets phone 0 connected
// to.
func (k *Kernel) SetPhone0(box *Answerbox) {
	k.mu.Lock()
	k.phone0 = box
	k.mu.Unlock()
}

// NewTask creates a task. When phone 0 is set, the task's first capability
// is a phone connected to it.
func (k *Kernel) NewTask(name string, mem uspace.Memory, perms Perm) (*Task, error) {
	k.mu.Lock()
	k.lastID++
	t := &Task{
		id:     k.lastID,
		name:   name,
		kernel: k,
		caps:   cap.NewTable(k.limits.MaxCaps),
		perms:  perms,
		mem:    mem,
	}
	t.box = newAnswerbox(t)
	t.ctx, t.kill = context.WithCancel(context.Background())
	t.log = k.log.With(zap.Uint64("task", uint64(t.id)), zap.String("task_name", name))
	k.tasks[t.id] = t
	phone0 := k.phone0
	k.mu.Unlock()
	k.metrics.AddTasksActive(1)

	if phone0 != nil {
		h, p, err := t.PhoneAlloc(true)
		if err != nil {
			k.DestroyTask(t)
			return nil, err
		}
		if !p.Connect(phone0) {
			t.log.Warn("Phone 0 answerbox is gone", zap.Stringer("handle", h))
		}
	}

	t.log.Debug("Task created")
	return t, nil
}

// Task looks a task up by ID.
func (k *Kernel) Task(tid TaskID) (*Task, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	t, ok := k.tasks[tid]
	return t, ok
}

// Tasks returns every live task ordered by ID.
func (k *Kernel) Tasks() []*Task {
	k.mu.RLock()
	tasks := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		tasks = append(tasks, t)
	}
	k.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

// Connect gives from a new phone connected to to's answerbox. It stands in
// for the naming service handshake that normally sets connections up.
func (k *Kernel) Connect(from, to *Task, label uint64) (cap.Handle, error) {
	h, p, err := from.PhoneAlloc(true)
	if err != nil {
		return cap.Nil, err
	}
	p.SetLabel(label)
	if !p.Connect(to.box) {
		from.PhoneDealloc(h)
		return cap.Nil, errno.ENOENT
	}
	return h, nil
}

// DestroyTask tears t down and removes it from the kernel. It returns once
// every answer to t's own requests has arrived.
func (k *Kernel) DestroyTask(t *Task) {
	k.mu.Lock()
	_, live := k.tasks[t.id]
	delete(k.tasks, t.id)
	if k.phone0 == t.box {
		k.phone0 = nil
	}
	k.mu.Unlock()

	if !live {
		return
	}

	k.cleanup(t)
	k.metrics.AddTasksActive(-1)
	t.log.Debug("Task destroyed")
}

// Shutdown destroys every task.
func (k *Kernel) Shutdown() {
	for _, t := range k.Tasks() {
		k.DestroyTask(t)
	}
	k.log.Info("IPC kernel shut down")
}
