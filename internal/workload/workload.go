// Package workload runs a small user-space protocol on top of the IPC
// syscalls: a name service answering on phone 0 and clients that exercise
// it with synchronous and asynchronous calls.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/synch"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/sysipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// Name service protocol.
const (
	// MethodAdd answers with arg1+arg2 in arg1.
	MethodAdd = ipc.FirstUser + iota
	// MethodPing echoes arg1.
	MethodPing
)

const (
	memBase = 0x1000
	memSize = 0x1000

	// buffers in every task's memory
	argsBuf = memBase
	waitBuf = memBase + 0x100
)

// Config sizes a client run.
type Config struct {
	Clients int
	Calls   int
}

// Stats counts what the clients observed.
type Stats struct {
	Sync     int64 `json:"sync"`
	Async    int64 `json:"async"`
	Answers  int64 `json:"answers"`
	Limited  int64 `json:"limited"`
	Failures int64 `json:"failures"`
}

type counters struct {
	sync, async, answers, limited, failures atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		Sync:     c.sync.Load(),
		Async:    c.async.Load(),
		Answers:  c.answers.Load(),
		Limited:  c.limited.Load(),
		Failures: c.failures.Load(),
	}
}

func newTask(k *ipc.Kernel, name string) (*sysipc.Syscalls, error) {
	mem := uspace.NewSparseMemory()
	if err := mem.Map(memBase, memSize); err != nil {
		return nil, err
	}
	t, err := k.NewTask(name, mem, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create task %s: %w", name, err)
	}
	return sysipc.New(k, t), nil
}

// NameService is the task every new task gets phone 0 to.
type NameService struct {
	k    *ipc.Kernel
	sys  *sysipc.Syscalls
	log  *zap.Logger
	done chan struct{}
	err  error
}

// StartNameService creates the name service task, makes it the target of
// phone 0 and starts answering its requests.
func StartNameService(k *ipc.Kernel, logger *zap.Logger) (*NameService, error) {
	sys, err := newTask(k, "ns")
	if err != nil {
		return nil, err
	}
	k.SetPhone0(sys.Task().Answerbox())

	ns := &NameService{
		k:    k,
		sys:  sys,
		log:  logger.Named("ns"),
		done: make(chan struct{}),
	}
	go func() {
		defer close(ns.done)
		ns.err = ns.serve()
	}()
	return ns, nil
}

// Task returns the name service task.
func (ns *NameService) Task() *ipc.Task { return ns.sys.Task() }

// Stop destroys the name service task and waits for its loop to exit.
func (ns *NameService) Stop() error {
	ns.k.DestroyTask(ns.sys.Task())
	<-ns.done
	return ns.err
}

func (ns *NameService) serve() error {
	for {
		err := ns.sys.WaitForCall(context.Background(), waitBuf, 0, synch.FlagsNone)
		select {
		case <-ns.sys.Task().Done():
			return nil
		default:
		}
		if err != nil {
			// undeliverable requests were already answered
			ns.log.Debug("Wait failed", zap.Error(err))
			continue
		}

		var rec uspace.CallRecord
		if err := uspace.CopyFrom(ns.sys.Task().Memory(), waitBuf, &rec); err != nil {
			return fmt.Errorf("failed to read call record: %w", err)
		}
		h := cap.Handle(rec.CapHandle)
		if h == cap.Nil {
			continue
		}
		ns.answer(h, &rec)
	}
}

func (ns *NameService) answer(h cap.Handle, rec *uspace.CallRecord) {
	var err error
	switch rec.IMethod {
	case MethodAdd:
		err = ns.sys.AnswerFast(h, errno.EOK, rec.Arg1+rec.Arg2, 0, 0, 0)
	case MethodPing:
		err = ns.sys.AnswerFast(h, errno.EOK, rec.Arg1, 0, 0, 0)
	case ipc.MPhoneHungup:
		err = ns.sys.AnswerFast(h, errno.EOK, 0, 0, 0, 0)
	default:
		err = ns.sys.AnswerFast(h, errno.ENOTSUP, 0, 0, 0, 0)
	}
	if err != nil {
		ns.log.Debug("Answer failed",
			zap.String("method", ipc.MethodName(rec.IMethod)),
			zap.Error(err),
		)
	}
}

// RunClients starts cfg.Clients tasks, each making cfg.Calls calls to the
// name service over phone 0, alternating synchronous adds and asynchronous
// pings. Clients are destroyed before RunClients returns.
func RunClients(ctx context.Context, k *ipc.Kernel, cfg Config, logger *zap.Logger) (Stats, error) {
	var c counters
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Clients; i++ {
		name := fmt.Sprintf("client-%d", i)
		g.Go(func() error {
			sys, err := newTask(k, name)
			if err != nil {
				return err
			}
			defer k.DestroyTask(sys.Task())

			cl := &client{sys: sys, c: &c, log: logger.Named(name)}
			return cl.run(ctx, cfg.Calls)
		})
	}

	err := g.Wait()
	return c.stats(), err
}

type client struct {
	sys         *sysipc.Syscalls
	c           *counters
	log         *zap.Logger
	outstanding int
}

func (cl *client) phone0() (cap.Handle, error) {
	h := cap.Nil
	cl.sys.Task().Caps().Apply(kobject.TypePhone, func(ph cap.Handle) bool {
		h = ph
		return false
	})
	if h == cap.Nil {
		return cap.Nil, errors.New("no phone to the name service")
	}
	return h, nil
}

func (cl *client) run(ctx context.Context, calls int) error {
	phone, err := cl.phone0()
	if err != nil {
		return err
	}

	for i := 0; i < calls; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i%2 == 0 {
			err = cl.add(ctx, phone, uint64(i))
		} else {
			err = cl.ping(ctx, phone, uint64(i))
		}
		if err != nil {
			return err
		}
	}

	for cl.outstanding > 0 {
		if err := cl.collect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (cl *client) add(ctx context.Context, phone cap.Handle, n uint64) error {
	mem := cl.sys.Task().Memory()
	req := uspace.ArgsRecord{IMethod: MethodAdd, Arg1: n, Arg2: 1}
	if err := uspace.CopyTo(mem, argsBuf, &req); err != nil {
		return err
	}
	if err := cl.sys.CallSync(ctx, phone, argsBuf); err != nil {
		return fmt.Errorf("sync call: %w", err)
	}
	cl.c.sync.Add(1)

	var ans uspace.ArgsRecord
	if err := uspace.CopyFrom(mem, argsBuf, &ans); err != nil {
		return err
	}
	if errno.FromWord(ans.IMethod) != errno.EOK || ans.Arg1 != n+1 {
		cl.c.failures.Add(1)
		cl.log.Warn("Unexpected answer",
			zap.String("retval", errno.FromWord(ans.IMethod).String()),
			zap.Uint64("sum", ans.Arg1),
		)
	}
	return nil
}

func (cl *client) ping(ctx context.Context, phone cap.Handle, n uint64) error {
	for {
		err := cl.sys.CallAsyncFast(phone, MethodPing, n, 0, 0, 0)
		if err == nil {
			cl.c.async.Add(1)
			cl.outstanding++
			return nil
		}
		if !errors.Is(err, errno.ELIMIT) {
			return fmt.Errorf("async call: %w", err)
		}
		// too many unanswered calls on the phone; reap one and retry
		cl.c.limited.Add(1)
		if err := cl.collect(ctx); err != nil {
			return err
		}
	}
}

// collect waits for one answer to an asynchronous call.
func (cl *client) collect(ctx context.Context) error {
	if err := cl.sys.WaitForCall(ctx, waitBuf, 0, synch.FlagsNone); err != nil {
		return fmt.Errorf("wait for answer: %w", err)
	}
	var rec uspace.CallRecord
	if err := uspace.CopyFrom(cl.sys.Task().Memory(), waitBuf, &rec); err != nil {
		return err
	}
	if rec.Flags&uint64(ipc.FlagAnswered) == 0 {
		return fmt.Errorf("unexpected request %s", ipc.MethodName(rec.IMethod))
	}

	cl.outstanding--
	cl.c.answers.Add(1)
	if errno.FromWord(rec.IMethod) != errno.EOK {
		cl.c.failures.Add(1)
	}
	return nil
}
