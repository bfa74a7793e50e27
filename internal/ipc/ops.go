package ipc

// Ops are the per-method hooks run at fixed points of a call's life. Methods
// without registered ops get NullOps.
type Ops interface {
	// RequestPreprocess runs in the sender before the request is queued. An
	// error rejects the request.
	RequestPreprocess(call *Call, phone *Phone) error
	// RequestForget runs when the sender forgets the unanswered request.
	RequestForget(call *Call)
	// RequestProcess runs in the receiver when the request is picked up. It
	// reports whether the request goes on to user space.
	RequestProcess(call *Call, box *Answerbox) bool
	// AnswerCleanup runs instead of AnswerPreprocess when the sender has
	// forgotten the request.
	AnswerCleanup(answer *Call, old *Data)
	// AnswerPreprocess runs in the answerer. old is the request as it was
	// before the answer overwrote it.
	AnswerPreprocess(answerer *Task, answer *Call, old *Data) error
	// AnswerProcess runs in the sender when it picks the answer up.
	AnswerProcess(receiver *Task, answer *Call) error
}

// NullOps does nothing and delivers every request.
type NullOps struct{}

func (NullOps) RequestPreprocess(*Call, *Phone) error { return nil }
func (NullOps) RequestForget(*Call) {}
func (NullOps) RequestProcess(*Call, *Answerbox) bool { return true }
func (NullOps) AnswerCleanup(*Call, *Data) {}
func (NullOps) AnswerPreprocess(*Task, *Call, *Data) error { return nil }
func (NullOps) AnswerProcess(*Task, *Call) error { return nil }

// RegisterOps installs ops for method, replacing what was there.
func (k *Kernel) RegisterOps(method uint64, ops Ops) {
	k.opsMu.Lock()
	k.ops[method] = ops
	k.opsMu.Unlock()
}

func (k *Kernel) opsFor(method uint64) Ops {
	k.opsMu.RLock()
	ops, ok := k.ops[method]
	k.opsMu.RUnlock()
	if !ok {
		return NullOps{}
	}
	return ops
}
