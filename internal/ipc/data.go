package ipc

import (
	"github.com/GriffinCanCode/AgentOS/ipc/internal/cap"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/uspace"
)

// CallLen is the number of payload words in a call.
const CallLen = 6

// Args is a call payload. Word 0 is the interface+method selector on
// requests and the return value on answers.
type Args [CallLen]uint64

// IMethod returns the interface+method selector.
func (a *Args) IMethod() uint64 { return a[0] }

// SetIMethod sets the interface+method selector.
func (a *Args) SetIMethod(m uint64) { a[0] = m }

// Retval returns the return value of an answer.
func (a *Args) Retval() errno.Errno { return errno.FromWord(a[0]) }

// SetRetval sets the return value of an answer.
func (a *Args) SetRetval(e errno.Errno) { a[0] = e.Word() }

// Arg returns generic argument n, 1 through 5.
func (a *Args) Arg(n int) uint64 { return a[n] }

// SetArg sets generic argument n, 1 through 5.
func (a *Args) SetArg(n int, v uint64) { a[n] = v }

// ArgsFromRecord converts a user space payload record.
func ArgsFromRecord(r *uspace.ArgsRecord) Args {
	return Args{r.IMethod, r.Arg1, r.Arg2, r.Arg3, r.Arg4, r.Arg5}
}

// Record converts the payload into its user space layout.
func (a *Args) Record() uspace.ArgsRecord {
	return uspace.ArgsRecord{
		IMethod: a[0],
		Arg1:    a[1],
		Arg2:    a[2],
		Arg3:    a[3],
		Arg4:    a[4],
		Arg5:    a[5],
	}
}

// CallFlags describe the state of a call as seen by the receiver.
type CallFlags uint32

const (
	FlagAnswered CallFlags = 1 << iota
	FlagForwarded
	FlagDiscardAnswer
	FlagNotif
	FlagAutoReply
)

// Data is the part of a call that travels to user space.
type Data struct {
	Args      Args
	Label     uint64
	Flags     CallFlags
	CapHandle cap.Handle
	// PhoneHash identifies the phone the request arrived through. For IRQ
	// notifications it carries the notification counter instead.
	PhoneHash uint64
	// TaskID is the sender on requests and the answering task on answers.
	TaskID TaskID
}

// Record converts the data into the wait-for-call output layout.
func (d *Data) Record() uspace.CallRecord {
	return uspace.CallRecord{
		IMethod:   d.Args[0],
		Arg1:      d.Args[1],
		Arg2:      d.Args[2],
		Arg3:      d.Args[3],
		Arg4:      d.Args[4],
		Arg5:      d.Args[5],
		Label:     d.Label,
		Flags:     uint64(d.Flags),
		CapHandle: uint64(d.CapHandle),
		PhoneHash: d.PhoneHash,
		TaskID:    uint64(d.TaskID),
	}
}
