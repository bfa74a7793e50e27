package uspace

// ArgsRecord is the six-word payload read by the slow syscall variants:
// the interface+method selector followed by five generic arguments. On
// answers the first word carries the return value instead.
type ArgsRecord struct {
	IMethod uint64
	Arg1    uint64
	Arg2    uint64
	Arg3    uint64
	Arg4    uint64
	Arg5    uint64
}

// CallRecord is what wait-for-call stores into the receiver's buffer.
type CallRecord struct {
	IMethod   uint64
	Arg1      uint64
	Arg2      uint64
	Arg3      uint64
	Arg4      uint64
	Arg5      uint64
	Label     uint64
	Flags     uint64
	CapHandle uint64
	PhoneHash uint64
	TaskID    uint64
}

// IRQCodeHeader precedes the top-half program passed to IRQ subscribe.
type IRQCodeHeader struct {
	CmdCount uint64
	CmdsAddr uint64
}

// IRQCmdRecord is one top-half pseudo-code command.
type IRQCmdRecord struct {
	Cmd      uint32
	SrcArg   uint32
	DstArg   uint32
	Reserved uint32
	Addr     uint64
	Value    uint64
}

// WordRecord carries a single machine word, such as a task ID or a
// capability handle.
type WordRecord struct {
	Value uint64
}
