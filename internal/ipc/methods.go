package ipc

// System methods.
const (
	// MPhoneHungup notifies the callee that a phone was hung up. It is
	// meant for the original recipient only.
	MPhoneHungup uint64 = iota
	// MConnectToMe asks the recipient to take a callback phone to the
	// sender's answerbox.
	MConnectToMe
	// MConnectMeTo asks the recipient for a new phone to its answerbox.
	MConnectMeTo
	MPageIn
	MShareOut
	MShareIn
	// MDataWrite transfers a buffer from the sender to the recipient.
	MDataWrite
	// MDataRead transfers a buffer from the recipient to the sender.
	MDataRead
	MDebug
	MStateChangeAuthorize
)

const (
	// LastSystem is the highest system method.
	LastSystem uint64 = 511
	// FirstUser is the lowest method available to user protocols.
	FirstUser uint64 = 1024
)

var methodNames = map[uint64]string{
	MPhoneHungup:          "phone_hungup",
	MConnectToMe:          "connect_to_me",
	MConnectMeTo:          "connect_me_to",
	MPageIn:               "page_in",
	MShareOut:             "share_out",
	MShareIn:              "share_in",
	MDataWrite:            "data_write",
	MDataRead:             "data_read",
	MDebug:                "debug",
	MStateChangeAuthorize: "state_change_authorize",
}

// MethodName returns a readable name for logs.
func MethodName(m uint64) string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	if MethodIsSystem(m) {
		return "system"
	}
	return "user"
}

// MethodIsSystem reports whether m is reserved for kernel-recognized
// semantics.
func MethodIsSystem(m uint64) bool {
	return m <= LastSystem
}

// MethodIsForwardable reports whether a request with method m may be
// forwarded.
func MethodIsForwardable(m uint64) bool {
	return m != MPhoneHungup
}

// MethodIsImmutable reports whether a forward must leave the payload of a
// request with method m untouched.
func MethodIsImmutable(m uint64) bool {
	switch m {
	case MPageIn, MShareOut, MShareIn, MDataWrite, MDataRead, MStateChangeAuthorize:
		return true
	default:
		return false
	}
}

// AnswerNeedOld reports whether answering call needs a copy of the request
// data for answer preprocessing.
func AnswerNeedOld(call *Call) bool {
	switch m := call.Data.Args.IMethod(); m {
	case MConnectToMe, MConnectMeTo:
		return true
	default:
		return MethodIsImmutable(m)
	}
}
