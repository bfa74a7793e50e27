// Package errno defines the kernel error codes returned by IPC syscalls and
// carried as return values inside answered calls.
//
// An Errno implements error, so syscall entry points return a plain error
// (nil for EOK) and callers match codes with errors.Is:
//
//	if err := sys.CallAsyncFast(phone, 42, 1, 2, 3, 0); errors.Is(err, errno.ELIMIT) {
//		// back off
//	}
//
// Codes travel inside call payloads as machine words; use Word and FromWord
// to convert.
package errno

import (
	"errors"
	"fmt"
)

// Errno is a kernel error code.
type Errno int

const (
	EOK       Errno = 0
	EPERM     Errno = 1
	ENOENT    Errno = 2
	EINTR     Errno = 4
	EAGAIN    Errno = 11
	ENOMEM    Errno = 12
	EFAULT    Errno = 14
	EBUSY     Errno = 16
	EEXIST    Errno = 17
	EINVAL    Errno = 22
	EOVERFLOW Errno = 75
	ENOTSUP   Errno = 95
	ETIMEOUT  Errno = 110

	// IPC specific codes.
	ELIMIT   Errno = 257
	EHANGUP  Errno = 258
	EPARTY   Errno = 259
	EFORWARD Errno = 260
)

var names = map[Errno]string{
	EOK:       "EOK",
	EPERM:     "EPERM",
	ENOENT:    "ENOENT",
	EINTR:     "EINTR",
	EAGAIN:    "EAGAIN",
	ENOMEM:    "ENOMEM",
	EFAULT:    "EFAULT",
	EBUSY:     "EBUSY",
	EEXIST:    "EEXIST",
	EINVAL:    "EINVAL",
	EOVERFLOW: "EOVERFLOW",
	ENOTSUP:   "ENOTSUP",
	ETIMEOUT:  "ETIMEOUT",
	ELIMIT:    "ELIMIT",
	EHANGUP:   "EHANGUP",
	EPARTY:    "EPARTY",
	EFORWARD:  "EFORWARD",
}

var descriptions = map[Errno]string{
	EOK:       "no error",
	EPERM:     "operation not permitted",
	ENOENT:    "no such capability",
	EINTR:     "interrupted",
	EAGAIN:    "would block",
	ENOMEM:    "out of memory",
	EFAULT:    "bad user space address",
	EBUSY:     "resource busy",
	EEXIST:    "already exists",
	EINVAL:    "invalid argument",
	EOVERFLOW: "value overflow",
	ENOTSUP:   "not supported",
	ETIMEOUT:  "timed out",
	ELIMIT:    "limit exceeded",
	EHANGUP:   "connection hung up",
	EPARTY:    "answered by kernel on behalf of the recipient",
	EFORWARD:  "forwarding failed",
}

// String returns the symbolic name of the code.
func (e Errno) String() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Error implements error.
func (e Errno) Error() string {
	if d, ok := descriptions[e]; ok {
		return d
	}
	return e.String()
}

// Word encodes the code as a call argument word.
func (e Errno) Word() uint64 {
	return uint64(int64(e))
}

// FromWord decodes a return value word.
func FromWord(w uint64) Errno {
	return Errno(int64(w))
}

// Err converts a code into an error, mapping EOK to nil.
func (e Errno) Err() error {
	if e == EOK {
		return nil
	}
	return e
}

// Of extracts the kernel code from err. A nil error is EOK and an error that
// carries no code is reported as EINVAL.
func Of(err error) Errno {
	if err == nil {
		return EOK
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EINVAL
}
