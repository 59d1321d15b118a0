package media

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a failure for reporting and exit status mapping.
type Kind int

// Error kinds.
const (
	KindUnknown   Kind = iota
	KindPreflight      // argument or file checks before any container is opened
	KindOpen           // opening or probing the input container
	KindAlloc          // allocating the output container, a stream, or side data
	KindIO             // output I/O: create, header bytes, trailer
	KindInvalid        // stream configuration the container cannot represent
	KindRead           // reading a packet from the input
	KindWrite          // writing a packet to the output
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPreflight:
		return "preflight"
	case KindOpen:
		return "open"
	case KindAlloc:
		return "alloc"
	case KindIO:
		return "io"
	case KindInvalid:
		return "invalid"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Numeric error codes. Codes are negative; errno-derived codes are -errno.
const (
	CodePreflight  = -1
	CodeNotFound   = -int(syscall.ENOENT)
	CodeIO         = -int(syscall.EIO)
	CodeNoMemory   = -int(syscall.ENOMEM)
	CodePermission = -int(syscall.EACCES)
	CodeInvalid    = -int(syscall.EINVAL)

	// Tagged codes, compatible with the libavutil values.
	CodeInvalidData     = -0x41444E49 // 'I','N','D','A'
	CodeDemuxerNotFound = -0x4D4544F8 // 0xF8,'D','E','M'
	CodeMuxerNotFound   = -0x58554DF8 // 0xF8,'M','U','X'
	CodeEndOfFile       = -0x20464F45 // 'E','O','F',' '
)

var codeText = map[int]string{
	CodePreflight:       "Operation not permitted",
	CodeInvalidData:     "Invalid data found when processing input",
	CodeDemuxerNotFound: "Demuxer not found",
	CodeMuxerNotFound:   "Muxer not found",
	CodeEndOfFile:       "End of file",
}

// ErrorText returns a human-readable description of a numeric error code.
func ErrorText(code int) string {
	if text, ok := codeText[code]; ok {
		return text
	}
	if code < 0 && code > -4096 {
		return syscall.Errno(-code).Error()
	}
	return fmt.Sprintf("Error number %d occurred", code)
}

// Error is a typed container-layer failure.
type Error struct {
	Kind Kind
	// Op describes the failing operation, e.g. "could not open input file".
	Op   string
	Code int
	Err  error
}

// NewError wraps err as a typed error. The code is derived from a wrapped
// syscall.Errno when present, otherwise from the kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: codeFor(kind, err), Err: err}
}

// NewErrorCode wraps err with an explicit code.
func NewErrorCode(kind Kind, op string, code int, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// Error returns "<op>: <code text>" followed by the cause.
func (e *Error) Error() string {
	msg := e.Op + ": " + ErrorText(e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func codeFor(kind Kind, err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	switch kind {
	case KindPreflight:
		return CodePreflight
	case KindOpen, KindRead:
		return CodeInvalidData
	case KindAlloc:
		return CodeNoMemory
	case KindInvalid:
		return CodeInvalid
	default:
		return CodeIO
	}
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Kind == kind
}

// ExitCode maps an error to a process exit status: 0 for nil, the error code
// for typed errors, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return 1
}
