package api

import (
	"errors"
	"fmt"
)

// Failure codes. Semantic, not transport-specific; adapters map them to
// errno, HTTP, or gRPC as needed.
const (
	CodeInvalidArgument = "invalid-argument"
	CodeOutOfMemory     = "out-of-memory"
	CodeHandleNotFound  = "handle-not-found"
	CodePeerUnreachable = "peer-unreachable"
	CodeFault           = "fault"
)

// Failure captures transport-neutral error details that adapters can map to
// whatever surface they expose.
type Failure struct {
	Code   string
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// InvalidArgument builds an invalid-argument failure.
func InvalidArgument(format string, args ...any) *Failure {
	return &Failure{Code: CodeInvalidArgument, Detail: fmt.Sprintf(format, args...)}
}

// OutOfMemory builds an out-of-memory failure.
func OutOfMemory(format string, args ...any) *Failure {
	return &Failure{Code: CodeOutOfMemory, Detail: fmt.Sprintf(format, args...)}
}

// HandleNotFound builds a handle-not-found failure.
func HandleNotFound(format string, args ...any) *Failure {
	return &Failure{Code: CodeHandleNotFound, Detail: fmt.Sprintf(format, args...)}
}

// PeerUnreachable builds a peer-unreachable failure.
func PeerUnreachable(format string, args ...any) *Failure {
	return &Failure{Code: CodePeerUnreachable, Detail: fmt.Sprintf(format, args...)}
}

// Fault builds a fault failure for caller-memory access errors.
func Fault(format string, args ...any) *Failure {
	return &Failure{Code: CodeFault, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" when err carries none.
func CodeOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsCode reports whether err carries the given failure code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
