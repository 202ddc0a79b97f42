package download

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind classifies task failures
type ErrorKind int

const (
	KindInvalidResource ErrorKind = iota
	KindProtocol
	KindTransport
	KindStaleResume
	KindCancelled
	KindFilesystem
	KindInsufficientSpace
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidResource:
		return "invalid_resource"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindStaleResume:
		return "stale_resume"
	case KindCancelled:
		return "cancelled"
	case KindFilesystem:
		return "filesystem"
	case KindInsufficientSpace:
		return "insufficient_space"
	default:
		return "unknown"
	}
}

// Error codes carried in ErrorInfo. Protocol errors use the HTTP status.
const (
	CodeInvalidResource   = -2000
	CodeFilesystem        = -3000
	CodeInsufficientSpace = -3001
	CodeCancelled         = -999
	CodeTimeout           = -1001
	CodeHostNotFound      = -1003
	CodeConnectionLost    = -1005
	CodeTLS               = -1200
	CodeUnknownTransport  = -1
)

var (
	// ErrSchedulerClosed is returned after Close
	ErrSchedulerClosed = errors.New("scheduler is closed")
	// ErrInvalidLimit is returned for a concurrency limit below one
	ErrInvalidLimit = errors.New("max concurrent downloads must be at least 1")
	// ErrInvalidReachability is returned for an unknown reachability value
	ErrInvalidReachability = errors.New("invalid reachability")

	errAborted = errors.New("transfer aborted")
)

// TaskError is the structured failure reported for a task
type TaskError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func invalidResourceError(rawURL string, err error) *TaskError {
	return &TaskError{Kind: KindInvalidResource, Code: CodeInvalidResource, Message: "The url is invalid: " + rawURL, Err: err}
}

func protocolError(status int) *TaskError {
	return &TaskError{Kind: KindProtocol, Code: status, Message: "Unexpected response status: " + http.StatusText(status)}
}

func cancelledError() *TaskError {
	return &TaskError{Kind: KindCancelled, Code: CodeCancelled, Message: "The task was cancelled"}
}

func filesystemError(op string, err error) *TaskError {
	return &TaskError{Kind: KindFilesystem, Code: CodeFilesystem, Message: "Failed to " + op, Err: err}
}

func insufficientSpaceError(need, free uint64) *TaskError {
	return &TaskError{
		Kind:    KindInsufficientSpace,
		Code:    CodeInsufficientSpace,
		Message: fmt.Sprintf("Not enough disk space: need %d bytes, %d available", need, free),
	}
}

// transportError maps a network failure to a stable code
func transportError(err error) *TaskError {
	te := &TaskError{Kind: KindTransport, Code: CodeUnknownTransport, Message: "Network error", Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordErr tls.RecordHeaderError

	switch {
	case errors.As(err, &dnsErr):
		te.Code, te.Message = CodeHostNotFound, "Host not found"
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostnameErr), errors.As(err, &recordErr):
		te.Code, te.Message = CodeTLS, "Secure connection failed"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		te.Code, te.Message = CodeTimeout, "The request timed out"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, net.ErrClosed):
		te.Code, te.Message = CodeConnectionLost, "The network connection was lost"
	}
	return te
}

// errorInfo converts err into the persisted form
func errorInfo(err error) (code int, message string) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code, te.Message
	}
	return CodeUnknownTransport, err.Error()
}
