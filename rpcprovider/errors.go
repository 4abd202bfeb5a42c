package rpcprovider

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies a provider error into one of a small set of
// buckets: NetworkError, ServerError and UnsupportedOperation are
// fatal and propagate to the caller's reject handler; Timeout is
// swallowed; everything else is logged and ignored.
type ErrorKind uint8

const (
	Other ErrorKind = iota
	NetworkError
	ServerError
	UnsupportedOperation
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "NETWORK_ERROR"
	case ServerError:
		return "SERVER_ERROR"
	case UnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	case Timeout:
		return "TIMEOUT"
	default:
		return "OTHER"
	}
}

// Fatal reports whether this error kind should propagate to a reject
// handler and trigger listener detach.
func (k ErrorKind) Fatal() bool {
	switch k {
	case NetworkError, ServerError, UnsupportedOperation:
		return true
	default:
		return false
	}
}

// Classify inspects a provider-surfaced error and buckets it into one
// of the kinds above. There is no single canonical error type across
// go-ethereum RPC transports, so this unwraps known stdlib/transport
// errors first, then falls back to substring matching on the
// rpc.Error surface for transports that only report a message string.
func Classify(err error) ErrorKind {
	if err == nil {
		return Other
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NetworkError
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		switch {
		case code >= -32099 && code <= -32000:
			return ServerError
		case code == -32601 || code == -32600:
			return UnsupportedOperation
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return Timeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host"):
		return NetworkError
	case strings.Contains(msg, "method not found") || strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return UnsupportedOperation
	case strings.Contains(msg, "internal error") || strings.Contains(msg, "server error"):
		return ServerError
	default:
		return Other
	}
}
