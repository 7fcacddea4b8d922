package chain

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrRangeTooLarge marks a provider refusal of a too-wide log query. Callers
// shrink their scan window instead of treating it as connectivity loss.
var ErrRangeTooLarge = errors.New("query range too large")

// rangeTooLargeSignatures are provider error messages that mean the requested
// block range produced more results than the node is willing to return.
var rangeTooLargeSignatures = []string{
	"query returned more than",
	"block range is too wide",
	"exceeds max results",
}

// IsRangeTooLarge reports whether err is a result-set-too-large refusal.
// A timed-out log fetch counts too: the usual cause is a range the provider
// cannot answer in time, and shrinking is the productive response.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rangeTooLargeSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsFilterNotFound reports whether the provider dropped the filter handle,
// which happens routinely on node restarts and load balancers.
func IsFilterNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "filter not found")
}

// IsExpectedNetworkFault reports whether err is a known transient transport
// fault: recovered locally by reconnecting, never escalated.
func IsExpectedNetworkFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"websocket: close",
		"use of closed network connection",
		"i/o timeout",
		"handshake",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
