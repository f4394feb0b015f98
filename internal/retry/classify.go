package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
)

var transientPhrases = []string{
	"rate limit",
	"too many requests",
	"try again later",
	"temporary failure",
	"temporarily unavailable",
	"timeout",
	"timed out",
	"connection closed",
	"connection reset",
	"connection refused",
}

// IsRetryable reports whether err is worth another attempt. Explicit adapter
// classification wins. A 429 or 5xx status, a network error or a transient
// phrase in the error text each make err retryable, so a 4xx whose message
// asks the caller to slow down is retried too. The verdict depends only on err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrPermanent) {
		return false
	}
	if errors.Is(err, common.ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	status := common.HTTPStatusOf(err)
	if status == http.StatusTooManyRequests || (status >= 500 && status <= 599) {
		return true
	}
	if status == 0 && isNetworkError(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT, syscall.EPIPE} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
