package errutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
)

func IsContext(ctx context.Context) bool {
	err := ctx.Err()
	return nil != err && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// IsTransientStatus reports whether a response status is worth retrying.
func IsTransientStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// IsTransport reports whether err came from the network layer rather than from a
// provider answer.
func IsTransport(err error) bool {
	if urlErr := new(url.Error); errors.As(err, &urlErr) {
		return true
	}
	if netErr := net.Error(nil); errors.As(err, &netErr) {
		return true
	}
	return false
}
