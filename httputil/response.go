package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

// maxBodySize bounds every identity provider response; none of them come close.
const maxBodySize = 1 << 20

// ReadResponseBody reads at most maxBodySize bytes of the body. An empty body is not an
// error; callers decide what an empty answer means for their step.
func ReadResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to read response body: %v", err)).Append(flawP)
		}
	}
	return respBody, nil
}

// OAuthError is the RFC 6749 §5.2 error response shape.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	ErrorCodes  []int  `json:"error_codes"`
}

// DecodeOAuthError decodes b as an OAuth error body. ok is false when b is not one.
func DecodeOAuthError(b []byte) (out OAuthError, ok bool) {
	if err := json.Unmarshal(b, &out); nil != err {
		return OAuthError{}, false
	}
	return out, out.Code != ""
}

func IsSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
