package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

const (
	CallbackPath            = "/callback"
	callbackShutdownTimeout = 2 * time.Second
)

const callbackPage = `<!doctype html><html><head><meta charset="utf-8"><title>Signed in</title></head>` +
	`<body><p>Sign-in received. You can close this window and return to the launcher.</p></body></html>`

// Callback is what the redirect listener forwards: either a code or the reason there
// is none.
type Callback struct {
	Code string
	Err  error
}

// RedirectListener accepts the authorization redirect on a loopback port. It forwards
// at most one callback and stops listening after it.
type RedirectListener struct {
	state     string
	ln        net.Listener
	srv       *http.Server
	callbacks chan Callback
	delivered sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	served    chan struct{}
	logger    zerolog.Logger
}

// ListenRedirect binds an ephemeral loopback port and starts serving. Only redirects
// carrying state are accepted.
func ListenRedirect(state string, logger zerolog.Logger) (*RedirectListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, newError(KindNetwork, flaw.From(fmt.Errorf("failed to bind redirect listener: %v", err)).Append(flawP))
	}

	l := &RedirectListener{
		state:     state,
		ln:        ln,
		srv:       nil,
		callbacks: make(chan Callback, 1),
		delivered: sync.Once{},
		closeOnce: sync.Once{},
		closed:    make(chan struct{}),
		served:    make(chan struct{}),
		logger:    logger.With().Str("module", "redirect_listener").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, l.handleCallback)
	l.srv = &http.Server{ //nolint:exhaustruct
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer close(l.served)
		if err := l.srv.Serve(ln); nil != err && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("Redirect listener stopped unexpectedly")
		}
	}()
	l.logger.Debug().Int("port", l.Port()).Msg("Redirect listener started")
	return l, nil
}

func (l *RedirectListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert
}

func (l *RedirectListener) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", l.Port(), CallbackPath)
}

// Callbacks yields the single accepted callback.
func (l *RedirectListener) Callbacks() <-chan Callback {
	return l.callbacks
}

// Deliver feeds a redirect that reached the launcher by another route, such as an
// embedded browser view. It reports whether the redirect was accepted.
func (l *RedirectListener) Deliver(q url.Values) bool {
	accepted := l.accept(q)
	if accepted {
		go l.Close() //nolint:errcheck
	}
	return accepted
}

func (l *RedirectListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !l.accept(r.URL.Query()) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(callbackPage)); nil != err {
		l.logger.Debug().Err(err).Msg("Failed to write callback page")
	}
	go l.Close() //nolint:errcheck
}

// accept forwards the first redirect that matches the state and carries a code or a
// user denial. Everything else is ignored and leaves the flow waiting.
func (l *RedirectListener) accept(q url.Values) bool {
	if q.Get("state") != l.state {
		l.logger.Debug().Msg("Ignoring redirect with mismatched state")
		return false
	}

	var cb Callback
	switch {
	case q.Get("code") != "":
		cb = Callback{Code: q.Get("code"), Err: nil}
	case q.Get("error") == "access_denied":
		cb = Callback{Code: "", Err: newError(KindAuthorizationDeclined, errors.New(q.Get("error_description")))}
	case q.Get("error") != "":
		l.logger.
			Debug().
			Str("oauth_error", q.Get("error")).
			Str("oauth_error_description", q.Get("error_description")).
			Msg("Ignoring redirect carrying a provider error")
		return false
	default:
		return false
	}

	accepted := false
	l.delivered.Do(func() {
		l.callbacks <- cb
		accepted = true
	})
	if !accepted {
		l.logger.Debug().Msg("Ignoring duplicate redirect")
	}
	return accepted
}

// Close stops the listener and returns once the port is released. It is safe to call
// more than once and from any goroutine.
func (l *RedirectListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		defer close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()
		if shutdownErr := l.srv.Shutdown(ctx); nil != shutdownErr {
			err = l.srv.Close()
		}
		<-l.served
		l.logger.Debug().Msg("Redirect listener stopped")
	})
	<-l.closed
	return err
}
