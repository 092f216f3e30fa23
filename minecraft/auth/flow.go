package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/xeptore/mcauth/log"
)

type Mode string

const (
	ModeDevice   Mode = "device"
	ModeRedirect Mode = "redirect"
)

type State int

const (
	StateIdle State = iota
	StateInitiated
	StateExchanging
	StateSigningIntoXbl
	StateExchangingXsts
	StateFetchingBearer
	StateResolvingProfile
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateExchanging:
		return "exchanging"
	case StateSigningIntoXbl:
		return "signing_into_xbl"
	case StateExchangingXsts:
		return "exchanging_xsts"
	case StateFetchingBearer:
		return "fetching_bearer"
	case StateResolvingProfile:
		return "resolving_profile"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Committer persists the credentials a successful sign-in produced.
type Committer interface {
	CommitLogin(ctx context.Context, creds Credentials) error
}

type Notifier interface {
	Notify(message string)
}

// Handle is one sign-in attempt.
type Handle struct {
	ID uuid.UUID
	// URL is the page the user opens to sign in.
	URL string
	// UserCode is set for device sign-ins.
	UserCode  string
	ExpiresIn time.Duration
	Mode      Mode

	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	listener *RedirectListener
	done     chan struct{}

	mu        sync.Mutex
	state     State
	cancelled bool
	creds     *Credentials
	err       error
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() {
		h.state = s
	}
}

// Done is closed once the attempt reached a terminal state and released its resources.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) releaseListener() {
	if nil != h.listener {
		h.listener.Close() //nolint:errcheck
	}
}

// Orchestrator drives sign-in attempts. At most one attempt is active; beginning a new
// one cancels the previous one and waits for it to tear down.
type Orchestrator struct {
	client    *Client
	mode      Mode
	committer Committer
	notifier  Notifier
	logger    zerolog.Logger

	// beginMu serializes Begin calls. mu guards active and closed only and is never held
	// across a network call.
	beginMu sync.Mutex
	mu      sync.Mutex
	active  *Handle
	closed  bool
}

func NewOrchestrator(client *Client, mode Mode, committer Committer, notifier Notifier, logger zerolog.Logger) *Orchestrator {
	if mode == "" {
		mode = ModeDevice
	}
	return &Orchestrator{
		client:    client,
		mode:      mode,
		committer: committer,
		notifier:  notifier,
		logger:    logger.With().Str("module", "auth_flow").Logger(),
		beginMu:   sync.Mutex{},
		mu:        sync.Mutex{},
		active:    nil,
		closed:    false,
	}
}

// Begin starts a new sign-in attempt, replacing any attempt still in progress. For
// redirect sign-ins the listener is bound before the URL is returned. The device code
// request runs without holding the lock Cancel, Deliver and Active take, so those stay
// responsive while Begin waits on the provider.
func (o *Orchestrator) Begin(ctx context.Context) (*Handle, error) {
	o.beginMu.Lock()
	defer o.beginMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, cancelled(context.Canceled)
	}
	prev := o.active
	o.active = nil
	o.mu.Unlock()

	if nil != prev && o.cancel(prev) {
		o.logger.Info().Str("flow_id", prev.ID.String()).Msg("Replaced in-progress sign-in")
		o.notify("The previous sign-in was cancelled because a new one was started.")
	}

	flowCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		ID:        uuid.New(),
		URL:       "",
		UserCode:  "",
		ExpiresIn: 0,
		Mode:      o.mode,
		ctx:       flowCtx,
		cancel:    cancel,
		listener:  nil,
		done:      make(chan struct{}),
		mu:        sync.Mutex{},
		state:     StateIdle,
		cancelled: false,
		creds:     nil,
		err:       nil,
	}
	logger := o.logger.With().Str("flow_id", h.ID.String()).Str("mode", string(o.mode)).Logger()

	var obtain func(ctx context.Context) (*PrimaryToken, error)
	switch o.mode {
	case ModeRedirect:
		state := uuid.NewString()
		verifier := oauth2.GenerateVerifier()
		listener, err := ListenRedirect(state, o.logger)
		if nil != err {
			cancel()
			return nil, err
		}
		h.listener = listener
		h.URL = o.client.AuthorizationURL(listener.RedirectURI(), state, verifier)
		obtain = func(ctx context.Context) (*PrimaryToken, error) {
			var cb Callback
			select {
			case <-ctx.Done():
				return nil, cancelled(ctx.Err())
			case cb = <-listener.Callbacks():
			}
			if nil != cb.Err {
				return nil, cb.Err
			}
			h.setState(StateExchanging)
			return o.client.ExchangeCode(ctx, cb.Code, listener.RedirectURI(), verifier)
		}
	default:
		dc, err := o.client.RequestDeviceCode(ctx)
		if nil != err {
			cancel()
			return nil, err
		}
		h.URL = dc.URL()
		h.UserCode = dc.UserCode
		h.ExpiresIn = dc.ExpiresIn
		obtain = func(ctx context.Context) (*PrimaryToken, error) {
			h.setState(StateExchanging)
			return o.client.PollToken(ctx, dc)
		}
	}

	h.state = StateInitiated
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		h.releaseListener()
		return nil, cancelled(context.Canceled)
	}
	o.active = h
	o.mu.Unlock()
	logger.Debug().Msg("Sign-in initiated")
	go o.run(h, obtain, logger)
	return h, nil
}

func (o *Orchestrator) run(h *Handle, obtain func(ctx context.Context) (*PrimaryToken, error), logger zerolog.Logger) {
	defer close(h.done)
	defer h.releaseListener()
	defer h.cancel()

	creds, err := o.signIn(h, obtain, logger)

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.cancelled || nil != h.ctx.Err():
		h.state = StateCancelled
		h.err = cancelled(context.Canceled)
		logger.Debug().Msg("Sign-in cancelled")
		return
	case nil != err:
		h.state = StateFailed
		h.err = err
		logger.Error().Func(log.Flaw(err)).Msg("Sign-in failed")
		return
	}

	if err := o.committer.CommitLogin(h.ctx, *creds); nil != err {
		h.state = StateFailed
		h.err = err
		logger.Error().Func(log.Flaw(err)).Msg("Failed to store signed-in account")
		return
	}
	h.state = StateCompleted
	h.creds = creds
	logger.Info().Object("account", creds).Msg("Sign-in completed")
}

func (o *Orchestrator) signIn(h *Handle, obtain func(ctx context.Context) (*PrimaryToken, error), logger zerolog.Logger) (creds *Credentials, err error) {
	defer func() {
		if p := recover(); nil != p {
			logger.Error().Func(log.Panic(p)).Msg("Sign-in panicked")
			creds, err = nil, newError(KindMalformedResponse, fmt.Errorf("sign-in panicked: %v", p))
		}
	}()

	primary, err := obtain(h.ctx)
	if nil != err {
		return nil, err
	}
	return o.client.SignIn(h.ctx, primary, h.setState)
}

// Await blocks until the attempt ends or ctx is done. Returning because of ctx does not
// cancel the attempt.
func (o *Orchestrator) Await(ctx context.Context, h *Handle) (*Credentials, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creds, h.err
}

// Cancel stops the attempt and returns once its listener is closed and its goroutine has
// exited. Cancelling a finished attempt does nothing.
func (o *Orchestrator) Cancel(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel(h)
	if o.active == h {
		o.active = nil
	}
}

// cancel reports whether h was still running.
func (o *Orchestrator) cancel(h *Handle) bool {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		<-h.done
		return false
	}
	h.cancelled = true
	h.cancel()
	h.mu.Unlock()

	h.releaseListener()
	<-h.done
	return true
}

// Deliver forwards a redirect URL to the active redirect sign-in. It reports whether
// the URL completed the authorization step.
func (o *Orchestrator) Deliver(rawURL string) bool {
	o.mu.Lock()
	h := o.active
	o.mu.Unlock()
	if nil == h || nil == h.listener {
		return false
	}
	u, err := url.Parse(rawURL)
	if nil != err {
		o.logger.Debug().Err(err).Msg("Ignoring unparsable redirect")
		return false
	}
	return h.listener.Deliver(u.Query())
}

// Active returns the attempt in progress, if any.
func (o *Orchestrator) Active() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if nil == o.active || o.active.State().Terminal() {
		return nil
	}
	return o.active
}

// Close cancels the active attempt. Begin fails with ErrCancelled afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if nil != o.active {
		o.cancel(o.active)
		o.active = nil
	}
}

func (o *Orchestrator) notify(msg string) {
	if nil != o.notifier {
		o.notifier.Notify(msg)
	}
}
