package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/oauth2"

	"github.com/xeptore/mcauth/errutil"
	"github.com/xeptore/mcauth/httputil"
	"github.com/xeptore/mcauth/retry"
)

// Endpoints are the identity provider URLs the sign-in chain talks to.
type Endpoints struct {
	DeviceCode  string
	Authorize   string
	Token       string
	XboxLive    string
	XSTS        string
	GameLogin   string
	GameProfile string
}

var DefaultEndpoints = Endpoints{
	DeviceCode:  "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode",
	Authorize:   "https://login.microsoftonline.com/consumers/oauth2/v2.0/authorize",
	Token:       "https://login.microsoftonline.com/consumers/oauth2/v2.0/token",
	XboxLive:    "https://user.auth.xboxlive.com/user/authenticate",
	XSTS:        "https://xsts.auth.xboxlive.com/xsts/authorize",
	GameLogin:   "https://api.minecraftservices.com/authentication/login_with_xbox",
	GameProfile: "https://api.minecraftservices.com/minecraft/profile",
}

const DefaultScope = "XboxLive.signin offline_access"

type ClientConfig struct {
	ClientID       string
	Scope          string
	Endpoints      Endpoints
	Retry          retry.Policy
	RequestTimeout time.Duration
}

// Client performs the individual identity exchanges. It is safe for concurrent use.
type Client struct {
	clientID  string
	scope     string
	endpoints Endpoints
	retry     retry.Policy
	http      *http.Client
	logger    zerolog.Logger
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Client{
		clientID:  cfg.ClientID,
		scope:     cfg.Scope,
		endpoints: cfg.Endpoints,
		retry:     cfg.Retry,
		http:      &http.Client{Timeout: cfg.RequestTimeout}, //nolint:exhaustruct
		logger:    logger.With().Str("module", "auth_client").Logger(),
	}
}

func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: "",
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.endpoints.Authorize,
			DeviceAuthURL: c.endpoints.DeviceCode,
			TokenURL:      c.endpoints.Token,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(c.scope),
	}
}

// oauthContext makes the oauth2 package use the client's HTTP client.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

type response struct {
	status int
	body   []byte
	flawP  flaw.P
}

// transientError marks a failed attempt as worth retrying. err is what surfaces once
// attempts run out.
type transientError struct {
	err *Error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func isTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// send issues the request built by newReq, retrying transport failures and transient
// statuses. Any other status is returned to the caller to interpret.
func (c *Client) send(ctx context.Context, step string, newReq func(ctx context.Context) (*http.Request, error)) (*response, error) {
	res, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) (*response, error) {
		req, err := newReq(ctx)
		if nil != err {
			flawP := flaw.P{"step": step, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to create %s request: %v", step, err)).Append(flawP)
		}
		flawP := flaw.P{"step": step, "attempt": attempt, "request": errutil.HTTPRequestFlawPayload(req)}

		resp, err := c.http.Do(req)
		if nil != err {
			if errutil.IsContext(ctx) {
				return nil, ctx.Err()
			}
			c.logger.Debug().Str("step", step).Int("attempt", attempt).Err(err).Msg("Request failed")
			return nil, transientError{network(fmt.Errorf("failed to issue %s request: %v", step, err), flawP)}
		}
		defer func() {
			if closeErr := resp.Body.Close(); nil != closeErr {
				c.logger.Debug().Str("step", step).Err(closeErr).Msg("Failed to close response body")
			}
		}()
		flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

		body, err := httputil.ReadResponseBody(ctx, resp)
		if nil != err {
			if errutil.IsContext(ctx) {
				return nil, ctx.Err()
			}
			return nil, transientError{network(err, flawP)}
		}

		if errutil.IsTransientStatus(resp.StatusCode) {
			flawP["response_body"] = string(body)
			c.logger.Debug().Str("step", step).Int("attempt", attempt).Int("status", resp.StatusCode).Msg("Transient response status")
			return nil, transientError{network(fmt.Errorf("unexpected status code: %d", resp.StatusCode), flawP)}
		}

		return &response{status: resp.StatusCode, body: body, flawP: flawP}, nil
	}, isTransient)
	if nil != err {
		var te transientError
		switch {
		case errutil.IsContext(ctx):
			return nil, cancelled(ctx.Err())
		case errors.As(err, &te):
			return nil, te.err
		case errutil.IsFlaw(err):
			return nil, newError(KindMalformedResponse, err)
		default:
			panic(errutil.UnknownError(err))
		}
	}
	return res, nil
}

func (c *Client) postForm(ctx context.Context, step, endpoint string, form url.Values) (*response, error) {
	encoded := form.Encode()
	return c.send(ctx, step, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if nil != err {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func (c *Client) postJSON(ctx context.Context, step, endpoint string, body any) (*response, error) {
	b, err := json.Marshal(body)
	if nil != err {
		flawP := flaw.P{"step": step, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, newError(KindMalformedResponse, flaw.From(fmt.Errorf("failed to encode %s request body: %v", step, err)).Append(flawP))
	}
	return c.send(ctx, step, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if nil != err {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}
