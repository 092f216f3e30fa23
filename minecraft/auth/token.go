package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/oauth2"

	"github.com/xeptore/mcauth/errutil"
	"github.com/xeptore/mcauth/httputil"
	"github.com/xeptore/mcauth/retry"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	slowDownIncrement   = 5 * time.Second
)

var (
	errAuthorizationPending = errors.New("authorization pending")
	errSlowDown             = errors.New("slow down")
)

// PrimaryToken is the identity provider's OAuth token.
type PrimaryToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// PollToken polls the token endpoint at the device code's interval until the user
// completes the sign-in, declines it, the code expires, or ctx is done.
func (c *Client) PollToken(ctx context.Context, dc *DeviceCode) (*PrimaryToken, error) {
	var (
		start    = time.Now()
		interval = dc.Interval
		deadline = time.NewTimer(dc.ExpiresIn)
	)
	defer deadline.Stop()

	for {
		wait := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, cancelled(ctx.Err())
		case <-deadline.C:
			wait.Stop()
			return nil, newError(KindTimedOut, fmt.Errorf("device code expired after %s", dc.ExpiresIn))
		case <-wait.C:
		}

		tok, err := c.pollOnce(ctx, dc)
		switch {
		case nil == err:
			return tok, nil
		case errors.Is(err, errAuthorizationPending):
		case errors.Is(err, errSlowDown):
			interval += slowDownIncrement
			c.logger.Debug().Dur("interval", interval).Msg("Token endpoint asked to slow down")
		default:
			return nil, err
		}

		if time.Since(start) >= dc.ExpiresIn {
			return nil, newError(KindTimedOut, fmt.Errorf("device code expired after %s", dc.ExpiresIn))
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, dc *DeviceCode) (*PrimaryToken, error) {
	form := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"client_id":   {c.clientID},
		"device_code": {dc.DeviceCode},
	}
	res, err := c.postForm(ctx, "device_token", c.endpoints.Token, form)
	if nil != err {
		return nil, err
	}

	if httputil.IsSuccess(res.status) {
		return parseTokenResponse(res)
	}

	oauthErr, ok := httputil.DecodeOAuthError(res.body)
	if !ok {
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("unexpected token response status", res.flawP)
	}
	switch oauthErr.Code {
	case "authorization_pending":
		return nil, errAuthorizationPending
	case "slow_down":
		return nil, errSlowDown
	case "authorization_declined", "access_denied":
		return nil, newError(KindAuthorizationDeclined, errors.New(oauthErr.Description))
	case "expired_token", "code_expired":
		return nil, newError(KindTimedOut, errors.New(oauthErr.Description))
	default:
		res.flawP["oauth_error"] = oauthErr.Code
		res.flawP["oauth_error_description"] = oauthErr.Description
		return nil, malformed("token endpoint returned an error", res.flawP)
	}
}

func parseTokenResponse(res *response) (*PrimaryToken, error) {
	var body tokenResponse
	if err := json.Unmarshal(res.body, &body); nil != err {
		res.flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, newError(KindMalformedResponse, flaw.From(fmt.Errorf("failed to decode token response: %v", err)).Append(res.flawP))
	}
	if body.AccessToken == "" {
		return nil, malformed("token response is missing access_token", res.flawP)
	}
	return &PrimaryToken{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    time.Duration(body.ExpiresIn) * time.Second,
	}, nil
}

// AuthorizationURL is the browser sign-in page for the redirect flow. verifier is the
// PKCE code verifier later passed to ExchangeCode.
func (c *Client) AuthorizationURL(redirectURI, state, verifier string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(
		state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// ExchangeCode trades an authorization code from the redirect flow for a primary token.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*PrimaryToken, error) {
	cfg := c.oauthConfig(redirectURI)
	tok, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) (*oauth2.Token, error) {
		return cfg.Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	}, isRetryableOAuth)
	if nil != err {
		return nil, c.oauthFailure(ctx, "code_exchange", err, KindMalformedResponse)
	}
	return primaryFromOAuth(tok), nil
}

// RefreshPrimary redeems a refresh token. An expired or revoked refresh token yields
// KindReauthenticationRequired.
func (c *Client) RefreshPrimary(ctx context.Context, refreshToken string) (*PrimaryToken, error) {
	if refreshToken == "" {
		return nil, newError(KindReauthenticationRequired, errors.New("no refresh token stored"))
	}
	cfg := c.oauthConfig("")
	tok, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) (*oauth2.Token, error) {
		expired := &oauth2.Token{RefreshToken: refreshToken} //nolint:exhaustruct
		return cfg.TokenSource(c.oauthContext(ctx), expired).Token()
	}, isRetryableOAuth)
	if nil != err {
		return nil, c.oauthFailure(ctx, "refresh", err, KindReauthenticationRequired)
	}
	out := primaryFromOAuth(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func primaryFromOAuth(tok *oauth2.Token) *PrimaryToken {
	out := &PrimaryToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    0,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return out
}

func isRetryableOAuth(err error) bool {
	if retrieveErr := new(oauth2.RetrieveError); errors.As(err, &retrieveErr) {
		return nil != retrieveErr.Response && errutil.IsTransientStatus(retrieveErr.Response.StatusCode)
	}
	return errutil.IsTransport(err)
}

// oauthFailure classifies an error from the oauth2 package. rejected is the kind used
// when the provider refused the grant itself.
func (c *Client) oauthFailure(ctx context.Context, step string, err error, rejected Kind) *Error {
	if errutil.IsContext(ctx) {
		return cancelled(ctx.Err())
	}
	flawP := flaw.P{"step": step}
	retrieveErr := new(oauth2.RetrieveError)
	if !errors.As(err, &retrieveErr) {
		return network(err, flawP)
	}

	flawP["oauth_error"] = retrieveErr.ErrorCode
	flawP["oauth_error_description"] = retrieveErr.ErrorDescription
	if nil != retrieveErr.Response {
		flawP["response"] = errutil.HTTPResponseFlawPayload(retrieveErr.Response)
		if errutil.IsTransientStatus(retrieveErr.Response.StatusCode) {
			return network(err, flawP)
		}
	}
	c.logger.Debug().Str("step", step).Str("oauth_error", retrieveErr.ErrorCode).Msg("Grant rejected")

	switch retrieveErr.ErrorCode {
	case "invalid_grant", "interaction_required", "consent_required", "login_required":
		return newError(rejected, flaw.From(fmt.Errorf("%s grant rejected: %s", step, retrieveErr.ErrorCode)).Append(flawP))
	case "access_denied", "authorization_declined":
		return newError(KindAuthorizationDeclined, flaw.From(fmt.Errorf("%s grant declined", step)).Append(flawP))
	}
	if nil != retrieveErr.Response && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
		return newError(rejected, flaw.From(fmt.Errorf("%s grant unauthorized", step)).Append(flawP))
	}
	return newError(KindMalformedResponse, flaw.From(fmt.Errorf("%s grant failed: %v", step, err)).Append(flawP))
}
