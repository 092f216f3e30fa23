package auth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
	"github.com/xeptore/mcauth/httputil"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultDeviceLifetime = 15 * time.Minute
)

type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Message         string
	Interval        time.Duration
	ExpiresIn       time.Duration
}

// URL is the verification page with the user code prefilled.
func (d *DeviceCode) URL() string {
	u, err := url.Parse(d.VerificationURI)
	if nil != err || d.UserCode == "" {
		return d.VerificationURI
	}
	q := u.Query()
	q.Set("otc", d.UserCode)
	u.RawQuery = q.Encode()
	return u.String()
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Message         string `json:"message"`
	Interval        int64  `json:"interval"`
	ExpiresIn       int64  `json:"expires_in"`
}

// RequestDeviceCode starts a device authorization grant.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	form := url.Values{
		"client_id": {c.clientID},
		"scope":     {c.scope},
	}
	res, err := c.postForm(ctx, "device_code", c.endpoints.DeviceCode, form)
	if nil != err {
		return nil, err
	}

	if res.status != http.StatusOK {
		res.flawP["response_body"] = string(res.body)
		if oauthErr, ok := httputil.DecodeOAuthError(res.body); ok {
			res.flawP["oauth_error"] = oauthErr.Code
		}
		return nil, malformed("unexpected device code response status", res.flawP)
	}

	var body deviceCodeResponse
	if err := json.Unmarshal(res.body, &body); nil != err {
		res.flawP["response_body"] = string(res.body)
		res.flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, newError(KindMalformedResponse, flaw.From(err).Append(res.flawP))
	}
	if body.DeviceCode == "" || body.VerificationURI == "" {
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("device code response is missing required fields", res.flawP)
	}

	out := &DeviceCode{
		DeviceCode:      body.DeviceCode,
		UserCode:        body.UserCode,
		VerificationURI: body.VerificationURI,
		Message:         body.Message,
		Interval:        time.Duration(body.Interval) * time.Second,
		ExpiresIn:       time.Duration(body.ExpiresIn) * time.Second,
	}
	if out.Interval <= 0 {
		out.Interval = defaultPollInterval
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = defaultDeviceLifetime
	}
	return out, nil
}
