package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/xeptore/mcauth/httputil"
)

type BearerToken struct {
	AccessToken string
	// ExpiresAt is zero when neither the response nor the token carries an expiry.
	ExpiresAt time.Time
}

type bearerRequest struct {
	IdentityToken string `json:"identityToken"`
}

// FetchBearer exchanges an XSTS token for the game services bearer token.
func (c *Client) FetchBearer(ctx context.Context, xsts *XSTSToken) (*BearerToken, error) {
	body := bearerRequest{IdentityToken: "XBL3.0 x=" + xsts.UserHash + ";" + xsts.Token}
	res, err := c.postJSON(ctx, "bearer", c.endpoints.GameLogin, body)
	if nil != err {
		return nil, err
	}

	if !httputil.IsSuccess(res.status) {
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("unexpected game login response status", res.flawP)
	}

	token := gjson.GetBytes(res.body, "access_token").String()
	if token == "" {
		return nil, malformed("game login response is missing access_token", res.flawP)
	}
	out := &BearerToken{AccessToken: token, ExpiresAt: time.Time{}}
	if expiresIn := gjson.GetBytes(res.body, "expires_in").Int(); expiresIn > 0 {
		out.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	} else if exp, ok := jwtExpiry(token); ok {
		out.ExpiresAt = exp
	}
	return out, nil
}

// jwtExpiry reads the exp claim without verifying the signature. The token came straight
// from the issuer over TLS; only its lifetime is of interest here.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); nil != err {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if nil != err || nil == exp {
		return time.Time{}, false
	}
	return exp.Time, true
}
