package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/httputil"
)

// ErrBearerRejected is joined into the cause when the profile endpoint refuses the
// bearer token, so callers holding a stored token know it went stale.
var ErrBearerRejected = errors.New("bearer token rejected")

type Profile struct {
	ID       uuid.UUID
	Username string
}

func (p Profile) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", p.ID.String()).Str("username", p.Username)
}

// ResolveProfile fetches the game profile owned by the bearer token. A missing profile
// is KindNoGameProfile.
func (c *Client) ResolveProfile(ctx context.Context, bearer string) (*Profile, error) {
	res, err := c.send(ctx, "profile", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.GameProfile, nil)
		if nil != err {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if nil != err {
		return nil, err
	}

	switch {
	case res.status == http.StatusNotFound:
		return nil, newError(KindNoGameProfile, errors.New("account has no game profile"))
	case res.status == http.StatusUnauthorized:
		return nil, newError(KindMalformedResponse, errors.Join(ErrBearerRejected, flaw.From(errors.New("profile request unauthorized")).Append(res.flawP)))
	case !httputil.IsSuccess(res.status):
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("unexpected profile response status", res.flawP)
	case len(res.body) == 0:
		return nil, newError(KindNoGameProfile, errors.New("empty profile response"))
	}

	var (
		id   = gjson.GetBytes(res.body, "id").String()
		name = gjson.GetBytes(res.body, "name").String()
	)
	if id == "" {
		return nil, newError(KindNoGameProfile, errors.New("profile response has no id"))
	}
	parsed, err := uuid.Parse(id)
	if nil != err {
		res.flawP["profile_id"] = id
		return nil, malformed("profile id is not a uuid", res.flawP)
	}
	if name == "" {
		return nil, malformed("profile response is missing name", res.flawP)
	}
	return &Profile{ID: parsed, Username: name}, nil
}
