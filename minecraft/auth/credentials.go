package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xeptore/mcauth/log"
)

// Credentials is everything needed to launch the game as one account.
type Credentials struct {
	ID           uuid.UUID
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.
		Str("id", c.ID.String()).
		Str("username", c.Username).
		Str("access_token", log.RedactString(c.AccessToken)).
		Str("refresh_token", log.RedactString(c.RefreshToken)).
		Time("expires_at", c.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (c Credentials) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return c.ExpiresAt.Before(now.Add(margin))
}

// SignIn runs the stages that follow the primary token and assembles the credentials.
// progress, when not nil, is called before each stage.
func (c *Client) SignIn(ctx context.Context, primary *PrimaryToken, progress func(State)) (*Credentials, error) {
	if nil == progress {
		progress = func(State) {}
	}

	progress(StateSigningIntoXbl)
	xbl, err := c.SignIntoXboxLive(ctx, primary.AccessToken)
	if nil != err {
		return nil, err
	}

	progress(StateExchangingXsts)
	xsts, err := c.AuthorizeXSTS(ctx, xbl)
	if nil != err {
		return nil, err
	}

	progress(StateFetchingBearer)
	bearer, err := c.FetchBearer(ctx, xsts)
	if nil != err {
		return nil, err
	}

	progress(StateResolvingProfile)
	profile, err := c.ResolveProfile(ctx, bearer.AccessToken)
	if nil != err {
		return nil, err
	}

	expiresAt := bearer.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(primary.ExpiresIn)
	}
	return &Credentials{
		ID:           profile.ID,
		Username:     profile.Username,
		AccessToken:  bearer.AccessToken,
		RefreshToken: primary.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}
