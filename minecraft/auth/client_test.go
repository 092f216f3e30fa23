package auth_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/mcauth/minecraft/auth"
)

func TestRequestDeviceCode(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		dc, err := p.client().RequestDeviceCode(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "D1", dc.DeviceCode)
		assert.Equal(t, time.Second, dc.Interval)
		assert.Equal(t, 5*time.Second, dc.ExpiresIn)

		u, err := url.Parse(dc.URL())
		require.NoError(t, err)
		assert.Equal(t, "ABCD-EFGH", u.Query().Get("otc"))
	})

	t.Run("MissingFields", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.device = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"interval": 5})
			}
		})
		_, err := p.client().RequestDeviceCode(t.Context())
		require.ErrorIs(t, err, auth.ErrMalformedResponse)
	})
}

func TestPollToken(t *testing.T) {
	t.Parallel()

	t.Run("PendingThenSuccess", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		c := p.client()
		dc, err := c.RequestDeviceCode(t.Context())
		require.NoError(t, err)

		tok, err := c.PollToken(t.Context(), dc)
		require.NoError(t, err)
		assert.Equal(t, "A1", tok.AccessToken)
		assert.Equal(t, "R1", tok.RefreshToken)
		assert.Equal(t, time.Hour, tok.ExpiresIn)
		assert.EqualValues(t, 2, p.tokenCalls.Load())
	})

	t.Run("TimesOut", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.token = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "authorization_pending"})
			}
		})
		dc := &auth.DeviceCode{DeviceCode: "D1", Interval: 200 * time.Millisecond, ExpiresIn: time.Second}

		start := time.Now()
		_, err := p.client().PollToken(t.Context(), dc)
		require.ErrorIs(t, err, auth.ErrTimedOut)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.token = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expired_token"})
			}
		})
		dc := &auth.DeviceCode{DeviceCode: "D1", Interval: 10 * time.Millisecond, ExpiresIn: time.Minute}
		_, err := p.client().PollToken(t.Context(), dc)
		require.ErrorIs(t, err, auth.ErrTimedOut)
	})

	t.Run("Declined", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.token = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "authorization_declined"})
			}
		})
		dc := &auth.DeviceCode{DeviceCode: "D1", Interval: 10 * time.Millisecond, ExpiresIn: time.Minute}
		_, err := p.client().PollToken(t.Context(), dc)
		require.ErrorIs(t, err, auth.ErrAuthorizationDeclined)
	})

	t.Run("Cancelled", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		dc := &auth.DeviceCode{DeviceCode: "D1", Interval: time.Hour, ExpiresIn: 2 * time.Hour}
		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(20*time.Millisecond, cancel)
		_, err := p.client().PollToken(ctx, dc)
		require.ErrorIs(t, err, auth.ErrCancelled)
	})
}

func TestSignIntoXboxLive(t *testing.T) {
	t.Parallel()

	t.Run("RetriesServerErrors", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		ok := p.xbl
		p.set(func(p *provider) {
			p.xbl = func(w http.ResponseWriter, r *http.Request) {
				if p.xblCalls.Add(1) < 3 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				ok(w, r)
			}
		})
		xbl, err := p.client().SignIntoXboxLive(t.Context(), "A1")
		require.NoError(t, err)
		assert.Equal(t, "X1", xbl.Token)
		assert.Equal(t, "U", xbl.UserHash)
	})

	t.Run("ExhaustedRetriesIsNetworkError", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.xbl = func(w http.ResponseWriter, _ *http.Request) {
				p.xblCalls.Add(1)
				w.WriteHeader(http.StatusBadGateway)
			}
		})
		_, err := p.client().SignIntoXboxLive(t.Context(), "A1")
		require.ErrorIs(t, err, auth.ErrNetwork)
		assert.EqualValues(t, 3, p.xblCalls.Load())
	})

	t.Run("MissingUserHash", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.xbl = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"Token": "X1"})
			}
		})
		_, err := p.client().SignIntoXboxLive(t.Context(), "A1")
		require.ErrorIs(t, err, auth.ErrMalformedResponse)
	})
}

func TestAuthorizeXSTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		code   int64
		reason string
	}{
		{name: "NoGame", code: 2148916233, reason: "own the game"},
		{name: "Underage", code: 2148916238, reason: "underage"},
		{name: "Unknown", code: 9, reason: "unknown error code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(t)
			p.set(func(p *provider) { p.xsts = xstsRejection(tt.code) })

			_, err := p.client().AuthorizeXSTS(t.Context(), &auth.XboxLiveToken{Token: "X1", UserHash: "U"})
			require.ErrorIs(t, err, auth.ErrProviderRejected)
			var authErr *auth.Error
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.code, authErr.Code)
			assert.Contains(t, authErr.Message(), tt.reason)
		})
	}
}

func TestFetchBearer(t *testing.T) {
	t.Parallel()

	t.Run("ExpiresIn", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		b, err := p.client().FetchBearer(t.Context(), &auth.XSTSToken{Token: "S1", UserHash: "U"})
		require.NoError(t, err)
		assert.Equal(t, "B1", b.AccessToken)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), b.ExpiresAt, time.Minute)
	})

	t.Run("ExpiryFromToken", func(t *testing.T) {
		t.Parallel()
		exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)

		p := newProvider(t)
		p.set(func(p *provider) {
			p.bearer = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"access_token": token})
			}
		})
		b, err := p.client().FetchBearer(t.Context(), &auth.XSTSToken{Token: "S1", UserHash: "U"})
		require.NoError(t, err)
		assert.True(t, exp.Equal(b.ExpiresAt))
	})
}

func TestResolveProfile(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		profile, err := p.client().ResolveProfile(t.Context(), "B1")
		require.NoError(t, err)
		assert.Equal(t, uuid.MustParse(profileID), profile.ID)
		assert.Equal(t, profileName, profile.Username)
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.profile = func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusNotFound, map[string]any{"errorType": "NOT_FOUND"})
			}
		})
		_, err := p.client().ResolveProfile(t.Context(), "B1")
		require.ErrorIs(t, err, auth.ErrNoGameProfile)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		p.set(func(p *provider) {
			p.profile = func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
		})
		_, err := p.client().ResolveProfile(t.Context(), "B1")
		require.ErrorIs(t, err, auth.ErrNoGameProfile)
	})

	t.Run("StaleBearer", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		_, err := p.client().ResolveProfile(t.Context(), "stale")
		require.ErrorIs(t, err, auth.ErrBearerRejected)
	})
}

func TestRefreshPrimary(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		tok, err := p.client().RefreshPrimary(t.Context(), "R1")
		require.NoError(t, err)
		assert.Equal(t, "A1", tok.AccessToken)
		assert.Equal(t, "R1", tok.RefreshToken)
	})

	t.Run("ExpiredRefreshToken", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		_, err := p.client().RefreshPrimary(t.Context(), "R0")
		require.ErrorIs(t, err, auth.ErrReauthenticationRequired)
		assert.Equal(t, auth.KindReauthenticationRequired, auth.KindOf(err))
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		p := newProvider(t)
		_, err := p.client().RefreshPrimary(t.Context(), "")
		require.ErrorIs(t, err, auth.ErrReauthenticationRequired)
	})
}

func TestSignIn(t *testing.T) {
	t.Parallel()

	p := newProvider(t)
	var states []auth.State
	creds, err := p.client().SignIn(t.Context(), &auth.PrimaryToken{AccessToken: "A1", RefreshToken: "R1", ExpiresIn: time.Hour}, func(s auth.State) {
		states = append(states, s)
	})
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(profileID), creds.ID)
	assert.Equal(t, "B1", creds.AccessToken)
	assert.Equal(t, "R1", creds.RefreshToken)
	assert.Equal(t, []auth.State{
		auth.StateSigningIntoXbl,
		auth.StateExchangingXsts,
		auth.StateFetchingBearer,
		auth.StateResolvingProfile,
	}, states)
}
