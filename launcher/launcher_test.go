package launcher_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/mcauth/launcher"
	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/minecraft/storage"
	"github.com/xeptore/mcauth/retry"
)

var steveID = uuid.MustParse("069a79f444e94726a5befca90e38aaf5")

type ui struct {
	mu       sync.Mutex
	opened   []string
	notified []string
	openErr  error
}

func (u *ui) OpenURL(url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opened = append(u.opened, url)
	return u.openErr
}

func (u *ui) Notify(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notified = append(u.notified, msg)
}

func (u *ui) Opened() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.opened...)
}

func (u *ui) Notified() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.notified...)
}

// services fakes every identity provider endpoint. The bearer it hands out changes with
// each sign-in so refreshes are observable.
type services struct {
	server       *httptest.Server
	bearers      atomic.Int32
	profileCalls atomic.Int32
	rejectBearer atomic.Bool
	fixedBearer  atomic.Bool
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServices(t *testing.T) *services {
	t.Helper()
	s := &services{}
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"device_code": "D1", "user_code": "CODE", "verification_uri": "https://example.com/link",
			"interval": 1, "expires_in": 30,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("grant_type") == "refresh_token" && r.PostFormValue("refresh_token") != "R1" {
			reply(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		reply(w, http.StatusOK, map[string]any{"access_token": "A1", "refresh_token": "R1", "expires_in": 3600, "token_type": "Bearer"})
	})
	mux.HandleFunc("/xbl", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{"Token": "X1", "DisplayClaims": map[string]any{"xui": []any{map[string]any{"uhs": "U"}}}})
	})
	mux.HandleFunc("/xsts", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{"Token": "S1"})
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		n := s.bearers.Add(1)
		if s.fixedBearer.Load() {
			n = 1
		}
		reply(w, http.StatusOK, map[string]any{"access_token": "B" + string(rune('0'+n)), "expires_in": 86400})
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		s.profileCalls.Add(1)
		if s.rejectBearer.Load() || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer B") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reply(w, http.StatusOK, map[string]any{"id": strings.ReplaceAll(steveID.String(), "-", ""), "name": "Steve"})
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *services) client() *auth.Client {
	u := s.server.URL
	return auth.NewClient(auth.ClientConfig{
		ClientID: "client",
		Scope:    auth.DefaultScope,
		Endpoints: auth.Endpoints{
			DeviceCode:  u + "/devicecode",
			Authorize:   u + "/authorize",
			Token:       u + "/token",
			XboxLive:    u + "/xbl",
			XSTS:        u + "/xsts",
			GameLogin:   u + "/login",
			GameProfile: u + "/profile",
		},
		Retry:          retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		RequestTimeout: 5 * time.Second,
	}, zerolog.Nop())
}

func newLauncher(t *testing.T, s *services, flow auth.Mode, u *ui) *launcher.Launcher {
	t.Helper()
	backend, err := storage.OpenSQLiteMemory()
	require.NoError(t, err)
	l, err := launcher.New(t.Context(), launcher.Options{
		Client:        s.client(),
		Backend:       backend,
		Flow:          flow,
		RefreshMargin: 5 * time.Minute,
		UI:            u,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestDeviceLogin(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	u := &ui{}
	l := newLauncher(t, s, auth.ModeDevice, u)

	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{h.URL}, u.Opened())
	assert.Contains(t, h.URL, "otc=CODE")

	creds, err := l.AwaitLogin(t.Context(), h)
	require.NoError(t, err)
	assert.Equal(t, steveID, creds.ID)

	require.Len(t, l.Accounts(), 1)
	def, ok := l.DefaultAccount()
	require.True(t, ok)
	assert.Equal(t, steveID, def)

	profile, err := l.Profile(t.Context(), steveID)
	require.NoError(t, err)
	assert.Equal(t, "Steve", profile.Username)
	_, err = l.Profile(t.Context(), steveID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.profileCalls.Load())

	refreshed, err := l.Refresh(t.Context(), steveID)
	require.NoError(t, err)
	assert.NotEqual(t, creds.AccessToken, refreshed.AccessToken)
	assert.Equal(t, steveID, refreshed.ID)

	_, err = l.Profile(t.Context(), steveID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, s.profileCalls.Load())

	require.NoError(t, l.RemoveAccount(t.Context(), steveID))
	assert.Empty(t, l.Accounts())
	_, ok = l.DefaultAccount()
	assert.False(t, ok)
}

func TestRedirectLogin(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	u := &ui{openErr: errors.New("no browser")}
	l := newLauncher(t, s, auth.ModeRedirect, u)

	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	require.Len(t, u.Notified(), 1)
	assert.Contains(t, u.Notified()[0], h.URL)

	parsed, err := url.Parse(h.URL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.True(t, l.DeliverRedirect(q.Get("redirect_uri")+"?code=C1&state="+url.QueryEscape(q.Get("state"))))

	creds, err := l.AwaitLogin(t.Context(), h)
	require.NoError(t, err)
	assert.Equal(t, steveID, creds.ID)
}

func TestCancelLogin(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	l := newLauncher(t, s, auth.ModeRedirect, &ui{})

	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	l.CancelLogin(h)

	_, err = l.AwaitLogin(t.Context(), h)
	require.ErrorIs(t, err, auth.ErrCancelled)
	assert.Empty(t, l.Accounts())
}

func TestProfileBackoff(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	l := newLauncher(t, s, auth.ModeDevice, &ui{})

	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	_, err = l.AwaitLogin(t.Context(), h)
	require.NoError(t, err)
	calls := s.profileCalls.Load()

	s.rejectBearer.Store(true)
	_, err = l.Profile(t.Context(), steveID)
	require.ErrorIs(t, err, auth.ErrBearerRejected)
	_, err = l.Profile(t.Context(), steveID)
	require.ErrorIs(t, err, auth.ErrReauthenticationRequired)
	assert.Equal(t, calls+1, s.profileCalls.Load())
}

func TestRefreshLiftsProfileBackoff(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	s.fixedBearer.Store(true)
	l := newLauncher(t, s, auth.ModeDevice, &ui{})

	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	_, err = l.AwaitLogin(t.Context(), h)
	require.NoError(t, err)

	s.rejectBearer.Store(true)
	_, err = l.Profile(t.Context(), steveID)
	require.ErrorIs(t, err, auth.ErrBearerRejected)
	_, err = l.Profile(t.Context(), steveID)
	require.ErrorIs(t, err, auth.ErrReauthenticationRequired)

	s.rejectBearer.Store(false)
	creds, err := l.Refresh(t.Context(), steveID)
	require.NoError(t, err)
	assert.Equal(t, "B1", creds.AccessToken)

	profile, err := l.Profile(t.Context(), steveID)
	require.NoError(t, err)
	assert.Equal(t, "Steve", profile.Username)
}

func TestRemoveAccountLiftsProfileBackoff(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	s.fixedBearer.Store(true)
	l := newLauncher(t, s, auth.ModeDevice, &ui{})

	login := func() {
		h, err := l.BeginLogin(t.Context())
		require.NoError(t, err)
		_, err = l.AwaitLogin(t.Context(), h)
		require.NoError(t, err)
	}
	login()

	s.rejectBearer.Store(true)
	_, err := l.Profile(t.Context(), steveID)
	require.ErrorIs(t, err, auth.ErrBearerRejected)

	require.NoError(t, l.RemoveAccount(t.Context(), steveID))
	s.rejectBearer.Store(false)
	login()

	profile, err := l.Profile(t.Context(), steveID)
	require.NoError(t, err)
	assert.Equal(t, steveID, profile.ID)
}

func TestRefreshAll(t *testing.T) {
	t.Parallel()

	s := newServices(t)
	l := newLauncher(t, s, auth.ModeDevice, &ui{})
	h, err := l.BeginLogin(t.Context())
	require.NoError(t, err)
	_, err = l.AwaitLogin(t.Context(), h)
	require.NoError(t, err)

	assert.Empty(t, l.RefreshAll(t.Context()))
}
