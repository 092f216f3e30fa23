package auth_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/retry"
)

const (
	profileID   = "069a79f444e94726a5befca90e38aaf5"
	profileName = "Steve"
)

// provider is a fake identity provider. Each handler field can be swapped before the
// server is used.
type provider struct {
	server *httptest.Server

	mu      sync.Mutex
	device  http.HandlerFunc
	token   http.HandlerFunc
	xbl     http.HandlerFunc
	xsts    http.HandlerFunc
	bearer  http.HandlerFunc
	profile http.HandlerFunc

	tokenCalls atomic.Int32
	xblCalls   atomic.Int32
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{}
	p.device = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"device_code":      "D1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://microsoft.com/link",
			"interval":         1,
			"expires_in":       5,
		})
	}
	p.token = func(w http.ResponseWriter, r *http.Request) {
		switch r.PostFormValue("grant_type") {
		case "urn:ietf:params:oauth:grant-type:device_code":
			if p.tokenCalls.Add(1) == 1 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "authorization_pending"})
				return
			}
		case "authorization_code":
			if r.PostFormValue("code") != "C1" || r.PostFormValue("code_verifier") == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
		case "refresh_token":
			if r.PostFormValue("refresh_token") != "R1" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "expired"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":    "Bearer",
			"access_token":  "A1",
			"refresh_token": "R1",
			"expires_in":    3600,
		})
	}
	p.xbl = func(w http.ResponseWriter, _ *http.Request) {
		p.xblCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"Token":         "X1",
			"DisplayClaims": map[string]any{"xui": []map[string]any{{"uhs": "U"}}},
		})
	}
	p.xsts = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"Token":         "S1",
			"DisplayClaims": map[string]any{"xui": []map[string]any{{"uhs": "U"}}},
		})
	}
	p.bearer = func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IdentityToken string `json:"identityToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); nil != err || body.IdentityToken != "XBL3.0 x=U;S1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "B1", "expires_in": 86400})
	}
	p.profile = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer B1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": profileID, "name": profileName})
	}

	route := func(get func() http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			p.mu.Lock()
			h := get()
			p.mu.Unlock()
			h(w, r)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", route(func() http.HandlerFunc { return p.device }))
	mux.HandleFunc("/token", route(func() http.HandlerFunc { return p.token }))
	mux.HandleFunc("/user/authenticate", route(func() http.HandlerFunc { return p.xbl }))
	mux.HandleFunc("/xsts/authorize", route(func() http.HandlerFunc { return p.xsts }))
	mux.HandleFunc("/authentication/login_with_xbox", route(func() http.HandlerFunc { return p.bearer }))
	mux.HandleFunc("/minecraft/profile", route(func() http.HandlerFunc { return p.profile }))
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *provider) set(f func(p *provider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(p)
}

func (p *provider) endpoints() auth.Endpoints {
	u := p.server.URL
	return auth.Endpoints{
		DeviceCode:  u + "/devicecode",
		Authorize:   u + "/authorize",
		Token:       u + "/token",
		XboxLive:    u + "/user/authenticate",
		XSTS:        u + "/xsts/authorize",
		GameLogin:   u + "/authentication/login_with_xbox",
		GameProfile: u + "/minecraft/profile",
	}
}

func (p *provider) client() *auth.Client {
	return auth.NewClient(auth.ClientConfig{
		ClientID:  "client",
		Scope:     auth.DefaultScope,
		Endpoints: p.endpoints(),
		Retry: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		RequestTimeout: 5 * time.Second,
	}, zerolog.Nop())
}

type committer struct {
	mu      sync.Mutex
	commits []auth.Credentials
	err     error
}

func (c *committer) CommitLogin(_ context.Context, creds auth.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nil != c.err {
		return c.err
	}
	c.commits = append(c.commits, creds)
	return nil
}

func (c *committer) Commits() []auth.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]auth.Credentials(nil), c.commits...)
}

type notifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *notifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func xstsRejection(code int64) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"Identity": "0",
			"XErr":     code,
			"Message":  "",
			"Redirect": fmt.Sprintf("https://start.ui.xboxlive.com/%d", code),
		})
	}
}
