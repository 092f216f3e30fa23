// Package launcher is the surface the launcher UI drives: signing in, managing the
// stored accounts, and looking up their profiles.
package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/xeptore/mcauth/cache"
	"github.com/xeptore/mcauth/config"
	"github.com/xeptore/mcauth/log"
	"github.com/xeptore/mcauth/minecraft/account"
	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/minecraft/storage"
	"github.com/xeptore/mcauth/result"
	"github.com/xeptore/mcauth/retry"
)

// UI is what the launcher needs from its front end.
type UI interface {
	// OpenURL shows the sign-in page, typically in the system browser.
	OpenURL(url string) error
	auth.Notifier
}

type Options struct {
	Client        *auth.Client
	Backend       storage.Backend
	Flow          auth.Mode
	RefreshMargin time.Duration
	UI            UI
}

type Launcher struct {
	client       *auth.Client
	backend      storage.Backend
	store        *account.Store
	orchestrator *auth.Orchestrator
	cache        *cache.Cache
	ui           UI
	logger       zerolog.Logger
}

func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Launcher, error) {
	store, err := account.Open(ctx, opts.Backend, opts.Client, account.Options{RefreshMargin: opts.RefreshMargin}, logger)
	if nil != err {
		return nil, err
	}
	return &Launcher{
		client:       opts.Client,
		backend:      opts.Backend,
		store:        store,
		orchestrator: auth.NewOrchestrator(opts.Client, opts.Flow, store, opts.UI, logger),
		cache:        cache.New(),
		ui:           opts.UI,
		logger:       logger.With().Str("module", "launcher").Logger(),
	}, nil
}

// FromConfig opens the configured storage backend and builds a launcher on it.
func FromConfig(ctx context.Context, cfg *config.Config, ui UI, logger zerolog.Logger) (*Launcher, error) {
	backend, err := storage.Open(storage.Options{
		Kind:        cfg.Storage.Backend,
		Path:        cfg.Storage.Path,
		KeyringUser: cfg.Storage.KeyringUser,
	})
	if nil != err {
		return nil, err
	}
	client := auth.NewClient(auth.ClientConfig{
		ClientID:  cfg.Auth.ClientID,
		Scope:     cfg.Auth.Scope,
		Endpoints: auth.DefaultEndpoints,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Auth.Retry.MaxAttempts,
			InitialInterval: cfg.Auth.Retry.InitialInterval.Std(),
			MaxInterval:     cfg.Auth.Retry.MaxInterval.Std(),
		},
		RequestTimeout: cfg.Auth.RequestTimeout.Std(),
	}, logger)

	l, err := New(ctx, Options{
		Client:        client,
		Backend:       backend,
		Flow:          auth.Mode(cfg.Auth.Flow),
		RefreshMargin: cfg.Auth.RefreshMargin.Std(),
		UI:            ui,
	}, logger)
	if nil != err {
		if closeErr := backend.Close(); nil != closeErr {
			logger.Error().Func(log.Flaw(closeErr)).Msg("Failed to close storage backend")
		}
		return nil, err
	}
	return l, nil
}

// BeginLogin starts a sign-in, replacing one in progress, and asks the UI to open the
// sign-in page.
func (l *Launcher) BeginLogin(ctx context.Context) (*auth.Handle, error) {
	h, err := l.orchestrator.Begin(ctx)
	if nil != err {
		return nil, err
	}
	if nil == l.ui {
		return h, nil
	}
	if err := l.ui.OpenURL(h.URL); nil != err {
		l.logger.Warn().Err(err).Msg("Failed to open sign-in page")
		l.ui.Notify("Could not open the browser. Open this link to sign in: " + h.URL)
	}
	return h, nil
}

func (l *Launcher) AwaitLogin(ctx context.Context, h *auth.Handle) (*auth.Credentials, error) {
	return l.orchestrator.Await(ctx, h)
}

func (l *Launcher) CancelLogin(h *auth.Handle) {
	l.orchestrator.Cancel(h)
}

// DeliverRedirect hands a redirect URL captured outside the loopback listener to the
// sign-in in progress.
func (l *Launcher) DeliverRedirect(rawURL string) bool {
	return l.orchestrator.Deliver(rawURL)
}

func (l *Launcher) Accounts() []auth.Credentials {
	return l.store.List()
}

func (l *Launcher) DefaultAccount() (uuid.UUID, bool) {
	return l.store.Default()
}

// DefaultCredentials returns ready-to-use credentials for the default account.
func (l *Launcher) DefaultCredentials(ctx context.Context) (*auth.Credentials, error) {
	return l.store.DefaultCredentials(ctx)
}

func (l *Launcher) SetDefaultAccount(ctx context.Context, id uuid.UUID) error {
	return l.store.SetDefault(ctx, id)
}

func (l *Launcher) RemoveAccount(ctx context.Context, id uuid.UUID) error {
	old, _ := l.store.Get(id)
	if err := l.store.Remove(ctx, id); nil != err {
		return err
	}
	l.forget(old)
	return nil
}

func (l *Launcher) Refresh(ctx context.Context, id uuid.UUID) (*auth.Credentials, error) {
	old, _ := l.store.Get(id)
	creds, err := l.store.Refresh(ctx, id)
	if nil != err {
		return nil, err
	}
	l.forget(old)
	return creds, nil
}

func (l *Launcher) RefreshAll(ctx context.Context) map[uuid.UUID]result.Of[auth.Credentials] {
	previous := lo.KeyBy(l.store.List(), func(c auth.Credentials) uuid.UUID { return c.ID })
	results := l.store.RefreshAll(ctx)
	for id, res := range results {
		if res.IsOk() {
			l.forget(previous[id])
		}
	}
	return results
}

// forget drops what was cached for an account's replaced or removed token.
func (l *Launcher) forget(old auth.Credentials) {
	l.cache.Profiles.Delete(old.ID.String())
	if old.AccessToken != "" {
		l.cache.AuthBackoff.Clear(old.AccessToken)
	}
}

// Profile looks up an account's current profile online. A token the game services just
// rejected is not sent again until the backoff expires; the caller should refresh.
func (l *Launcher) Profile(ctx context.Context, id uuid.UUID) (*auth.Profile, error) {
	creds, ok := l.store.Get(id)
	if !ok {
		return nil, account.ErrNotFound
	}
	if l.cache.AuthBackoff.Active(creds.AccessToken) {
		return nil, auth.NewError(auth.KindReauthenticationRequired, errors.New("access token was rejected recently"))
	}

	item, err := l.cache.Profiles.Fetch(id.String(), cache.DefaultProfileTTL, func() (*auth.Profile, error) {
		profile, err := l.client.ResolveProfile(ctx, creds.AccessToken)
		if nil != err {
			if errors.Is(err, auth.ErrBearerRejected) {
				l.cache.AuthBackoff.Mark(creds.AccessToken, cache.DefaultAuthBackoffTTL)
			}
			return nil, err
		}
		return profile, nil
	})
	if nil != err {
		return nil, err
	}
	return item.Value(), nil
}

// Close cancels a sign-in in progress and releases the storage backend.
func (l *Launcher) Close() error {
	l.orchestrator.Close()
	l.cache.Stop()
	return l.backend.Close()
}
