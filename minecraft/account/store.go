// Package account keeps the signed-in accounts, the default account choice, and
// refreshes their credentials.
package account

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/mcauth/log"
	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/minecraft/storage"
	"github.com/xeptore/mcauth/ptr"
)

const DefaultRefreshMargin = 5 * time.Minute

var ErrNotFound = errors.New("account not found")

// Refresher renews credentials from a refresh token. *auth.Client implements it.
type Refresher interface {
	RefreshPrimary(ctx context.Context, refreshToken string) (*auth.PrimaryToken, error)
	SignIn(ctx context.Context, primary *auth.PrimaryToken, progress func(auth.State)) (*auth.Credentials, error)
}

type Options struct {
	RefreshMargin time.Duration
}

// Store is the in-memory view of the accounts backed by a storage.Backend. Reads share
// a lock; every mutation holds the exclusive lock across the backend write and the
// in-memory update, so readers never see a change that was not persisted.
type Store struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]auth.Credentials
	defaultID *uuid.UUID

	backend   storage.Backend
	refresher Refresher
	margin    time.Duration
	inflight  singleflight.Group
	logger    zerolog.Logger
	now       func() time.Time
}

var _ auth.Committer = (*Store)(nil)

// Open loads every stored account. Records that cannot be read are skipped.
func Open(ctx context.Context, backend storage.Backend, refresher Refresher, opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	s := &Store{
		mu:        sync.RWMutex{},
		accounts:  map[uuid.UUID]auth.Credentials{},
		defaultID: nil,
		backend:   backend,
		refresher: refresher,
		margin:    opts.RefreshMargin,
		inflight:  singleflight.Group{},
		logger:    logger.With().Str("module", "account_store").Logger(),
		now:       time.Now,
	}

	snap, err := backend.Load(ctx)
	if nil != err {
		return nil, err
	}
	for _, rec := range snap.Records {
		id, err := uuid.Parse(rec.ID)
		if nil != err {
			s.logger.Warn().Str("id", rec.ID).Msg("Skipping stored account with invalid id")
			continue
		}
		s.accounts[id] = fromRecord(id, rec)
	}
	if snap.DefaultID != "" {
		id, err := uuid.Parse(snap.DefaultID)
		if _, ok := s.accounts[id]; nil == err && ok {
			s.defaultID = ptr.Of(id)
		} else {
			s.logger.Warn().Str("id", snap.DefaultID).Msg("Stored default account no longer exists")
			if err := backend.SetDefault(ctx, ""); nil != err {
				s.logger.Error().Func(log.Flaw(err)).Msg("Failed to clear dangling default account")
			}
		}
	}
	s.logger.Debug().Int("accounts", len(s.accounts)).Msg("Loaded accounts")
	return s, nil
}

func fromRecord(id uuid.UUID, rec storage.Record) auth.Credentials {
	return auth.Credentials{
		ID:           id,
		Username:     rec.Username,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
	}
}

func toRecord(c auth.Credentials) storage.Record {
	return storage.Record{
		ID:           c.ID.String(),
		Username:     c.Username,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
	}
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func byUsername(a, b auth.Credentials) int {
	return cmp.Or(
		strings.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username)),
		strings.Compare(a.ID.String(), b.ID.String()),
	)
}

// List returns every account ordered by username.
func (s *Store) List() []auth.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.Values(s.accounts)
	slices.SortFunc(out, byUsername)
	return out
}

func (s *Store) Get(id uuid.UUID) (auth.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.accounts[id]
	return c, ok
}

// Default returns the default account id, if one is set.
func (s *Store) Default() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ptr.ValueOr(s.defaultID, uuid.Nil), nil != s.defaultID
}

// Insert adds or replaces an account. The default account is left as is.
func (s *Store) Insert(ctx context.Context, creds auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, creds, false)
}

// CommitLogin stores the credentials of a completed sign-in. The first account stored
// becomes the default.
func (s *Store) CommitLogin(ctx context.Context, creds auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, creds, nil == s.defaultID)
}

func (s *Store) put(ctx context.Context, creds auth.Credentials, makeDefault bool) error {
	if err := s.backend.Put(ctx, toRecord(creds), makeDefault); nil != err {
		return err
	}
	s.accounts[creds.ID] = creds
	if makeDefault {
		s.defaultID = ptr.Of(creds.ID)
	}
	s.logger.Debug().Object("account", creds).Bool("default", makeDefault).Msg("Stored account")
	return nil
}

func (s *Store) SetDefault(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return notFound(id)
	}
	if err := s.backend.SetDefault(ctx, id.String()); nil != err {
		return err
	}
	s.defaultID = ptr.Of(id)
	return nil
}

// Remove deletes an account and clears the default if it pointed at it.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return notFound(id)
	}
	if err := s.backend.Delete(ctx, id.String()); nil != err && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	delete(s.accounts, id)
	if nil != s.defaultID && *s.defaultID == id {
		s.defaultID = nil
	}
	s.logger.Debug().Str("id", id.String()).Msg("Removed account")
	return nil
}

// DefaultCredentials returns the default account's credentials, refreshed when they are
// about to expire. Without a default the first account by username is chosen and
// remembered. It returns nil when there are no accounts.
func (s *Store) DefaultCredentials(ctx context.Context) (*auth.Credentials, error) {
	id, err := s.ensureDefault(ctx)
	if nil != err || uuid.Nil == id {
		return nil, err
	}
	creds, ok := s.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	if creds.ExpiresWithin(s.now(), s.margin) {
		return s.Refresh(ctx, id)
	}
	return &creds, nil
}

func (s *Store) ensureDefault(ctx context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nil != s.defaultID {
		return *s.defaultID, nil
	}
	if len(s.accounts) == 0 {
		return uuid.Nil, nil
	}
	first := slices.MinFunc(lo.Values(s.accounts), byUsername)
	if err := s.backend.SetDefault(ctx, first.ID.String()); nil != err {
		return uuid.Nil, err
	}
	s.defaultID = ptr.Of(first.ID)
	s.logger.Info().Str("id", first.ID.String()).Str("username", first.Username).Msg("Picked default account")
	return first.ID, nil
}
