package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/mcauth/log"
	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/ratelimit"
	"github.com/xeptore/mcauth/result"
)

// refreshTimeout bounds one shared refresh exchange, which runs detached from the
// callers waiting on it.
const refreshTimeout = 2 * time.Minute

// Refresh renews one account's credentials. Concurrent calls for the same account share
// a single exchange, and a caller giving up does not cancel it for the others. The
// network work runs without holding the store lock.
func (s *Store) Refresh(ctx context.Context, id uuid.UUID) (*auth.Credentials, error) {
	ch := s.inflight.DoChan(id.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(ctx, id)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, auth.NewError(auth.KindCancelled, ctx.Err())
	case res = <-ch:
	}
	if res.Shared {
		s.logger.Debug().Str("id", id.String()).Msg("Joined in-flight refresh")
	}
	if nil != res.Err {
		return nil, res.Err
	}
	creds := *res.Val.(*auth.Credentials) //nolint:forcetypeassert
	return &creds, nil
}

func (s *Store) refresh(ctx context.Context, id uuid.UUID) (*auth.Credentials, error) {
	current, ok := s.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	logger := s.logger.With().Str("id", id.String()).Str("username", current.Username).Logger()
	logger.Debug().Msg("Refreshing account")

	primary, err := s.refresher.RefreshPrimary(ctx, current.RefreshToken)
	if nil != err {
		return nil, err
	}
	fresh, err := s.refresher.SignIn(ctx, primary, nil)
	if nil != err {
		return nil, err
	}
	if fresh.ID != id {
		return nil, auth.NewError(auth.KindMalformedResponse, fmt.Errorf("refresh of account %s resolved profile %s", id, fresh.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.accounts[id]
	if !ok {
		return nil, notFound(id)
	}
	stored.Username = fresh.Username
	stored.AccessToken = fresh.AccessToken
	stored.ExpiresAt = fresh.ExpiresAt
	if fresh.RefreshToken != "" {
		stored.RefreshToken = fresh.RefreshToken
	}
	if err := s.put(ctx, stored, false); nil != err {
		return nil, err
	}
	logger.Info().Time("expires_at", stored.ExpiresAt).Msg("Refreshed account")
	return &stored, nil
}

// RefreshAll refreshes every account expiring within the refresh margin. Each account
// gets its own result; a failed refresh never removes the account.
func (s *Store) RefreshAll(ctx context.Context) map[uuid.UUID]result.Of[auth.Credentials] {
	now := s.now()
	due := make([]uuid.UUID, 0)
	for _, c := range s.List() {
		if c.ExpiresWithin(now, s.margin) {
			due = append(due, c.ID)
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[uuid.UUID]result.Of[auth.Credentials], len(due))
		wg      errgroup.Group
	)
	wg.SetLimit(ratelimit.RefreshConcurrency)
	for i, id := range due {
		wg.Go(func() error {
			if i > 0 {
				if err := sleep(ctx, ratelimit.RefreshStagger()); nil != err {
					mu.Lock()
					results[id] = result.Err[auth.Credentials](auth.NewError(auth.KindCancelled, err))
					mu.Unlock()
					return nil
				}
			}
			creds, err := s.Refresh(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if nil != err {
				if !errors.Is(err, auth.ErrCancelled) {
					s.logger.Error().Str("id", id.String()).Func(log.Flaw(err)).Msg("Failed to refresh account")
				}
				results[id] = result.Err[auth.Credentials](err)
				return nil
			}
			results[id] = result.Ok(creds)
			return nil
		})
	}
	_ = wg.Wait()
	return results
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
