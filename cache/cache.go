package cache

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/xeptore/mcauth/minecraft/auth"
)

var (
	DefaultProfileTTL     = 10 * time.Minute
	DefaultAuthBackoffTTL = 60 * time.Second
)

type Cache struct {
	Profiles    ProfilesCache
	AuthBackoff AuthBackoffCache
}

func New() *Cache {
	profilesCache := ccache.New(
		ccache.Configure[*auth.Profile]().
			MaxSize(100).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	backoffCache := ccache.New(
		ccache.Configure[struct{}]().
			MaxSize(100).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		Profiles: ProfilesCache{
			c:   profilesCache,
			mux: sync.Mutex{},
		},
		AuthBackoff: AuthBackoffCache{
			c: backoffCache,
		},
	}
}

func (c *Cache) Stop() {
	c.Profiles.c.Stop()
	c.AuthBackoff.c.Stop()
}

// ProfilesCache holds profiles fetched online, keyed by account id.
type ProfilesCache struct {
	c   *ccache.Cache[*auth.Profile]
	mux sync.Mutex
}

func (c *ProfilesCache) Fetch(k string, ttl time.Duration, fetch func() (*auth.Profile, error)) (*ccache.Item[*auth.Profile], error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.c.Fetch(k, ttl, fetch)
}

func (c *ProfilesCache) Delete(k string) {
	c.c.Delete(k)
}

// AuthBackoffCache remembers access tokens the game services just rejected, so they are
// not retried until the entry expires.
type AuthBackoffCache struct {
	c *ccache.Cache[struct{}]
}

func (c *AuthBackoffCache) Mark(token string, ttl time.Duration) {
	c.c.Set(token, struct{}{}, ttl)
}

func (c *AuthBackoffCache) Active(token string) bool {
	item := c.c.Get(token)
	return nil != item && !item.Expired()
}

func (c *AuthBackoffCache) Clear(token string) {
	c.c.Delete(token)
}
