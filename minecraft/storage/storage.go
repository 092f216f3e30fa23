// Package storage persists signed-in accounts and the default account choice.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xeptore/flaw/v8"
)

const (
	KindSQLite  = "sqlite"
	KindFile    = "file"
	KindKeyring = "keyring"
)

var ErrNotFound = errors.New("account not found")

// Record is one stored account. ID is the game profile id.
type Record struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Snapshot struct {
	Records   []Record
	DefaultID string
}

// Backend is a durable account store. Every method returns only after the change has
// been written.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	// Put inserts or replaces rec. makeDefault also records it as the default account.
	Put(ctx context.Context, rec Record, makeDefault bool) error
	// Delete removes id and clears the default if it pointed at id.
	Delete(ctx context.Context, id string) error
	// SetDefault records id as the default account. An empty id clears it.
	SetDefault(ctx context.Context, id string) error
	Close() error
}

type Options struct {
	Kind        string
	Path        string
	KeyringUser string
}

func Open(opts Options) (Backend, error) {
	switch opts.Kind {
	case KindSQLite, "":
		return OpenSQLite(opts.Path)
	case KindFile:
		return OpenFile(opts.Path)
	case KindKeyring:
		return OpenKeyring(KeyringService, opts.KeyringUser)
	default:
		return nil, flaw.From(fmt.Errorf("unsupported storage backend: %s", opts.Kind)).Append(flaw.P{"kind": opts.Kind})
	}
}
