package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/xeptore/flaw/v8"
	"github.com/zalando/go-keyring"

	"github.com/xeptore/mcauth/errutil"
)

const KeyringService = "mcauth"

// Keyring keeps the accounts document as a single secret in the OS credential store.
type Keyring struct {
	documentBackend
}

var _ Backend = (*Keyring)(nil)

func OpenKeyring(service, user string) (*Keyring, error) {
	if service == "" {
		return nil, flaw.From(errors.New("keyring service cannot be empty"))
	}
	if user == "" {
		return nil, flaw.From(errors.New("keyring user cannot be empty"))
	}
	return &Keyring{documentBackend{blob: keyringBlob{service: service, user: user}}}, nil //nolint:exhaustruct
}

type keyringBlob struct {
	service string
	user    string
}

func (k keyringBlob) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); nil != err {
		return nil, err
	}
	secret, err := keyring.Get(k.service, k.user)
	if nil != err {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		flawP := flaw.P{"service": k.service, "user": k.user, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to read keyring secret: %v", err)).Append(flawP)
	}
	return []byte(secret), nil
}

func (k keyringBlob) write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); nil != err {
		return err
	}
	if err := keyring.Set(k.service, k.user, string(b)); nil != err {
		flawP := flaw.P{"service": k.service, "user": k.user, "size": len(b), "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write keyring secret: %v", err)).Append(flawP)
	}
	return nil
}
