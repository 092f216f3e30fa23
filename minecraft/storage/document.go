package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

// document is the serialized form used by the file and keyring backends.
type document struct {
	Accounts  map[string]Record `json:"accounts"`
	DefaultID string            `json:"default_account,omitempty"`
}

func emptyDocument() *document {
	return &document{Accounts: map[string]Record{}, DefaultID: ""}
}

func decodeDocument(b []byte) (*document, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return emptyDocument(), nil
	}
	doc := emptyDocument()
	if err := json.Unmarshal(b, doc); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode accounts document: %v", err)).Append(flawP)
	}
	if nil == doc.Accounts {
		doc.Accounts = map[string]Record{}
	}
	return doc, nil
}

func (d *document) encode() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to encode accounts document: %v", err)).Append(flawP)
	}
	return b, nil
}

func (d *document) snapshot() *Snapshot {
	out := &Snapshot{Records: make([]Record, 0, len(d.Accounts)), DefaultID: d.DefaultID}
	for _, rec := range d.Accounts {
		out.Records = append(out.Records, rec)
	}
	slices.SortFunc(out.Records, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// blob reads and writes a whole document.
type blob interface {
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, b []byte) error
}

// documentBackend implements Backend as read-modify-write over a blob.
type documentBackend struct {
	mu   sync.Mutex
	blob blob
}

func (d *documentBackend) load(ctx context.Context) (*document, error) {
	b, err := d.blob.read(ctx)
	if nil != err {
		return nil, err
	}
	return decodeDocument(b)
}

func (d *documentBackend) update(ctx context.Context, f func(doc *document) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load(ctx)
	if nil != err {
		return err
	}
	if err := f(doc); nil != err {
		return err
	}
	b, err := doc.encode()
	if nil != err {
		return err
	}
	return d.blob.write(ctx, b)
}

func (d *documentBackend) Load(ctx context.Context) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.load(ctx)
	if nil != err {
		return nil, err
	}
	return doc.snapshot(), nil
}

func (d *documentBackend) Put(ctx context.Context, rec Record, makeDefault bool) error {
	return d.update(ctx, func(doc *document) error {
		doc.Accounts[rec.ID] = rec
		if makeDefault {
			doc.DefaultID = rec.ID
		}
		return nil
	})
}

func (d *documentBackend) Delete(ctx context.Context, id string) error {
	return d.update(ctx, func(doc *document) error {
		if _, ok := doc.Accounts[id]; !ok {
			return ErrNotFound
		}
		delete(doc.Accounts, id)
		if doc.DefaultID == id {
			doc.DefaultID = ""
		}
		return nil
	})
}

func (d *documentBackend) SetDefault(ctx context.Context, id string) error {
	return d.update(ctx, func(doc *document) error {
		doc.DefaultID = id
		return nil
	})
}

func (d *documentBackend) Close() error {
	return nil
}
