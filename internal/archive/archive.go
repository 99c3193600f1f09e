// Package archive persists tombstones of deleted entities to a blob store so
// operators can audit what a cascade removed after the fact.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"cascadecore/internal/blob"
	"cascadecore/pkg/domain"
)

const (
	contentType = "application/json"
	rootPrefix  = "tombstones"
)

// Archive writes one JSON document per tombstone under
// <prefix>/tombstones/<type>/<id>/<unix-nanos>.json.
type Archive struct {
	store  blob.Store
	prefix string
	logger *zap.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithPrefix nests every key under prefix.
func WithPrefix(prefix string) Option {
	return func(a *Archive) { a.prefix = strings.Trim(prefix, "/") }
}

// WithLogger sets the logger used for skipped documents during List.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Archive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New wraps store.
func New(store blob.Store, opts ...Option) *Archive {
	a := &Archive{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archive) base(parts ...string) string {
	elems := append([]string{a.prefix, rootPrefix}, parts...)
	return path.Join(elems...)
}

// Key returns the blob key a tombstone is stored under.
func (a *Archive) Key(t domain.Tombstone) string {
	return a.base(string(t.Type), t.ID, fmt.Sprintf("%d.json", t.DeletedAt.UnixNano()))
}

// Record implements deletion.TombstoneSink.
func (a *Archive) Record(ctx context.Context, t domain.Tombstone) error {
	if t.Type == "" || t.ID == "" {
		return errors.NotValidf("tombstone %s %q", t.Type, t.ID)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Trace(err)
	}
	md := map[string]string{"entity-type": string(t.Type), "entity-id": t.ID}
	if t.DeletedBy != "" {
		md["deleted-by"] = t.DeletedBy
	}
	if _, err := a.store.Put(ctx, a.Key(t), bytes.NewReader(body), blob.PutOptions{ContentType: contentType, Metadata: md}); err != nil {
		return errors.Annotatef(err, "archive tombstone %s %q", t.Type, t.ID)
	}
	return nil
}

// List returns archived tombstones, oldest first. An empty entityType lists
// every type. Undecodable documents are logged and skipped.
func (a *Archive) List(ctx context.Context, entityType domain.EntityType) ([]domain.Tombstone, error) {
	prefix := a.base() + "/"
	if entityType != "" {
		prefix = a.base(string(entityType)) + "/"
	}
	infos, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Annotate(err, "list tombstones")
	}
	out := make([]domain.Tombstone, 0, len(infos))
	for _, info := range infos {
		t, err := a.read(ctx, info.Key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("skipping tombstone", zap.String("key", info.Key), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	return out, nil
}

func (a *Archive) read(ctx context.Context, key string) (domain.Tombstone, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return domain.Tombstone{}, err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return domain.Tombstone{}, errors.Trace(err)
	}
	var t domain.Tombstone
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Tombstone{}, errors.Annotatef(err, "decode %s", key)
	}
	return t, nil
}
