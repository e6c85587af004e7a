// Package resultcache is the content-addressed Result Cache: completed
// transcripts keyed by the fingerprint of the audio (plus fingerprint-
// affecting options) that produced them, so a byte-identical resubmission
// short-circuits straight to a cached result instead of re-running the
// engine.
package resultcache

import (
	"context"
	"time"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	gkredis "github.com/kbukum/gokit/redis"
)

const keyPrefix = "transcript"

// DefaultTTL is how long a cached transcript survives without being read
// again. Every Lookup hit renews it (see Cache.Lookup).
const DefaultTTL = 24 * time.Hour

// Cache wraps a redis.TypedStore[jobmodel.Transcript] with the fingerprint
// addressing and TTL-on-read policy the Result Cache needs.
type Cache struct {
	store *gkredis.TypedStore[jobmodel.Transcript]
	ttl   time.Duration
}

// New creates a Cache backed by the given Redis client.
func New(client *gkredis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: gkredis.NewTypedStore[jobmodel.Transcript](client, keyPrefix),
		ttl:   ttl,
	}
}

// Lookup returns the cached transcript for fingerprint, or (nil, nil) on a
// cache miss. A hit renews the TTL, since a fingerprint that keeps being
// resubmitted is exactly the one that should stay warm.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*jobmodel.Transcript, error) {
	t, err := c.store.Load(ctx, fingerprint)
	if err != nil {
		return nil, gkerrors.RegistryUnavailable(err)
	}
	if t == nil {
		return nil, nil
	}
	if err := c.store.Refresh(ctx, fingerprint, c.ttl); err != nil {
		return nil, gkerrors.RegistryUnavailable(err)
	}
	return t, nil
}

// Put stores a newly produced transcript under fingerprint. The Result Cache
// is write-once per fingerprint by convention: callers are expected to Lookup before starting work that would Put, not to
// overwrite an existing entry.
func (c *Cache) Put(ctx context.Context, fingerprint string, t jobmodel.Transcript) error {
	if err := c.store.Save(ctx, fingerprint, &t, c.ttl); err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	return nil
}
