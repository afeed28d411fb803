package thumbnail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	perrors "github.com/yungbote/thumbnailer/internal/pkg/errors"
	"github.com/yungbote/thumbnailer/internal/platform/logger"
)

// CacheStore is the process-wide key/value service the fingerprint layer
// writes to. Get returns perrors.ErrNotFound on a miss. Entries never
// expire. Any error from any method must be tolerable: the cache is an
// optimization, not a source of truth.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// policyFingerprint detects declaration drift (size or method changed
// between process runs).
type policyFingerprint struct {
	Size         Size         `json:"size"`
	ResizeMethod ResizeMethod `json:"resize_method"`
}

// sourceFingerprint detects source image changes without reading bytes.
type sourceFingerprint struct {
	Name     string `json:"name"`
	ByteSize int64  `json:"byte_size"`
}

func policyKey(namespace, model, attr string) string {
	return fmt.Sprintf("thumbnail_field_%s_%s_%s_size", namespace, model, attr)
}

func sourceKey(namespace, model, id, attr string) string {
	return fmt.Sprintf("thumbnail_source_%s_%s_%s_%s", namespace, model, id, attr)
}

// fingerprintCache wraps a CacheStore with the engine's fail-safe
// semantics: every cache failure is a debug-level event and reads as
// "changed", so a dead cache degrades to rebuilding on every
// persistence, never to wrong output. A nil store behaves like a cache
// that always misses.
type fingerprintCache struct {
	store CacheStore
	log   *logger.Logger
}

func (c *fingerprintCache) get(ctx context.Context, key string, out any) bool {
	if c.store == nil {
		return false
	}
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, perrors.ErrNotFound) {
			c.log.Debug("fingerprint cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.log.Debug("fingerprint cache entry unreadable", "key", key, "error", err)
		return false
	}
	return true
}

func (c *fingerprintCache) put(ctx context.Context, key string, v any) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Debug("fingerprint marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Put(ctx, key, string(raw)); err != nil {
		c.log.Debug("fingerprint cache write failed", "key", key, "error", err)
	}
}

func (c *fingerprintCache) delete(ctx context.Context, key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Debug("fingerprint cache delete failed", "key", key, "error", err)
	}
}

// policyChanged reports whether the cached policy fingerprint differs
// from the binding's current declaration, refreshing the cache on
// drift. Absence or cache failure reads as changed.
func (c *fingerprintCache) policyChanged(ctx context.Context, b *Binding) bool {
	current := policyFingerprint{Size: b.Declaration.Size, ResizeMethod: b.Declaration.ResizeMethod}
	var cached policyFingerprint
	if c.get(ctx, b.policyKey, &cached) && cached == current {
		return false
	}
	c.put(ctx, b.policyKey, current)
	return true
}

// policyDrifted is the read-only variant used by the regenerate
// operator: it compares without refreshing the cached fingerprint.
func (c *fingerprintCache) policyDrifted(ctx context.Context, b *Binding) bool {
	current := policyFingerprint{Size: b.Declaration.Size, ResizeMethod: b.Declaration.ResizeMethod}
	var cached policyFingerprint
	return !(c.get(ctx, b.policyKey, &cached) && cached == current)
}

// sourceChanged reports whether the record's source attribute differs
// from the fingerprint stored after the last successful rebuild.
// Absence means "never built" and reads as changed.
func (c *fingerprintCache) sourceChanged(ctx context.Context, b *Binding, id string, src ImageRef) bool {
	var cached sourceFingerprint
	if !c.get(ctx, b.sourceKey(id), &cached) {
		return true
	}
	return cached != sourceFingerprint{Name: src.Name, ByteSize: src.ByteSize}
}

// storeSource records the just-built source fingerprint. Called only
// after the derived blob is durably written.
func (c *fingerprintCache) storeSource(ctx context.Context, b *Binding, id string, src ImageRef) {
	c.put(ctx, b.sourceKey(id), sourceFingerprint{Name: src.Name, ByteSize: src.ByteSize})
}

// storePolicy writes the binding's current policy fingerprint.
func (c *fingerprintCache) storePolicy(ctx context.Context, b *Binding) {
	c.put(ctx, b.policyKey, policyFingerprint{Size: b.Declaration.Size, ResizeMethod: b.Declaration.ResizeMethod})
}
