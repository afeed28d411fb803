package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	perrors "github.com/yungbote/thumbnailer/internal/pkg/errors"
	"github.com/yungbote/thumbnailer/internal/platform/logger"
)

// galleryItem is the record type the engine tests run against.
type galleryItem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Guard `gorm:"-"`

	Caption string `gorm:"column:caption"`

	Photo      ImageRef `gorm:"embedded;embeddedPrefix:photo_"`
	PhotoThumb ImageRef `gorm:"embedded;embeddedPrefix:photo_thumb_"`
}

func (galleryItem) TableName() string { return "gallery_item" }

func (galleryItem) ThumbnailDeclarations() []Declaration {
	return []Declaration{
		{Field: "PhotoThumb", SourceField: "Photo"},
	}
}

// memBlob is an in-memory BlobStore counting uploads so tests can
// assert how many rebuilds actually happened.
type memBlob struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploads     int
	failUploads bool
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}}
}

func (m *memBlob) Upload(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUploads {
		return fmt.Errorf("blob store unavailable")
	}
	m.objects[key] = data
	m.uploads++
	return nil
}

func (m *memBlob) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", key, perrors.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlob) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlob) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memBlob) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}

func (m *memBlob) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

func (m *memBlob) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *memBlob) setFailUploads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUploads = fail
}

// memCache is an in-memory CacheStore.
type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}}
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", perrors.ErrNotFound
	}
	return v, nil
}

func (c *memCache) Put(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// failCache raises on every call, modeling a dead cache service.
type failCache struct{}

func (failCache) Get(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("cache unavailable")
}
func (failCache) Put(ctx context.Context, key, value string) error {
	return fmt.Errorf("cache unavailable")
}
func (failCache) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("cache unavailable")
}

// newTestEngine wires an engine with an in-memory blob store and the
// given cache onto a fresh in-memory sqlite database with galleryItem
// registered.
func newTestEngine(t *testing.T, cache CacheStore) (*Engine, *gorm.DB, *memBlob) {
	t.Helper()

	blob := newMemBlob()
	eng := NewEngine(logger.Nop(), blob, cache, "testapp")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection keeps concurrent rebuild write-backs from
	// tripping sqlite's shared-cache locking.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&galleryItem{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := db.Use(eng); err != nil {
		t.Fatalf("install engine: %v", err)
	}
	if err := eng.Register(&galleryItem{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return eng, db, blob
}

// itemBinding returns the single binding bound for galleryItem. Tests
// mutate its declaration to simulate a declaration change between
// process runs.
func itemBinding(t *testing.T, eng *Engine) *Binding {
	t.Helper()
	bound := eng.bindingsFor(reflect.TypeOf(galleryItem{}))
	if len(bound) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(bound))
	}
	return bound[0]
}

// encodeJPEG renders an opaque w x h JPEG.
func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg fixture: %v", err)
	}
	return buf.Bytes()
}

// encodePNGAlpha renders a w x h PNG with uniform alpha.
func encodePNGAlpha(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 30, B: 30, A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png fixture: %v", err)
	}
	return buf.Bytes()
}

func decodeConfig(t *testing.T, data []byte) image.Config {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return cfg
}
