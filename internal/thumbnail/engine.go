package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	perrors "github.com/yungbote/thumbnailer/internal/pkg/errors"
	"github.com/yungbote/thumbnailer/internal/platform/logger"
)

// BlobStore is the byte-storage service derived thumbnails are written
// to and source images are read from.
type BlobStore interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Binding is a declaration bound to a record type. Bindings are created
// once at registration and immutable afterwards.
type Binding struct {
	Declaration Declaration
	// Model is the snake-case record type name used in cache keys and
	// CLI lookups, e.g. "media_asset".
	Model string
	// Attr is the snake-case derived attribute name, e.g. "image_thumb".
	Attr string

	namespace string
	policyKey string

	modelType     reflect.Type
	pkField       string
	srcNameColumn string
	dstNameColumn string
	dstSizeColumn string
}

func (b *Binding) sourceKey(id string) string {
	return sourceKey(b.namespace, b.Model, id, b.Attr)
}

// Engine is the derived-attribute reconciliation engine. It is a GORM
// plugin: once installed with db.Use and given record types via
// Register, it runs after every create/update of a registered type,
// decides rebuild-vs-skip via fingerprints, renders the thumbnail,
// writes it to the blob store and re-persists the derived columns —
// without recursing into itself and without failing the outer
// persistence.
type Engine struct {
	log       *logger.Logger
	store     BlobStore
	cache     *fingerprintCache
	namespace string

	db          *gorm.DB
	namer       schema.NamingStrategy
	schemaCache sync.Map

	mu           sync.RWMutex
	bindings     map[reflect.Type][]*Binding
	modelsByName map[string]any
}

func NewEngine(log *logger.Logger, store BlobStore, cache CacheStore, namespace string) *Engine {
	engineLog := log.With("service", "ThumbnailEngine")
	if namespace == "" {
		namespace = "app"
	}
	return &Engine{
		log:          engineLog,
		store:        store,
		cache:        &fingerprintCache{store: cache, log: engineLog},
		namespace:    namespace,
		namer:        schema.NamingStrategy{},
		bindings:     map[reflect.Type][]*Binding{},
		modelsByName: map[string]any{},
	}
}

func (e *Engine) Name() string { return "thumbnail" }

// Initialize installs the engine's callbacks. Called by db.Use.
func (e *Engine) Initialize(db *gorm.DB) error {
	e.db = db
	if err := db.Callback().Create().Before("gorm:create").Register("thumbnail:release_orphans", e.releaseOrphans); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("thumbnail:release_orphans", e.releaseOrphans); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:create").Register("thumbnail:reconcile", e.afterPersist); err != nil {
		return err
	}
	return db.Callback().Update().After("gorm:update").Register("thumbnail:reconcile", e.afterPersist)
}

// Register binds the thumbnail declarations of one or more record
// types. Each model must implement Declarer and embed Guard.
// Misconfiguration fails loudly here, before any record is persisted;
// the policy-fingerprint write is best-effort.
func (e *Engine) Register(models ...any) error {
	for _, model := range models {
		if err := e.register(model); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) register(model any) error {
	declarer, ok := model.(Declarer)
	if !ok {
		return fmt.Errorf("%T does not declare thumbnails: %w", model, perrors.ErrInvalidArgument)
	}

	s, err := schema.Parse(model, &e.schemaCache, e.namer)
	if err != nil {
		return fmt.Errorf("parse schema for %T: %w", model, err)
	}
	if !reflect.PointerTo(s.ModelType).Implements(reflect.TypeOf((*guarded)(nil)).Elem()) {
		return fmt.Errorf("%s must embed thumbnail.Guard: %w", s.Name, perrors.ErrInvalidArgument)
	}
	if s.PrioritizedPrimaryField == nil {
		return fmt.Errorf("%s has no primary key: %w", s.Name, perrors.ErrInvalidArgument)
	}

	modelName := e.namer.ColumnName("", s.Name)
	var bound []*Binding
	for _, decl := range declarer.ThumbnailDeclarations() {
		decl, err := decl.normalized()
		if err != nil {
			return fmt.Errorf("%s: %w", s.Name, err)
		}
		b := &Binding{
			Declaration: decl,
			Model:       modelName,
			Attr:        e.namer.ColumnName("", decl.Field),
			namespace:   e.namespace,
			modelType:   s.ModelType,
			pkField:     s.PrioritizedPrimaryField.Name,
		}
		b.policyKey = policyKey(e.namespace, modelName, b.Attr)

		if err := e.resolveColumns(s, b); err != nil {
			return err
		}
		bound = append(bound, b)

		// The cache is an optimization; a failed write here only means
		// the first reconciliation reads the policy as changed.
		e.cache.storePolicy(context.Background(), b)
	}
	if len(bound) == 0 {
		return fmt.Errorf("%s declares no thumbnails: %w", s.Name, perrors.ErrInvalidArgument)
	}

	e.mu.Lock()
	e.bindings[s.ModelType] = bound
	e.modelsByName[modelName] = reflect.New(s.ModelType).Interface()
	e.mu.Unlock()

	e.log.Info("registered thumbnail declarations", "model", modelName, "declarations", len(bound))
	return nil
}

// resolveColumns maps the declaration's Go field names onto the DB
// columns of the embedded ImageRef fields.
func (e *Engine) resolveColumns(s *schema.Schema, b *Binding) error {
	refType := reflect.TypeOf(ImageRef{})
	for _, fieldName := range []string{b.Declaration.SourceField, b.Declaration.Field} {
		f, ok := s.ModelType.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("%s has no field %q: %w", s.Name, fieldName, perrors.ErrInvalidArgument)
		}
		if f.Type != refType {
			return fmt.Errorf("%s.%s must be a thumbnail.ImageRef, got %s: %w", s.Name, fieldName, f.Type, perrors.ErrInvalidArgument)
		}
	}
	for _, f := range s.Fields {
		if len(f.BindNames) != 2 {
			continue
		}
		switch {
		case f.BindNames[0] == b.Declaration.SourceField && f.BindNames[1] == "Name":
			b.srcNameColumn = f.DBName
		case f.BindNames[0] == b.Declaration.Field && f.BindNames[1] == "Name":
			b.dstNameColumn = f.DBName
		case f.BindNames[0] == b.Declaration.Field && f.BindNames[1] == "ByteSize":
			b.dstSizeColumn = f.DBName
		}
	}
	if b.srcNameColumn == "" || b.dstNameColumn == "" || b.dstSizeColumn == "" {
		return fmt.Errorf("%s: %q/%q must be embedded ImageRef fields (gorm:\"embedded;embeddedPrefix:...\"): %w",
			s.Name, b.Declaration.SourceField, b.Declaration.Field, perrors.ErrInvalidArgument)
	}
	return nil
}

// Models lists registered record type names, sorted.
func (e *Engine) Models() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.modelsByName))
	for name := range e.modelsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelByName resolves a registered record type by its snake-case name.
func (e *Engine) ModelByName(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.modelsByName[name]
	return m, ok
}

// Deconstructed returns the declarative serialization of every bound
// declaration, keyed by record type name, for migration tooling.
func (e *Engine) Deconstructed() map[string][]Deconstructed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string][]Deconstructed{}
	for _, bound := range e.bindings {
		for _, b := range bound {
			out[b.Model] = append(out[b.Model], b.Declaration.Deconstruct())
		}
	}
	return out
}

func (e *Engine) bindingsFor(t reflect.Type) []*Binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bindings[t]
}

// releaseOrphans runs before the record is written: when the source
// attribute is absent, the derived attribute releases its blob without
// triggering a save of its own.
func (e *Engine) releaseOrphans(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	e.eachInstance(db.Statement.ReflectValue, func(rv reflect.Value, inst any) {
		bound := e.bindingsFor(rv.Type())
		if len(bound) == 0 {
			return
		}
		if inst.(guarded).thumbnailGuard().Load() {
			return
		}
		ctx := db.Statement.Context
		for _, b := range bound {
			src := rv.FieldByName(b.Declaration.SourceField).Interface().(ImageRef)
			dstField := rv.FieldByName(b.Declaration.Field)
			dst := dstField.Interface().(ImageRef)
			if src.Present() || !dst.Present() {
				continue
			}
			if err := e.store.Delete(ctx, dst.Name); err != nil {
				e.log.Warn("failed to delete orphaned thumbnail blob (ignored)",
					"model", b.Model, "key", dst.Name, "error", err)
			}
			dstField.Set(reflect.ValueOf(ImageRef{}))
		}
	})
}

// afterPersist runs once per persistence event and reconciles every
// bound declaration of the persisted record(s).
func (e *Engine) afterPersist(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	e.eachInstance(db.Statement.ReflectValue, func(rv reflect.Value, inst any) {
		for _, b := range e.bindingsFor(rv.Type()) {
			e.reconcile(db, rv, inst, b)
		}
	})
}

func (e *Engine) eachInstance(rv reflect.Value, fn func(rv reflect.Value, inst any)) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i)
			for elem.Kind() == reflect.Pointer && !elem.IsNil() {
				elem = elem.Elem()
			}
			if elem.Kind() != reflect.Struct {
				continue
			}
			e.eachInstance(elem, fn)
		}
	case reflect.Struct:
		if !rv.CanAddr() {
			return
		}
		if len(e.bindingsFor(rv.Type())) == 0 {
			return
		}
		fn(rv, rv.Addr().Interface())
	}
}

// reconcile is the per-declaration state machine invoked on each
// persistence event. Order is strict: decide, flag on, pipeline, blob
// write, record re-persist, fingerprint update, flag off.
func (e *Engine) reconcile(db *gorm.DB, rv reflect.Value, inst any, b *Binding) {
	flag := inst.(guarded).thumbnailGuard()
	if flag.Load() {
		return
	}

	src := rv.FieldByName(b.Declaration.SourceField).Interface().(ImageRef)
	if !src.Present() {
		return
	}

	ctx := db.Statement.Context
	id := fmt.Sprint(rv.FieldByName(b.pkField).Interface())

	sourceChanged := e.cache.sourceChanged(ctx, b, id, src)
	policyChanged := e.cache.policyChanged(ctx, b)
	shouldRebuild := b.Declaration.ForceRegenerate || sourceChanged || policyChanged

	current := rv.FieldByName(b.Declaration.Field).Interface().(ImageRef)
	if current.Present() && !shouldRebuild {
		return
	}

	flag.Store(true)
	defer flag.Store(false)

	conn := db.Session(&gorm.Session{NewDB: true})
	if err := e.rebuild(ctx, conn, rv, b, src); err != nil {
		// The outer persistence already committed the source; a failed
		// rebuild must not roll it back. Fingerprints stay untouched so
		// the next persistence retries.
		e.log.Error("thumbnail rebuild failed",
			"model", b.Model, "id", id, "attr", b.Attr, "error", err)
		return
	}
	e.cache.storeSource(ctx, b, id, src)
}

// rebuild opens the source blob, runs the transform pipeline, writes
// the derived blob and re-persists the record restricted to the derived
// columns. The caller holds the re-entrancy flag.
func (e *Engine) rebuild(ctx context.Context, conn *gorm.DB, rv reflect.Value, b *Binding, src ImageRef) error {
	rc, err := e.store.Download(ctx, src.Name)
	if err != nil {
		return fmt.Errorf("open source %q: %w", src.Name, err)
	}
	defer rc.Close()

	res, err := Render(rc, src.Name, b.Declaration.Size, b.Declaration.ResizeMethod)
	if err != nil {
		return fmt.Errorf("render %q: %w", src.Name, err)
	}

	if err := e.store.Upload(ctx, res.Name, bytes.NewReader(res.Bytes)); err != nil {
		return fmt.Errorf("upload %q: %w", res.Name, err)
	}

	ref := ImageRef{Name: res.Name, ByteSize: int64(len(res.Bytes))}
	rv.FieldByName(b.Declaration.Field).Set(reflect.ValueOf(ref))

	inst := rv.Addr().Interface()
	updates := map[string]any{
		b.dstNameColumn: ref.Name,
		b.dstSizeColumn: ref.ByteSize,
	}
	if err := conn.WithContext(ctx).Model(inst).Updates(updates).Error; err != nil {
		return fmt.Errorf("persist derived attribute: %w", err)
	}
	return nil
}
