package thumbnail

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
)

// seedItem inserts a record with the engine's callbacks effectively
// disabled, modeling rows that predate the thumbnail declarations.
func seedItem(t *testing.T, db *gorm.DB, item *galleryItem) {
	t.Helper()
	item.thumbnailGuard().Store(true)
	defer item.thumbnailGuard().Store(false)
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func testDBC() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

func TestBackfillGeneratesMissingThumbnails(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	blob.put("uploads/b.jpg", src)
	blob.put("uploads/b_thumbnail.jpg", []byte("pre-existing"))

	missing := &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))}}
	populated := &galleryItem{
		ID:         uuid.New(),
		Photo:      ImageRef{Name: "uploads/b.jpg", ByteSize: int64(len(src))},
		PhotoThumb: ImageRef{Name: "uploads/b_thumbnail.jpg", ByteSize: 12},
	}
	sourceless := &galleryItem{ID: uuid.New(), Caption: "no image"}
	seedItem(t, db, missing)
	seedItem(t, db, populated)
	seedItem(t, db, sourceless)

	report, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Processed != 1 || report.Generated != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v, want 1 processed, 1 generated", report)
	}

	var got galleryItem
	if err := db.First(&got, "id = ?", missing.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.PhotoThumb.Name != "uploads/a_thumbnail.jpg" {
		t.Fatalf("derived ref = %q", got.PhotoThumb.Name)
	}
	if !blob.has("uploads/a_thumbnail.jpg") {
		t.Fatalf("derived blob missing")
	}
	// The populated record was skipped, its blob untouched.
	if string(blob.get("uploads/b_thumbnail.jpg")) != "pre-existing" {
		t.Fatalf("populated record was rebuilt without force")
	}
}

func TestBackfillForceRebuildsPopulated(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	blob.put("uploads/b.jpg", src)

	first := &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))}}
	second := &galleryItem{
		ID:         uuid.New(),
		Photo:      ImageRef{Name: "uploads/b.jpg", ByteSize: int64(len(src))},
		PhotoThumb: ImageRef{Name: "uploads/b_thumbnail.jpg", ByteSize: 12},
	}
	seedItem(t, db, first)
	seedItem(t, db, second)

	report, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{Force: true, Concurrency: 4})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Processed != 2 || report.Generated != 2 {
		t.Fatalf("report = %+v, want 2 processed, 2 generated", report)
	}
	if !blob.has("uploads/a_thumbnail.jpg") || !blob.has("uploads/b_thumbnail.jpg") {
		t.Fatalf("derived blobs missing")
	}
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	seedItem(t, db, &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))}})

	report, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{DryRun: true})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Processed != 1 || report.Generated != 0 {
		t.Fatalf("report = %+v, want 1 processed, 0 generated", report)
	}
	if blob.uploadCount() != 0 {
		t.Fatalf("dry run uploaded %d blobs", blob.uploadCount())
	}
}

func TestBackfillCollectsPerRecordErrors(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/good.jpg", src)
	blob.put("uploads/bad.jpg", []byte("not an image"))

	good := &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/good.jpg", ByteSize: int64(len(src))}}
	bad := &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/bad.jpg", ByteSize: 12}}
	seedItem(t, db, good)
	seedItem(t, db, bad)

	report, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{})
	if err != nil {
		t.Fatalf("backfill must not abort on record failures: %v", err)
	}
	if report.Processed != 2 || report.Generated != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v, want 2 processed, 1 generated, 1 error", report)
	}
	if !strings.Contains(report.Errors[0].Error(), bad.ID.String()) {
		t.Fatalf("error does not name the failing record: %v", report.Errors[0])
	}
	if !blob.has("uploads/good_thumbnail.jpg") {
		t.Fatalf("healthy record not processed")
	}
}

func TestBackfillFieldFilter(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	seedItem(t, db, &galleryItem{ID: uuid.New(), Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))}})

	for _, field := range []string{"photo_thumb", "PhotoThumb"} {
		report, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{Field: field, Force: true})
		if err != nil {
			t.Fatalf("backfill with field %q: %v", field, err)
		}
		if report.Processed != 1 {
			t.Fatalf("field %q: report = %+v", field, report)
		}
	}

	if _, err := eng.Backfill(testDBC(), &galleryItem{}, BackfillOptions{Field: "bogus"}); err == nil {
		t.Fatalf("unknown field must error")
	}
}

func TestBackfillUnregisteredModel(t *testing.T) {
	eng, _, _ := newTestEngine(t, newMemCache())

	type stranger struct{}
	if _, err := eng.Backfill(testDBC(), &stranger{}, BackfillOptions{}); err == nil {
		t.Fatalf("unregistered model must error")
	}
}

func TestRegenerateSkipsWithoutDrift(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	item := &galleryItem{
		ID:    uuid.New(),
		Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))},
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	uploadsBefore := blob.uploadCount()

	report, err := eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Processed != 0 || report.Generated != 0 {
		t.Fatalf("report = %+v, want untouched", report)
	}
	if blob.uploadCount() != uploadsBefore {
		t.Fatalf("regenerate rebuilt without policy drift")
	}
}

func TestRegenerateAfterPolicyDrift(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	item := &galleryItem{
		ID:    uuid.New(),
		Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))},
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	// Declaration changed since the last run.
	itemBinding(t, eng).Declaration.Size = Size{Width: 150, Height: 150}

	report, err := eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Processed != 1 || report.Generated != 1 {
		t.Fatalf("report = %+v, want 1 processed, 1 generated", report)
	}
	cfg := decodeConfig(t, blob.get("uploads/a_thumbnail.jpg"))
	if cfg.Width != 150 || cfg.Height != 100 {
		t.Fatalf("thumbnail dimensions = %dx%d, want 150x100", cfg.Width, cfg.Height)
	}

	// The run refreshed the policy fingerprint; a second pass skips.
	report, err = eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Generated != 0 {
		t.Fatalf("second pass rebuilt again: %+v", report)
	}
}

func TestRegenerateClearCacheForcesDriftDetection(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	item := &galleryItem{
		ID:    uuid.New(),
		Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))},
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	uploadsBefore := blob.uploadCount()

	report, err := eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{ClearCache: true})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Generated != 1 {
		t.Fatalf("report = %+v, want 1 generated after cache clear", report)
	}
	if blob.uploadCount() != uploadsBefore+1 {
		t.Fatalf("uploads = %d, want %d", blob.uploadCount(), uploadsBefore+1)
	}
}

func TestRegenerateForce(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	item := &galleryItem{
		ID:    uuid.New(),
		Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))},
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	uploadsBefore := blob.uploadCount()

	report, err := eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{Force: true})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Generated != 1 {
		t.Fatalf("report = %+v, want 1 generated under force", report)
	}
	if blob.uploadCount() != uploadsBefore+1 {
		t.Fatalf("uploads = %d, want %d", blob.uploadCount(), uploadsBefore+1)
	}
}

func TestRegenerateDryRunLeavesFingerprintStale(t *testing.T) {
	eng, db, blob := newTestEngine(t, newMemCache())

	src := encodeJPEG(t, 600, 400)
	blob.put("uploads/a.jpg", src)
	item := &galleryItem{
		ID:    uuid.New(),
		Photo: ImageRef{Name: "uploads/a.jpg", ByteSize: int64(len(src))},
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	uploadsBefore := blob.uploadCount()

	itemBinding(t, eng).Declaration.Size = Size{Width: 150, Height: 150}

	report, err := eng.Regenerate(testDBC(), &galleryItem{}, RegenerateOptions{DryRun: true})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if report.Processed != 1 || report.Generated != 0 {
		t.Fatalf("report = %+v, want 1 processed, 0 generated", report)
	}
	if blob.uploadCount() != uploadsBefore {
		t.Fatalf("dry run uploaded blobs")
	}
	// Fingerprint untouched, so a real run still detects the drift.
	if !eng.cache.policyDrifted(context.Background(), itemBinding(t, eng)) {
		t.Fatalf("dry run refreshed the policy fingerprint")
	}
}
