package thumbnail

import (
	"strings"
	"sync/atomic"
)

// ImageRef is a file-handle-like value pointing at an object in the
// blob store. Embed it on a record type with
//
//	Image thumbnail.ImageRef `gorm:"embedded;embeddedPrefix:image_"`
//
// so Name and ByteSize map to scalar columns the engine can query and
// update selectively.
type ImageRef struct {
	Name     string `gorm:"size:512" json:"name"`
	ByteSize int64  `json:"byte_size"`
}

// Present reports whether the ref points at a stored object.
func (r ImageRef) Present() bool {
	return strings.TrimSpace(r.Name) != ""
}

// Guard carries the per-instance re-entrancy flag. Record types with
// thumbnail declarations embed it; the engine raises the flag while it
// re-persists the record so its own write-back does not recurse. The
// flag is per record instance, never process-global, and is not
// persisted.
type Guard struct {
	rebuilding atomic.Bool
}

func (g *Guard) thumbnailGuard() *atomic.Bool { return &g.rebuilding }

// guarded is satisfied by any record type embedding Guard.
type guarded interface {
	thumbnailGuard() *atomic.Bool
}
