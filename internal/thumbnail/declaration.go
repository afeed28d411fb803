package thumbnail

import (
	"fmt"

	perrors "github.com/yungbote/thumbnailer/internal/pkg/errors"
)

// ResizeMethod selects how a source bitmap is fitted into the target size.
type ResizeMethod string

const (
	// ResizeFit keeps the aspect ratio and fits within the target size.
	// The result may be smaller than the target on one axis. Default.
	ResizeFit ResizeMethod = "fit"
	// ResizeFill scales to cover the target, then center-crops to the
	// exact target dimensions.
	ResizeFill ResizeMethod = "fill"
	// ResizeCover is a behavioral alias for ResizeFill.
	ResizeCover ResizeMethod = "cover"
)

var validResizeMethods = map[ResizeMethod]bool{
	ResizeFit:   true,
	ResizeFill:  true,
	ResizeCover: true,
}

// Size is the target thumbnail dimensions in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// DefaultSize is used when a declaration does not specify dimensions.
var DefaultSize = Size{Width: 300, Height: 300}

// Declaration describes one derived image attribute on a record type:
// which sibling attribute holds the source bytes, the target dimensions
// and the resize method. It is a plain value object; the engine binds it
// to a record type at registration time.
type Declaration struct {
	// Field is the Go field name of the derived ImageRef attribute.
	Field string
	// SourceField is the Go field name of the sibling ImageRef attribute
	// holding the source image. Required.
	SourceField string
	// Size is the target dimensions. Zero value means DefaultSize.
	Size Size
	// ResizeMethod defaults to ResizeFit.
	ResizeMethod ResizeMethod
	// ForceRegenerate rebuilds the thumbnail on every persistence.
	ForceRegenerate bool
	// FieldOptions carries host-attribute options that the engine does
	// not interpret but preserves through Deconstruct/Reconstruct.
	FieldOptions map[string]any
}

// normalized applies defaults and validates. Invalid declarations wrap
// ErrInvalidArgument and must fail before any record is persisted.
func (d Declaration) normalized() (Declaration, error) {
	if d.Field == "" {
		return d, fmt.Errorf("thumbnail declaration requires a derived field name: %w", perrors.ErrInvalidArgument)
	}
	if d.SourceField == "" {
		return d, fmt.Errorf("thumbnail declaration %q requires a source field: %w", d.Field, perrors.ErrInvalidArgument)
	}
	if d.Size == (Size{}) {
		d.Size = DefaultSize
	}
	if d.Size.Width <= 0 || d.Size.Height <= 0 {
		return d, fmt.Errorf("thumbnail declaration %q: size dimensions must be positive integers, got %dx%d: %w",
			d.Field, d.Size.Width, d.Size.Height, perrors.ErrInvalidArgument)
	}
	if d.ResizeMethod == "" {
		d.ResizeMethod = ResizeFit
	}
	if !validResizeMethods[d.ResizeMethod] {
		return d, fmt.Errorf("thumbnail declaration %q: resize method must be one of fit, fill, cover, got %q: %w",
			d.Field, d.ResizeMethod, perrors.ErrInvalidArgument)
	}
	return d, nil
}

// declarationPath is the canonical type path emitted by Deconstruct so
// schema-migration tooling can reproduce the declaration.
const declarationPath = "github.com/yungbote/thumbnailer/internal/thumbnail.Declaration"

// Deconstructed is the declarative serialization of a Declaration.
// Only non-default values appear among the kwargs; source_field always
// appears.
type Deconstructed struct {
	Field  string         `json:"field" yaml:"field"`
	Path   string         `json:"path" yaml:"path"`
	Args   []any          `json:"args" yaml:"args"`
	Kwargs map[string]any `json:"kwargs" yaml:"kwargs"`
}

// Deconstruct serializes the declaration for migration tooling. The
// declaration must already be normalized (bound declarations are).
func (d Declaration) Deconstruct() Deconstructed {
	kwargs := map[string]any{
		"source_field": d.SourceField,
	}
	if d.Size != DefaultSize {
		kwargs["size"] = []int{d.Size.Width, d.Size.Height}
	}
	if d.ResizeMethod != ResizeFit {
		kwargs["resize_method"] = string(d.ResizeMethod)
	}
	if d.ForceRegenerate {
		kwargs["force_regenerate"] = true
	}
	for k, v := range d.FieldOptions {
		kwargs[k] = v
	}
	return Deconstructed{
		Field:  d.Field,
		Path:   declarationPath,
		Args:   []any{},
		Kwargs: kwargs,
	}
}

// Reconstruct rebuilds a Declaration from its deconstructed form. The
// kwargs arrive untyped (e.g. from YAML), so types are checked here and
// violations wrap ErrInvalidArgument.
func Reconstruct(dec Deconstructed) (Declaration, error) {
	d := Declaration{Field: dec.Field}

	raw, ok := dec.Kwargs["source_field"]
	if !ok {
		return d, fmt.Errorf("reconstruct %q: missing source_field: %w", dec.Field, perrors.ErrInvalidArgument)
	}
	src, ok := raw.(string)
	if !ok {
		return d, fmt.Errorf("reconstruct %q: source_field must be a string, got %T: %w", dec.Field, raw, perrors.ErrInvalidArgument)
	}
	d.SourceField = src

	if raw, ok := dec.Kwargs["size"]; ok {
		size, err := sizeFromAny(raw)
		if err != nil {
			return d, fmt.Errorf("reconstruct %q: %w", dec.Field, err)
		}
		d.Size = size
	}
	if raw, ok := dec.Kwargs["resize_method"]; ok {
		m, ok := raw.(string)
		if !ok {
			return d, fmt.Errorf("reconstruct %q: resize_method must be a string, got %T: %w", dec.Field, raw, perrors.ErrInvalidArgument)
		}
		d.ResizeMethod = ResizeMethod(m)
	}
	if raw, ok := dec.Kwargs["force_regenerate"]; ok {
		f, ok := raw.(bool)
		if !ok {
			return d, fmt.Errorf("reconstruct %q: force_regenerate must be a bool, got %T: %w", dec.Field, raw, perrors.ErrInvalidArgument)
		}
		d.ForceRegenerate = f
	}
	for k, v := range dec.Kwargs {
		switch k {
		case "source_field", "size", "resize_method", "force_regenerate":
		default:
			if d.FieldOptions == nil {
				d.FieldOptions = map[string]any{}
			}
			d.FieldOptions[k] = v
		}
	}
	return d.normalized()
}

// sizeFromAny accepts the containers a serialized size can arrive in:
// a two-element slice of integers, in native or decoded-from-YAML form.
func sizeFromAny(raw any) (Size, error) {
	toInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			if n == float64(int(n)) {
				return int(n), true
			}
		}
		return 0, false
	}

	var elems []any
	switch s := raw.(type) {
	case []int:
		for _, n := range s {
			elems = append(elems, n)
		}
	case []any:
		elems = s
	default:
		return Size{}, fmt.Errorf("size must be a two-element pair, got %T: %w", raw, perrors.ErrInvalidArgument)
	}
	if len(elems) != 2 {
		return Size{}, fmt.Errorf("size must have exactly 2 elements (width, height), got %d: %w", len(elems), perrors.ErrInvalidArgument)
	}
	w, ok := toInt(elems[0])
	if !ok {
		return Size{}, fmt.Errorf("size elements must be integers, got %T: %w", elems[0], perrors.ErrInvalidArgument)
	}
	h, ok := toInt(elems[1])
	if !ok {
		return Size{}, fmt.Errorf("size elements must be integers, got %T: %w", elems[1], perrors.ErrInvalidArgument)
	}
	return Size{Width: w, Height: h}, nil
}

// Declarer is implemented by record types that declare derived image
// attributes.
type Declarer interface {
	ThumbnailDeclarations() []Declaration
}
