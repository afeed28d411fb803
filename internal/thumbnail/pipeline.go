package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"path"
	"strings"

	"github.com/chai2010/webp"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	_ "image/gif"

	_ "golang.org/x/image/webp"
)

// Format is the encoding chosen for a rendered thumbnail.
type Format string

const (
	FormatJPEG Format = "JPEG"
	FormatPNG  Format = "PNG"
	FormatWEBP Format = "WEBP"
)

const jpegQuality = 85

// RenderResult is the output of the transform pipeline.
type RenderResult struct {
	Bytes  []byte
	Format Format
	// Name is the derived logical name: the source base name with
	// "_thumbnail" appended before the extension, extension verbatim.
	Name string
}

// Render is the transform pipeline: decode the source bytes, normalize
// orientation, resize per method, pick the encoding from the source
// extension and encode at quality 85. It is pure — no cache reads, no
// database interaction — so it is shared verbatim by the reconciliation
// engine and the bulk backfill operator.
func Render(src io.Reader, sourceName string, size Size, method ResizeMethod) (*RenderResult, error) {
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}

	// Rotate/flip so the pixel grid matches the intended visual
	// orientation; the metadata itself never survives re-encoding.
	img = applyOrientation(img, exifOrientation(raw))

	switch method {
	case ResizeFill, ResizeCover:
		img = resizeCover(img, size)
	default:
		img = resizeFit(img, size)
	}

	format := formatForName(sourceName)
	if format == FormatJPEG {
		img = flattenForJPEG(img)
	}

	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatWEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return &RenderResult{
		Bytes:  buf.Bytes(),
		Format: format,
		Name:   derivedName(sourceName),
	}, nil
}

// derivedName appends "_thumbnail" before the extension of the source's
// base name, preserving the extension verbatim and the directory prefix
// of the blob key. A source without an extension yields "<base>_thumbnail".
func derivedName(sourceName string) string {
	dir := path.Dir(sourceName)
	base := path.Base(sourceName)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := stem + "_thumbnail" + ext
	if dir == "." || dir == "/" {
		return name
	}
	return path.Join(dir, name)
}

// formatForName picks the encoding from the source extension,
// case-insensitive, falling back to JPEG for anything unrecognized
// (including a missing extension).
func formatForName(sourceName string) Format {
	switch strings.ToLower(path.Ext(sourceName)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".png":
		return FormatPNG
	case ".webp":
		return FormatWEBP
	default:
		return FormatJPEG
	}
}

// exifOrientation returns the EXIF orientation tag (1..8), or 1 when
// the bytes carry no usable metadata.
func exifOrientation(raw []byte) int {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation bakes an EXIF orientation into the pixel grid.
func applyOrientation(img image.Image, orientation int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// Each case maps destination coordinates back to source coordinates.
	switch orientation {
	case 2: // mirrored horizontally
		return remap(img, w, h, func(x, y int) (int, int) { return w - 1 - x, y })
	case 3: // rotated 180
		return remap(img, w, h, func(x, y int) (int, int) { return w - 1 - x, h - 1 - y })
	case 4: // mirrored vertically
		return remap(img, w, h, func(x, y int) (int, int) { return x, h - 1 - y })
	case 5: // mirrored then rotated 90 CW
		return remap(img, h, w, func(x, y int) (int, int) { return y, x })
	case 6: // rotated 90 CW
		return remap(img, h, w, func(x, y int) (int, int) { return y, h - 1 - x })
	case 7: // mirrored then rotated 270 CW
		return remap(img, h, w, func(x, y int) (int, int) { return w - 1 - y, h - 1 - x })
	case 8: // rotated 270 CW
		return remap(img, h, w, func(x, y int) (int, int) { return w - 1 - y, x })
	default:
		return img
	}
}

func remap(src image.Image, dstW, dstH int, at func(x, y int) (int, int)) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			sx, sy := at(x, y)
			dst.Set(x, y, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}

// resizeFit scales the image to fit within size, preserving aspect
// ratio. It never upscales; a source already within the target is
// returned untouched.
func resizeFit(img image.Image, size Size) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}
	scale := math.Min(float64(size.Width)/float64(w), float64(size.Height)/float64(h))
	if scale >= 1 {
		return img
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// resizeCover scales so both target dimensions are covered, then
// center-crops to exactly size. Implemented as a single scale from a
// centered aspect-correct source window.
func resizeCover(img image.Image, size Size) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}
	scale := math.Max(float64(size.Width)/float64(w), float64(size.Height)/float64(h))
	srcW := int(math.Round(float64(size.Width) / scale))
	srcH := int(math.Round(float64(size.Height) / scale))
	if srcW > w {
		srcW = w
	}
	if srcH > h {
		srcH = h
	}
	x0 := b.Min.X + (w-srcW)/2
	y0 := b.Min.Y + (h-srcH)/2

	dst := image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, image.Rect(x0, y0, x0+srcW, y0+srcH), draw.Src, nil)
	return dst
}

// flattenForJPEG composites any non-opaque bitmap over an opaque white
// background; JPEG has no alpha channel. Paletted images go through the
// draw op's RGBA conversion.
func flattenForJPEG(img image.Image) image.Image {
	if op, ok := img.(interface{ Opaque() bool }); ok && op.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
