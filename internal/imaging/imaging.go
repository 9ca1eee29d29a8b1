// Package imaging validates downloaded assets by decoding them and applies
// the optional resize and re-encode transform.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	// decoders for formats only read, never written by name
	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
)

// Output formats accepted by Options.Format.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

const defaultJPEGQuality = 90

// OutputExtensions lists every suffix Process returns for a re-encoded asset.
var OutputExtensions = []string{".png", ".jpg", ".bmp", ".tiff"}

// ErrBadOptions reports an invalid transform configuration.
var ErrBadOptions = errors.New("invalid image options")

// Options describes the transform. Zero Width and Height keep the original
// size; an empty Format keeps the original codec.
type Options struct {
	Width       int
	Height      int
	Format      string
	JPEGQuality int
}

// Validate checks the both-or-neither size rule and the format name.
func (o Options) Validate() error {
	if (o.Width == 0) != (o.Height == 0) {
		return fmt.Errorf("%w: width and height must be set together", ErrBadOptions)
	}
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("%w: width and height must be >= 1", ErrBadOptions)
	}
	switch o.Format {
	case "", FormatPNG, FormatJPEG:
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrBadOptions, o.Format)
	}
	if o.JPEGQuality < 0 || o.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpeg quality must be within 0-100", ErrBadOptions)
	}
	return nil
}

func (o Options) resize() bool { return o.Width > 0 && o.Height > 0 }

// Asset is a validated, possibly transformed payload.
type Asset struct {
	Data []byte
	// Ext is the file extension matching Data, with a leading dot.
	Ext string
}

// Transformer decodes and transforms assets. It is safe for concurrent use.
type Transformer struct {
	opts Options
}

// New validates opts and returns a Transformer.
func New(opts Options) (*Transformer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = defaultJPEGQuality
	}
	return &Transformer{opts: opts}, nil
}

// Process fully decodes data, then resizes and re-encodes it as configured.
// ext is the extension the asset was published with. Undecodable payloads
// yield crawler.ErrInvalidAsset.
func (t *Transformer) Process(data []byte, ext string) (Asset, error) {
	img, codec, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Asset{}, fmt.Errorf("%w: decode: %v", crawler.ErrInvalidAsset, err)
	}

	target := t.opts.Format
	if !t.opts.resize() && (target == "" || target == codec) {
		return Asset{Data: data, Ext: ext}, nil
	}
	if t.opts.resize() {
		img = scale(img, t.opts.Width, t.opts.Height)
	}
	if target == "" {
		target = codec
	}

	var buf bytes.Buffer
	outExt, err := t.encode(&buf, img, target)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Data: buf.Bytes(), Ext: outExt}, nil
}

func (t *Transformer) encode(buf *bytes.Buffer, img image.Image, format string) (string, error) {
	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: t.opts.JPEGQuality}); err != nil {
			return "", fmt.Errorf("encode jpeg: %w", err)
		}
		return ".jpg", nil
	case "bmp":
		if err := bmp.Encode(buf, img); err != nil {
			return "", fmt.Errorf("encode bmp: %w", err)
		}
		return ".bmp", nil
	case "tiff":
		if err := tiff.Encode(buf, img, nil); err != nil {
			return "", fmt.Errorf("encode tiff: %w", err)
		}
		return ".tiff", nil
	default:
		// png, and codecs without an encoder such as webp and gif
		if err := png.Encode(buf, img); err != nil {
			return "", fmt.Errorf("encode png: %w", err)
		}
		return ".png", nil
	}
}

func scale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
