package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MaxImageDimension bounds both sides of an uploaded image.
	MaxImageDimension = 800
	// ImageQuality is the JPEG quality used for re-encoding (0.8).
	ImageQuality = 80
	// maxSourceImageBytes caps what we are willing to decode.
	maxSourceImageBytes = 32 << 20
)

var ErrUnsupportedImage = errors.New("unsupported image")

// Image is a prepared image payload ready for upload.
type Image struct {
	Data          []byte
	ContentType   string
	Width, Height int
	SourceWidth   int
	SourceHeight  int
}

// ScaledSize returns the output dimensions for a w×h source so that
// neither side exceeds bound, preserving aspect ratio. Sources already
// within bounds are returned unchanged.
func ScaledSize(w, h, bound int) (int, int) {
	if w <= 0 || h <= 0 || bound <= 0 {
		return 0, 0
	}
	if w <= bound && h <= bound {
		return w, h
	}
	scale := math.Min(float64(bound)/float64(w), float64(bound)/float64(h))
	outW := int(math.Round(float64(w) * scale))
	outH := int(math.Round(float64(h) * scale))
	outW = min(max(outW, 1), bound)
	outH = min(max(outH, 1), bound)
	return outW, outH
}

// PrepareImage decodes src, downscales it to fit MaxImageDimension and
// re-encodes it as JPEG at ImageQuality.
func PrepareImage(src io.Reader) (Image, error) {
	raw, err := io.ReadAll(io.LimitReader(src, maxSourceImageBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(raw) > maxSourceImageBytes {
		return Image{}, fmt.Errorf("%w: source larger than %d bytes", ErrUnsupportedImage, maxSourceImageBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	outW, outH := ScaledSize(srcW, srcH, MaxImageDimension)
	if outW == 0 || outH == 0 {
		return Image{}, fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if outW == srcW && outH == srcH {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: ImageQuality}); err != nil {
		return Image{}, fmt.Errorf("failed to encode image: %w", err)
	}

	return Image{
		Data:         buf.Bytes(),
		ContentType:  "image/jpeg",
		Width:        outW,
		Height:       outH,
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}
