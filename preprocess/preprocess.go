package preprocess

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	"physique-analyze-pipeline/models"
)

const minQuality = 40

// JPEGProcessor normalizes uploaded photos before they are sent to the
// vision API: EXIF orientation is applied, the image is downscaled to fit
// maxDimension, and the JPEG quality is lowered until the payload fits
// within maxBytes.
type JPEGProcessor struct {
	maxDimension int
	quality      int
	maxBytes     int
}

func NewJPEGProcessor(maxDimension, quality, maxBytes int) *JPEGProcessor {
	return &JPEGProcessor{
		maxDimension: maxDimension,
		quality:      quality,
		maxBytes:     maxBytes,
	}
}

// Process decodes, orients, scales and re-encodes the image. Undecodable
// input yields an INVALID_IMAGE error, which callers must not retry.
func (p *JPEGProcessor) Process(imageData []byte) ([]byte, error) {
	orientation := readOrientation(imageData)

	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, models.WrapError(models.CodeInvalidImage, "failed to decode image", false, err)
	}

	if orientation != 1 {
		img = applyOrientation(img, orientation)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// Already a JPEG within limits: pass through untouched.
	if format == "jpeg" && orientation == 1 &&
		width <= p.maxDimension && height <= p.maxDimension && len(imageData) <= p.maxBytes {
		return imageData, nil
	}

	if width > p.maxDimension || height > p.maxDimension {
		scale := float64(p.maxDimension) / float64(width)
		if s := float64(p.maxDimension) / float64(height); s < scale {
			scale = s
		}
		newWidth := int(float64(width) * scale)
		newHeight := int(float64(height) * scale)
		scaled := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Over, nil)
		img = scaled
	}

	out, quality, err := p.encodeUnderLimit(img)
	if err != nil {
		return nil, models.WrapError(models.CodeInvalidImage, "failed to encode image", false, err)
	}
	log.Infof("image preprocessed: %d bytes -> %d bytes (quality %d, %dx%d -> %dx%d)",
		len(imageData), len(out), quality, width, height, img.Bounds().Dx(), img.Bounds().Dy())
	return out, nil
}

// encodeUnderLimit re-encodes at decreasing quality until the result fits
// maxBytes or quality bottoms out at minQuality.
func (p *JPEGProcessor) encodeUnderLimit(img image.Image) ([]byte, int, error) {
	quality := p.quality
	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, err
		}
		if buf.Len() <= p.maxBytes || quality <= minQuality {
			if buf.Len() > p.maxBytes {
				log.Warnf("image still %d bytes at quality %d, sending anyway", buf.Len(), quality)
			}
			return buf.Bytes(), quality, nil
		}
		quality -= 10
	}
}

// readOrientation extracts the EXIF orientation tag, defaulting to 1.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	val, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return val
}

// applyOrientation maps each source pixel through the transform implied by
// the EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dst *image.RGBA
	var place func(x, y int) (int, int)

	switch orientation {
	case 2:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		place = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		place = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		place = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		place = func(x, y int) (int, int) { return y, x }
	case 6:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		place = func(x, y int) (int, int) { return h - 1 - y, x }
	case 7:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		place = func(x, y int) (int, int) { return h - 1 - y, w - 1 - x }
	case 8:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		place = func(x, y int) (int, int) { return y, w - 1 - x }
	default:
		return img
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := place(x, y)
			dst.Set(dx, dy, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return dst
}
