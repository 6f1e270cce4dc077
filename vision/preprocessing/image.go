package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Channels is the number of color channels kept in an image tensor
const Channels = 3

// DecodeError reports image data that could not be decoded
type DecodeError struct {
	Source string // file path, or "<reader>" for streams
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageProcessor decodes images, resizes them to a square target size and
// converts them to CHW float32 tensors normalized to [0, 1]
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the square edge length produced by the processor
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// Decode decodes a JPEG or PNG stream
func (p *ImageProcessor) Decode(reader io.Reader) (image.Image, error) {
	return decode(reader, "<reader>")
}

// DecodeFile decodes the image stored at path
func (p *ImageProcessor) DecodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer file.Close()

	return decode(file, path)
}

func decode(reader io.Reader, source string) (image.Image, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Source: source, Err: errors.Errorf("empty image %dx%d", b.Dx(), b.Dy())}
	}
	return img, nil
}

// Filter returns the interpolation used to bring an image of the given size to
// the target size. Upscaling in either dimension uses the Mitchell-Netravali
// cubic; everything else uses bilinear, whose support widens with the
// reduction factor so downscaling is anti-aliased.
func (p *ImageProcessor) Filter(width, height int) resize.InterpolationFunction {
	if p.targetSize > width || p.targetSize > height {
		return resize.MitchellNetravali
	}
	return resize.Bilinear
}

// Resize scales img to the target size and forces an 8-bit RGBA layout.
// The returned image is freshly allocated.
func (p *ImageProcessor) Resize(img image.Image) *image.RGBA {
	return p.resizeInto(img, nil)
}

// resizeInto resizes img and returns it as RGBA at the origin. When the resizer
// produces another color model the pixels are drawn into dst, which is
// allocated if nil.
func (p *ImageProcessor) resizeInto(img image.Image, dst *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	filter := p.Filter(bounds.Dx(), bounds.Dy())

	size := uint(p.targetSize)
	resized := resize.Resize(size, size, img, filter)

	if rgba, ok := resized.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}

	if dst == nil {
		dst = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	draw.Draw(dst, dst.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return dst
}

// DecodeAndResize decodes a stream and resizes it to the target size
func (p *ImageProcessor) DecodeAndResize(reader io.Reader) (*image.RGBA, error) {
	img, err := p.Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Resize(img), nil
}

// ToTensor converts an RGBA image to a (3, H, W) float32 tensor in [0, 1].
// Bytes are divided by 255, the layout goes from HWC to CHW and alpha is dropped.
func ToTensor(img *image.RGBA) (*tensor.Dense, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.Errorf("cannot convert empty image %dx%d", width, height)
	}

	plane := width * height
	data := make([]float32, Channels*plane)

	for y := 0; y < height; y++ {
		off := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		row := img.Pix[off : off+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			idx := y*width + x
			data[0*plane+idx] = float32(px[0]) / 255.0 // R channel
			data[1*plane+idx] = float32(px[1]) / 255.0 // G channel
			data[2*plane+idx] = float32(px[2]) / 255.0 // B channel
		}
	}

	return tensor.New(tensor.WithShape(Channels, height, width), tensor.WithBacking(data)), nil
}

// DecodeAndPreprocess decodes a stream and returns its (3, S, S) tensor
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*tensor.Dense, error) {
	img, err := p.Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img)
}

// Preprocess resizes an already decoded image and returns its (3, S, S) tensor.
// The intermediate RGBA buffer is reused between calls; only the returned
// tensor outlives the call.
func (p *ImageProcessor) Preprocess(img image.Image) (*tensor.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}

	return ToTensor(p.resizeInto(img, p.tempImageBuffer))
}

// LoadTensor decodes the file at path and returns its (3, S, S) tensor
func (p *ImageProcessor) LoadTensor(path string) (*tensor.Dense, error) {
	img, err := p.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img)
}

// DecodeBytes decodes an in-memory image and returns its (3, S, S) tensor
func (p *ImageProcessor) DecodeBytes(data []byte) (*tensor.Dense, error) {
	return p.DecodeAndPreprocess(bytes.NewReader(data))
}
