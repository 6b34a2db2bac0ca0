// Package images implements the transform pipeline that turns decoded images
// into fixed-shape float32 tensors.
//
// A Pipeline is the unit a dataset consumes: it applies a chain of
// image-space transforms (crop, resize, flip), converts the result to a
// [Height, Width, 3] tensor with values in [0, 1], and optionally normalizes
// each channel. TrainingPipeline and EvaluationPipeline build the standard
// chains used for classification training.
//
// Random transforms draw from their own rng and serialize access to it, so a
// pipeline may be shared by the parallel workers of a batch loader. This
// randomness is per-replica on purpose: augmentation is not part of the
// cross-replica determinism contract, which only covers the sample order.
package images

import (
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/shapes"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Standard RGB normalization statistics for models trained on ImageNet.
var (
	ImageNetMean   = []float32{0.485, 0.456, 0.406}
	ImageNetStddev = []float32{0.229, 0.224, 0.225}
)

// Transform is one image-space operation. Implementations used by a parallel
// loader must be safe for concurrent calls.
type Transform interface {
	Apply(img image.Image) (image.Image, error)
}

// TransformFunc adapts a plain function to the Transform interface.
type TransformFunc func(img image.Image) (image.Image, error)

// Apply implements Transform.
func (f TransformFunc) Apply(img image.Image) (image.Image, error) { return f(img) }

// Compose chains transforms left to right.
func Compose(transforms ...Transform) Transform {
	return TransformFunc(func(img image.Image) (image.Image, error) {
		var err error
		for _, t := range transforms {
			img, err = t.Apply(img)
			if err != nil {
				return nil, err
			}
		}
		return img, nil
	})
}

// Resize scales the image so its shorter side is exactly size pixels,
// preserving the aspect ratio. Lanczos resampling, matching what the rest of
// the pipeline uses.
func Resize(size int) Transform {
	if size <= 0 {
		exceptions.Panicf("images.Resize: size must be positive, got %d", size)
	}
	return TransformFunc(func(img image.Image) (image.Image, error) {
		bounds := img.Bounds()
		if bounds.Dx() <= bounds.Dy() {
			return imaging.Resize(img, size, 0, imaging.Lanczos), nil
		}
		return imaging.Resize(img, 0, size, imaging.Lanczos), nil
	})
}

// CenterCrop cuts the central size x size region. Images smaller than size on
// either side are scaled up first so the crop always succeeds.
func CenterCrop(size int) Transform {
	if size <= 0 {
		exceptions.Panicf("images.CenterCrop: size must be positive, got %d", size)
	}
	return TransformFunc(func(img image.Image) (image.Image, error) {
		bounds := img.Bounds()
		if bounds.Dx() < size || bounds.Dy() < size {
			img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
			return img, nil
		}
		return imaging.CropCenter(img, size, size), nil
	})
}

// randomResizedCrop crops a random region with a random area and aspect
// ratio, then scales it to size x size. This is the usual training-time crop
// for classification.
type randomResizedCrop struct {
	size int

	mu  sync.Mutex
	rng *rand.Rand
}

// Area and aspect-ratio ranges sampled by RandomResizedCrop.
const (
	cropMinArea     = 0.08
	cropMaxArea     = 1.0
	cropMinLogRatio = -0.28768207245178085 // ln(3/4)
	cropMaxLogRatio = 0.28768207245178085  // ln(4/3)
)

// RandomResizedCrop returns a transform cropping a random region covering
// 8% to 100% of the image area with an aspect ratio in [3/4, 4/3], rescaled
// to size x size. A nil rng seeds a fresh one from the clock.
func RandomResizedCrop(size int, rng *rand.Rand) Transform {
	if size <= 0 {
		exceptions.Panicf("images.RandomResizedCrop: size must be positive, got %d", size)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	}
	return &randomResizedCrop{size: size, rng: rng}
}

// Apply implements Transform.
func (c *randomResizedCrop) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.Errorf("cannot crop an empty %dx%d image", width, height)
	}
	area := float64(width) * float64(height)

	c.mu.Lock()
	rect, ok := c.sampleRegion(width, height, area)
	c.mu.Unlock()
	if !ok {
		rect = fallbackCrop(width, height)
	}
	cropped := imaging.Crop(img, rect.Add(bounds.Min))
	return imaging.Resize(cropped, c.size, c.size, imaging.Lanczos), nil
}

// sampleRegion tries a few random area/ratio draws and reports whether one
// fits inside the image. Caller holds c.mu.
func (c *randomResizedCrop) sampleRegion(width, height int, area float64) (image.Rectangle, bool) {
	for attempt := 0; attempt < 10; attempt++ {
		targetArea := area * (cropMinArea + c.rng.Float64()*(cropMaxArea-cropMinArea))
		ratio := math.Exp(cropMinLogRatio + c.rng.Float64()*(cropMaxLogRatio-cropMinLogRatio))
		w := int(math.Round(math.Sqrt(targetArea * ratio)))
		h := int(math.Round(math.Sqrt(targetArea / ratio)))
		if w <= 0 || h <= 0 || w > width || h > height {
			continue
		}
		x := c.rng.Intn(width - w + 1)
		y := c.rng.Intn(height - h + 1)
		return image.Rect(x, y, x+w, y+h), true
	}
	return image.Rectangle{}, false
}

// fallbackCrop is the deterministic center crop used when no random region
// fit: the largest region whose aspect ratio is within the sampled range.
func fallbackCrop(width, height int) image.Rectangle {
	minRatio, maxRatio := math.Exp(cropMinLogRatio), math.Exp(cropMaxLogRatio)
	inRatio := float64(width) / float64(height)
	w, h := width, height
	switch {
	case inRatio < minRatio:
		w = width
		h = int(math.Round(float64(w) / minRatio))
	case inRatio > maxRatio:
		h = height
		w = int(math.Round(float64(h) * maxRatio))
	}
	x := (width - w) / 2
	y := (height - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// randomHorizontalFlip mirrors the image left-right with probability 1/2.
type randomHorizontalFlip struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// RandomHorizontalFlip returns a transform mirroring the image horizontally
// with probability 1/2. A nil rng seeds a fresh one from the clock.
func RandomHorizontalFlip(rng *rand.Rand) Transform {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	}
	return &randomHorizontalFlip{rng: rng}
}

// Apply implements Transform.
func (f *randomHorizontalFlip) Apply(img image.Image) (image.Image, error) {
	f.mu.Lock()
	flip := f.rng.Intn(2) == 1
	f.mu.Unlock()
	if flip {
		return imaging.FlipH(img), nil
	}
	return img, nil
}

// ToTensor converts an image to a [Height, Width, 3] tensor with values
// scaled to [0, 1]. Any color model is forced into 3-channel RGB; alpha is
// dropped.
func ToTensor(img image.Image) *tensors.Tensor {
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	if height <= 0 || width <= 0 {
		exceptions.Panicf("images.ToTensor: cannot convert an empty %dx%d image", width, height)
	}
	t := tensors.FromShape(shapes.Make(height, width, 3))
	t.MutableFlatData(func(flat []float32) {
		if nrgba, ok := img.(*image.NRGBA); ok {
			// Fast path for the type the imaging package produces.
			i := 0
			for y := 0; y < height; y++ {
				row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*width]
				for x := 0; x < 4*width; x += 4 {
					flat[i] = float32(row[x]) / 0xff
					flat[i+1] = float32(row[x+1]) / 0xff
					flat[i+2] = float32(row[x+2]) / 0xff
					i += 3
				}
			}
			return
		}
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA() // 16-bit channels
				flat[i] = float32(r) / 0xffff
				flat[i+1] = float32(g) / 0xffff
				flat[i+2] = float32(b) / 0xffff
				i += 3
			}
		}
	})
	return t
}

// Normalize shifts and scales each channel in place: value = (value - mean) /
// stddev, with channels on the last axis. It panics if the channel counts do
// not line up or a stddev is zero.
func Normalize(t *tensors.Tensor, mean, stddev []float32) {
	channels := t.Shape().Dim(-1)
	if len(mean) != channels || len(stddev) != channels {
		exceptions.Panicf("images.Normalize: tensor has %d channels, got %d means and %d stddevs",
			channels, len(mean), len(stddev))
	}
	for _, s := range stddev {
		if s == 0 {
			exceptions.Panicf("images.Normalize: stddev must not contain zeros, got %v", stddev)
		}
	}
	t.MutableFlatData(func(flat []float32) {
		for i := range flat {
			c := i % channels
			flat[i] = (flat[i] - mean[c]) / stddev[c]
		}
	})
}
