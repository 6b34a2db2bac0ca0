package images

import (
	"image"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
)

// Pipeline is the image-to-tensor collaborator a dataset consumes: it runs
// the image-space transforms, converts to a [Height, Width, 3] tensor in
// [0, 1] and applies the optional channel normalization.
type Pipeline struct {
	transform    Transform
	mean, stddev []float32
}

// NewPipeline builds a pipeline around the given transform chain. A nil
// transform skips straight to the tensor conversion.
func NewPipeline(transform Transform) *Pipeline {
	return &Pipeline{transform: transform}
}

// WithNormalization adds a per-channel normalization step after the tensor
// conversion and returns the pipeline. Both slices must have 3 entries, one
// per RGB channel.
func (p *Pipeline) WithNormalization(mean, stddev []float32) *Pipeline {
	if len(mean) != 3 || len(stddev) != 3 {
		exceptions.Panicf("Pipeline.WithNormalization: want 3 values per slice, got %d means and %d stddevs",
			len(mean), len(stddev))
	}
	for _, s := range stddev {
		if s == 0 {
			exceptions.Panicf("Pipeline.WithNormalization: stddev must not contain zeros, got %v", stddev)
		}
	}
	p.mean, p.stddev = mean, stddev
	return p
}

// Apply converts one decoded image to its tensor.
func (p *Pipeline) Apply(img image.Image) (*tensors.Tensor, error) {
	var err error
	if p.transform != nil {
		img, err = p.transform.Apply(img)
		if err != nil {
			return nil, err
		}
	}
	t := ToTensor(img)
	if p.mean != nil {
		Normalize(t, p.mean, p.stddev)
	}
	return t, nil
}

// TrainingPipeline is the standard augmentation chain for classification
// training: a random resized crop to size x size, a random horizontal flip,
// and ImageNet channel normalization. rng seeds the augmentation; nil seeds
// it from the clock.
func TrainingPipeline(size int, rng *rand.Rand) *Pipeline {
	var cropRng, flipRng *rand.Rand
	if rng != nil {
		// Each transform serializes access to its own rng only, so they
		// cannot share one.
		cropRng = rand.New(rand.NewSource(rng.Int63()))
		flipRng = rand.New(rand.NewSource(rng.Int63()))
	}
	return NewPipeline(Compose(
		RandomResizedCrop(size, cropRng),
		RandomHorizontalFlip(flipRng),
	)).WithNormalization(ImageNetMean, ImageNetStddev)
}

// EvaluationPipeline is the deterministic chain used at evaluation time:
// resize the shorter side to size*8/7 (256 for the usual 224), crop the
// center size x size, and normalize.
func EvaluationPipeline(size int) *Pipeline {
	return NewPipeline(Compose(
		Resize(size*8/7),
		CenterCrop(size),
	)).WithNormalization(ImageNetMean, ImageNetStddev)
}
