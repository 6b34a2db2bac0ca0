package datasets

import (
	"image"
	"os"

	// Register decoders for the formats manifests point at.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	humanize "github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/images"
	"k8s.io/klog/v2"
)

// ImageDataset adapts a SampleIndex into decoded, transformed tensors.
// Images are opened, decoded and transformed lazily at Get time; nothing is
// cached between calls. Safe for concurrent Get calls, which is how the
// batch loader uses it.
type ImageDataset struct {
	index    *SampleIndex
	pipeline *images.Pipeline
}

// NewImageDataset wraps the index with a transform pipeline. A nil pipeline
// yields bare [Height, Width, 3] tensors with values in [0, 1]; note that
// without a pipeline cropping images to a common size, samples may not stack
// into batches.
func NewImageDataset(index *SampleIndex, pipeline *images.Pipeline) *ImageDataset {
	if index == nil {
		exceptions.Panicf("datasets.NewImageDataset: index must not be nil")
	}
	klog.Infof("Loaded %s labels and %s images from %s",
		humanize.Comma(int64(index.Len())), humanize.Comma(int64(index.Len())), index.manifestPath)
	return &ImageDataset{index: index, pipeline: pipeline}
}

// Len returns the number of samples.
func (ds *ImageDataset) Len() int { return ds.index.Len() }

// NumClasses is one plus the largest 0-based label in the underlying index.
func (ds *ImageDataset) NumClasses() int { return ds.index.NumClasses() }

// Get decodes and transforms the sample at position. Any failure comes back
// as a *DecodeError naming the position and file.
func (ds *ImageDataset) Get(position int) (*tensors.Tensor, int32, error) {
	path, label := ds.index.Get(position)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &DecodeError{Position: position, Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, &DecodeError{Position: position, Path: path, Err: err}
	}
	if ds.pipeline == nil {
		return images.ToTensor(img), label, nil
	}
	t, err := ds.pipeline.Apply(img)
	if err != nil {
		return nil, 0, &DecodeError{Position: position, Path: path, Err: err}
	}
	return t, label, nil
}
