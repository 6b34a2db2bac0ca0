// Package datasets provides the data side of training: the sample index
// loaded from a CSV manifest, the image dataset decoding samples on demand,
// the deterministic distributed sampler, and the batch loader feeding the
// train loop.
//
// The pieces compose in that order. A SampleIndex maps positions to image
// paths and labels; an ImageDataset turns one position into a decoded,
// transformed tensor; a DistributedSampler decides which positions this
// replica visits in which order; and a BatchLoader walks that order,
// decoding in parallel and stacking samples into batches.
package datasets

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/lockstepml/lockstep/pkg/support/sets"
	"github.com/pkg/errors"
)

// Columns every manifest must carry.
const (
	ManifestFilenameColumn = "filenames"
	ManifestLabelColumn    = "num_id"
)

// SampleIndex is the immutable mapping from dataset position to image path
// and 0-based class label, loaded once from a CSV manifest.
type SampleIndex struct {
	manifestPath string
	paths        []string
	labels       []int32
	numClasses   int
}

// LoadSampleIndex reads the CSV manifest at manifestPath and resolves every
// filename against imagesDir. The manifest needs a header row with a
// "filenames" and a "num_id" column; ids in the file are 1-based and are
// converted to 0-based labels here. Any failure returns a *ManifestError.
func LoadSampleIndex(manifestPath, imagesDir string) (*SampleIndex, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, &ManifestError{Path: manifestPath, Err: err}
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			ManifestFilenameColumn: series.String,
			ManifestLabelColumn:    series.Int,
		}))
	if df.Error() != nil {
		return nil, &ManifestError{Path: manifestPath, Err: df.Error()}
	}
	columns := sets.MakeWith(df.Names()...)
	for _, required := range []string{ManifestFilenameColumn, ManifestLabelColumn} {
		if !columns.Has(required) {
			return nil, &ManifestError{Path: manifestPath,
				Err: errors.Errorf("missing column %q (manifest has %v)", required, df.Names())}
		}
	}
	if df.Nrow() == 0 {
		return nil, &ManifestError{Path: manifestPath, Err: errors.New("manifest lists no samples")}
	}

	filenames := df.Col(ManifestFilenameColumn).Records()
	ids, err := df.Col(ManifestLabelColumn).Int()
	if err != nil {
		return nil, &ManifestError{Path: manifestPath,
			Err: errors.Wrapf(err, "column %q must hold integers", ManifestLabelColumn)}
	}

	index := &SampleIndex{
		manifestPath: manifestPath,
		paths:        make([]string, len(filenames)),
		labels:       make([]int32, len(filenames)),
	}
	maxLabel := int32(-1)
	for i, name := range filenames {
		if name == "" {
			return nil, &ManifestError{Path: manifestPath, Err: errors.Errorf("row %d has an empty filename", i)}
		}
		index.paths[i] = filepath.Join(imagesDir, name)
		if ids[i] < 1 {
			return nil, &ManifestError{Path: manifestPath,
				Err: errors.Errorf("row %d: ids are 1-based, got %d", i, ids[i])}
		}
		label := int32(ids[i]) - 1 // The manifest ids are 1-based.
		index.labels[i] = label
		if label > maxLabel {
			maxLabel = label
		}
	}
	index.numClasses = int(maxLabel) + 1
	return index, nil
}

// Len returns the number of samples in the index.
func (index *SampleIndex) Len() int { return len(index.paths) }

// NumClasses is one plus the largest 0-based label seen in the manifest.
func (index *SampleIndex) NumClasses() int { return index.numClasses }

// Get returns the image path and 0-based label at the given position.
func (index *SampleIndex) Get(position int) (path string, label int32) {
	return index.paths[position], index.labels[position]
}
