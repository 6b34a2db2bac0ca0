package train

import (
	"github.com/lockstepml/lockstep/pkg/core/tensors"
)

// Dataset provides the data for a train.Trainer, one batch at a time.
//
// Notice one batch (the unit of data) is a single dense tensor of inputs and
// one tensor of labels: implementations are expected to do their own batching
// (see datasets.BatchLoader).
//
// The Dataset interface allows for extensions by defining extra optional
// interfaces that a Dataset can also implement. See EpochSetter and
// SizedDataset.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Yield one batch or an error.
	//
	// It returns `inputs` (typically shaped `[batch, ...]`) and `labels`
	// (typically shaped `[batch]`), whose leading dimensions must match.
	//
	// When the dataset is exhausted -- the end of an epoch -- it returns
	// `io.EOF`, and the training loop terminates the epoch normally. Any
	// other error interrupts training and is returned to the user.
	Yield() (inputs, labels *tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning of its current epoch.
	// It is called by Loop.RunEpochs between epochs, after io.EOF is reached.
	Reset() error
}

// EpochSetter is implemented by datasets whose sample order is a function of
// the epoch number -- e.g., the per-epoch reshuffle of a distributed sampler.
//
// Loop.RunEpochs calls SetEpoch before each epoch starts. Every replica of a
// data-parallel run observes the same sequence of SetEpoch calls, which keeps
// their shards derived from the same permutation.
//
// It's optional.
type EpochSetter interface {
	// SetEpoch advances the dataset to the given epoch's sample order,
	// restarting from its beginning.
	SetEpoch(epoch int)
}

// SizedDataset is implemented by datasets that know upfront how many batches
// one epoch yields. Loop.RunEpochs uses it to set Loop.EndStep before the
// first step, instead of extrapolating after the first epoch.
//
// It's optional.
type SizedDataset interface {
	// StepsPerEpoch returns the number of batches one epoch yields.
	StepsPerEpoch() int
}
