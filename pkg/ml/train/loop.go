// Package train holds the training engine: the Dataset contract, the Trainer
// (one step at a time) and the Loop that drives epochs, along with hooks and
// the periodic training log.
package train

import (
	"io"
	"math"
	"slices"
	"time"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Priority orders hook execution: lower values run earlier, negative values
// are fine, and hooks sharing a priority run in registration order.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It receives the loss of the step that
// just finished.
type OnStepFn func(loop *Loop, loss float32) error

// OnEndFn is the type of OnEnd hooks. It receives the loss of the last step.
type OnEndFn func(loop *Loop, loss float32) error

// Loop drives training: it pulls batches from a Dataset, hands each one to
// Trainer.TrainStep and fires the registered hooks around the run.
//
// The Loop itself carries no training logic beyond that. Attachments add it:
// the periodic training log (AttachStepLogger), the progress bar, or anything
// else built on the OnStart, OnStep and OnEnd hooks.
//
// In a data-parallel run every replica drives its own Loop over its own data
// shard; the replicas stay in lock-step because each Trainer.TrainStep
// synchronizes gradients through the coordinator.
//
// The exported fields are for reading; hooks must not write to them.
type Loop struct {
	// Trainer executes the steps of this loop.
	Trainer *Trainer

	// LoopStep is the step being executed. It starts at the Trainer's
	// GlobalStep, which is 0 for a fresh Trainer.
	LoopStep int

	// StartStep is the LoopStep the current run began at. Only valid during
	// a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one past the last step of the current run, or -1 while the
	// epoch length is unknown: RunEpochs over a dataset that does not report
	// its size fills it in once the first epoch ends. Only valid during a
	// run.
	EndStep int

	// Epoch is the epoch RunEpochs is executing, counted from 0.
	Epoch int

	// EpochStep is the step index within the current epoch, counted from 0.
	// Under RunSteps, which has no epochs, it counts from the start of the
	// run.
	EpochStep int

	// LastBatchSize is the leading dimension of the inputs yielded for the
	// current step.
	LastBatchSize int

	// TrainStepDurations collects the wall time of every executed step.
	TrainStepDurations []time.Duration

	onStart hookList[OnStartFn]
	onStep  hookList[OnStepFn]
	onEnd   hookList[OnEndFn]
}

// NewLoop creates a training loop around the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:  trainer,
		LoopStep: trainer.GlobalStep(),
	}
}

// OnStart registers fn to run once, before the first step of a run. The name
// identifies the hook in errors.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.add(name, priority, fn)
}

// OnStep registers fn to run after every Trainer.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.add(name, priority, fn)
}

// OnEnd registers fn to run once, after the last step of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.add(name, priority, fn)
}

// begin fires the start hooks.
func (loop *Loop) begin(ds Dataset) error {
	for _, hook := range loop.onStart.entries {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step times one Trainer.TrainStep and runs the per-step bookkeeping.
func (loop *Loop) step(inputs, labels *tensors.Tensor) (float32, error) {
	begin := time.Now()
	defer func() {
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(begin))
	}()

	loss, err := loop.Trainer.TrainStep(inputs, labels)
	if err != nil {
		return 0, err
	}
	if err := loop.afterStep(loss); err != nil {
		return 0, err
	}
	return loss, nil
}

// afterStep fires the step hooks and rejects NaN or infinite losses.
func (loop *Loop) afterStep(loss float32) error {
	for _, hook := range loop.onStep.entries {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	switch l := float64(loss); {
	case math.IsNaN(l):
		return errors.Errorf("batch loss is NaN, training interrupted")
	case math.IsInf(l, 0):
		return errors.Errorf("batch loss is infinity (%f), training interrupted", l)
	}
	return nil
}

// finish fires the end hooks.
func (loop *Loop) finish(loss float32) error {
	for _, hook := range loop.onEnd.entries {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func checkYield(inputs, labels *tensors.Tensor) error {
	if inputs == nil || labels == nil {
		return errors.Errorf("dataset yielded a nil tensor and no error (inputs set: %v, labels set: %v)",
			inputs != nil, labels != nil)
	}
	if inputs.Rank() == 0 || labels.Rank() == 0 {
		return errors.Errorf("dataset yielded scalar tensors (inputs shaped %s, labels shaped %s), "+
			"expected a leading batch dimension", inputs.Shape(), labels.Shape())
	}
	if inputs.Shape().Dimensions[0] != labels.Shape().Dimensions[0] {
		return errors.Errorf("dataset yielded %d inputs but %d labels (inputs shaped %s, labels shaped %s)",
			inputs.Shape().Dimensions[0], labels.Shape().Dimensions[0], inputs.Shape(), labels.Shape())
	}
	return nil
}

// RunSteps trains for the given number of steps. Calling it again resumes
// from the current LoopStep, so consecutive runs concatenate.
func (loop *Loop) RunSteps(ds Dataset, steps int) error {
	if steps <= 0 {
		return nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err := loop.begin(ds); err != nil {
		return err
	}

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	var loss float32
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return errors.Errorf(
				"reached Dataset end after %d steps, %d were requested: RunSteps needs a dataset that loops, otherwise use RunEpochs",
				loop.LoopStep-loop.StartStep, steps)
		}
		if err != nil {
			return errors.WithMessagef(err, "RunSteps(%d): failed reading from Dataset", steps)
		}
		if err := checkYield(inputs, labels); err != nil {
			return err
		}
		loop.EpochStep = loop.LoopStep - loop.StartStep
		loop.LastBatchSize = inputs.Shape().Dimensions[0]

		if loss, err = loop.step(inputs, labels); err != nil {
			return errors.WithMessagef(err, "RunSteps(%d): step %d failed", steps, loop.LoopStep)
		}
	}
	if err := loop.finish(loss); err != nil {
		return errors.WithMessagef(err, "RunSteps(%d): end of run (LoopStep=%d)", steps, loop.LoopStep)
	}
	return nil
}

// RunEpochs trains for the given number of full passes over the dataset,
// resuming from the current LoopStep like RunSteps does.
//
// With a SizedDataset the end step is known before the first step; otherwise
// EndStep stays -1 through the first epoch and is extrapolated when that
// epoch ends. A dataset implementing EpochSetter receives SetEpoch before
// each epoch starts, which is how epoch-dependent sample orders advance.
// Every epoch ends with a Dataset.Reset, the last one included.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) error {
	if epochs <= 0 {
		return nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if sized, ok := ds.(SizedDataset); ok {
		loop.EndStep = loop.LoopStep + epochs*sized.StepsPerEpoch()
	}
	loop.Epoch = 0
	if err := loop.begin(ds); err != nil {
		return err
	}

	epochSetter, hasSetEpoch := ds.(EpochSetter)
	loop.TrainStepDurations = loop.TrainStepDurations[:0]
	var loss float32
	for ; loop.Epoch < epochs; loop.Epoch++ {
		if hasSetEpoch {
			epochSetter.SetEpoch(loop.Epoch)
		}
		stepsThisEpoch := 0
		for {
			inputs, labels, err := ds.Yield()
			if err == io.EOF {
				if loop.EndStep < 0 {
					// First epoch done: now the epoch length is known.
					loop.EndStep = loop.LoopStep + stepsThisEpoch*(epochs-loop.Epoch-1)
				}
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			if err := checkYield(inputs, labels); err != nil {
				return err
			}
			loop.EpochStep = stepsThisEpoch
			loop.LastBatchSize = inputs.Shape().Dimensions[0]
			stepsThisEpoch++

			if loss, err = loop.step(inputs, labels); err != nil {
				return errors.WithMessagef(err, "RunEpochs(epoch %d of %d): step %d failed",
					loop.Epoch, epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		if err := ds.Reset(); err != nil {
			return errors.WithMessagef(err, "RunEpochs(epoch %d of %d): failed resetting Dataset",
				loop.Epoch, epochs)
		}
	}
	if err := loop.finish(loss); err != nil {
		return errors.WithMessagef(err, "RunEpochs(%d): end of run (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return nil
}

// MedianTrainStepDuration returns the median wall time of the executed
// steps. Without any recorded step it falls back to 1ms.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	sorted := slices.Clone(loop.TrainStepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

type hookEntry[F any] struct {
	name     string
	priority Priority
	fn       F
}

// hookList keeps the hooks of one kind sorted by priority; within a priority,
// registration order wins.
type hookList[F any] struct {
	entries []hookEntry[F]
}

func (l *hookList[F]) add(name string, priority Priority, fn F) {
	at := len(l.entries)
	for at > 0 && l.entries[at-1].priority > priority {
		at--
	}
	l.entries = slices.Insert(l.entries, at, hookEntry[F]{name: name, priority: priority, fn: fn})
}
