package train

import (
	"time"

	"k8s.io/klog/v2"
)

// StepLoggerName is the name of the step logger hooks, for error reports.
const StepLoggerName = "lockstep.train.steplogger"

// DefaultLogEverySteps is how often AttachStepLogger emits when `every <= 0`.
const DefaultLogEverySteps = 100

// stepLogger emits the periodic training line.
type stepLogger struct {
	every int
	last  time.Time
}

func (s *stepLogger) onStart(loop *Loop, _ Dataset) error {
	s.last = time.Now()
	return nil
}

func (s *stepLogger) onStep(loop *Loop, loss float32) error {
	if loop.EpochStep%s.every != 0 {
		return nil
	}
	elapsed := time.Since(s.last)
	s.last = time.Now()
	klog.Infof("Train Epoch: %d   duration(%s)  loss:%v total-samples: %d",
		loop.Epoch, elapsed, loss, loop.EpochStep*loop.LastBatchSize)
	return nil
}

// AttachStepLogger registers the periodic training log on the loop: every
// `every` steps of an epoch (including the epoch's step 0) it emits
//
//	Train Epoch: E   duration(D)  loss:L total-samples: S
//
// where D is the time elapsed since the previous emission and S is how many
// samples this replica consumed in the epoch before the current step.
//
// Unlike progress bars, the step logger is meant to run on every replica:
// the lines carry the replica's own loss and sample count, and klog prefixes
// identify the process they came from.
//
// If `every <= 0` it defaults to DefaultLogEverySteps.
func AttachStepLogger(loop *Loop, every int) {
	if every <= 0 {
		every = DefaultLogEverySteps
	}
	s := &stepLogger{every: every}
	loop.OnStart(StepLoggerName, 0, s.onStart)
	loop.OnStep(StepLoggerName, 0, s.onStep)
}
