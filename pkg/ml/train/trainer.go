package train

import (
	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/distributed"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/pkg/errors"
)

// Model is anything that can compute a loss and its gradients from a batch.
//
// Implementations own their parameters: Parameters returns the live tensors
// (not copies), keyed by name, and the optimizer updates them in place.
// ForwardBackward must not mutate the parameters itself.
type Model interface {
	// ForwardBackward runs one forward pass over the batch and returns the
	// mean batch loss along with the gradient of the loss with respect to
	// each parameter, keyed by the same names as Parameters.
	ForwardBackward(inputs, labels *tensors.Tensor) (loss float32, grads map[string]*tensors.Tensor, err error)

	// Parameters returns the model's trainable parameters, keyed by name.
	Parameters() map[string]*tensors.Tensor
}

// Trainer puts together a Model, an optimizer and a distributed.Coordinator,
// and runs one training step at a time.
//
// The given optimizer is wrapped with Coordinator.WrapOptimizer, so every
// TrainStep averages gradients across all replicas before applying them.
// Since replicas start from broadcast-identical parameters (Trainer.Init) and
// apply identical averaged gradients, their parameters stay numerically
// identical for the whole run.
//
// Trainer is not safe for concurrent use: one training step at a time.
type Trainer struct {
	model     Model
	optimizer optimizers.Optimizer
	coord     *distributed.Coordinator

	initialized bool
	globalStep  int
}

// NewTrainer creates a Trainer for the model. It panics if any of the pieces
// is missing; that is a programming error, not a runtime condition.
//
// Call Init once before the first TrainStep.
func NewTrainer(model Model, opt optimizers.Optimizer, coord *distributed.Coordinator) *Trainer {
	if model == nil || opt == nil || coord == nil {
		exceptions.Panicf("train.NewTrainer: model, optimizer and coordinator must not be nil")
	}
	return &Trainer{
		model:     model,
		optimizer: coord.WrapOptimizer(opt),
		coord:     coord,
	}
}

// Init broadcasts the master's parameter values to every replica, so all
// replicas start the run from the same point. It must be called exactly once,
// before the first TrainStep, on every replica (the broadcast is a
// collective).
func (t *Trainer) Init() error {
	if t.initialized {
		return errors.Errorf("train.Trainer.Init: already initialized")
	}
	err := t.coord.BroadcastParameters(t.model.Parameters(), 0)
	if err != nil {
		return errors.WithMessagef(err, "train.Trainer.Init: broadcasting parameters from rank 0")
	}
	t.initialized = true
	return nil
}

// TrainStep runs one training step on the batch: forward and backward pass,
// cross-replica gradient averaging and the optimizer update. It returns the
// batch loss of this replica.
func (t *Trainer) TrainStep(inputs, labels *tensors.Tensor) (loss float32, err error) {
	if !t.initialized {
		return 0, errors.Errorf("train.Trainer.TrainStep: Trainer.Init was not called")
	}
	loss, grads, err := t.model.ForwardBackward(inputs, labels)
	if err != nil {
		return 0, errors.WithMessagef(err, "train step #%d: forward/backward", t.globalStep)
	}
	err = t.optimizer.Step(t.model.Parameters(), grads)
	if err != nil {
		return 0, errors.WithMessagef(err, "train step #%d: optimizer %q", t.globalStep, t.optimizer.Name())
	}
	t.globalStep++
	return loss, nil
}

// GlobalStep returns the number of training steps applied so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Coordinator returns the coordinator the trainer synchronizes through.
func (t *Trainer) Coordinator() *distributed.Coordinator { return t.coord }

// Model returns the model being trained.
func (t *Trainer) Model() Model { return t.model }
