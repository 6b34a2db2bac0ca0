// Package optimizers implements the optimizers that update model parameters
// from gradients.
//
// Everything here runs on host tensors: an Optimizer.Step takes the named
// parameters and their named gradients and mutates the parameters in place.
// The distributed layer wraps any Optimizer so that gradients are averaged
// across replicas before the update (see pkg/ml/distributed).
package optimizers

import "github.com/lockstepml/lockstep/pkg/core/tensors"

// Optimizer updates parameters in place from their gradients.
//
// Step must be deterministic given (parameters, gradients): synchronized
// replicas feed identical inputs to Step and rely on identical outputs to
// keep their models bit-for-bit in agreement.
type Optimizer interface {
	// Step applies one update. Both maps are keyed by parameter name; only
	// parameters with a gradient entry are touched. A gradient naming an
	// unknown parameter or mismatching its shape is an error.
	Step(params, grads map[string]*tensors.Tensor) error

	// Name identifies the optimizer, for logging.
	Name() string
}
