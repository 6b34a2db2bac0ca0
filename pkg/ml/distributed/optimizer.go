package distributed

import (
	"github.com/lockstepml/lockstep/pkg/core/collective"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/lockstepml/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// distributedOptimizer all-reduces gradients before delegating to the wrapped
// optimizer.
type distributedOptimizer struct {
	opt  optimizers.Optimizer
	mesh collective.Mesh
}

var _ optimizers.Optimizer = (*distributedOptimizer)(nil)

// WrapOptimizer returns an optimizer whose Step first averages every gradient
// across all replicas (element-wise sum divided by WorldSize), then applies
// the wrapped optimizer with the averaged gradients.
//
// Gradients are visited in sorted-name order, so all replicas agree on the
// sequence of collective operations. Since the reduction is deterministic and
// the replicas start from broadcast-identical parameters, their parameters
// remain numerically identical after every step.
//
// On a single-replica coordinator the averaging is an identity no-op and the
// wrapped optimizer behaves as if unwrapped.
func (c *Coordinator) WrapOptimizer(opt optimizers.Optimizer) optimizers.Optimizer {
	return &distributedOptimizer{opt: opt, mesh: c.mesh}
}

// Name implements optimizers.Optimizer. The wrapper is transparent: it
// reports the wrapped optimizer's name.
func (d *distributedOptimizer) Name() string { return d.opt.Name() }

// Step implements optimizers.Optimizer. The gradients are averaged in place:
// after Step every replica's grads hold the cross-replica mean.
func (d *distributedOptimizer) Step(params, grads map[string]*tensors.Tensor) error {
	for _, name := range xslices.SortedKeys(grads) {
		var err error
		grads[name].MutableFlatData(func(flat []float32) {
			err = d.mesh.AllReduce(flat, collective.ReduceAverage)
		})
		if err != nil {
			return errors.WithMessagef(err, "averaging gradient %q over %d replicas", name, d.mesh.WorldSize())
		}
	}
	return d.opt.Step(params, grads)
}
