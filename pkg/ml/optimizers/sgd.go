package optimizers

import (
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// SGDConfig configures an SGD optimizer.
type SGDConfig struct {
	// LearningRate scales the update. Required, must be > 0. Callers running
	// data-parallel typically scale their base rate by the world size (the
	// linear scaling rule); the optimizer applies whatever it is given.
	LearningRate float32

	// Momentum coefficient in [0, 1). 0 disables momentum, 0.9 is the usual
	// classification recipe.
	Momentum float32

	// WeightDecay adds WeightDecay*parameter to each gradient (L2
	// regularization) before the update. Must be >= 0.
	WeightDecay float32

	// Nesterov switches to Nesterov momentum. Requires Momentum > 0.
	Nesterov bool
}

// SGD implements stochastic gradient descent with optional momentum,
// weight decay and Nesterov lookahead.
//
// The update per parameter p with gradient g is
//
//	g = g + weightDecay*p
//	v = momentum*v + g
//	p = p - learningRate*v          (or g + momentum*v with Nesterov)
//
// Velocity buffers are zero-initialized per parameter name on first use, so
// the first step degenerates to plain gradient descent. Not safe for
// concurrent Step calls.
type SGD struct {
	cfg        SGDConfig
	velocities map[string]*tensors.Tensor
}

var _ Optimizer = (*SGD)(nil)

// NewSGD validates the configuration and returns the optimizer.
func NewSGD(cfg SGDConfig) (*SGD, error) {
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("sgd: learning rate must be > 0, got %g", cfg.LearningRate)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.Errorf("sgd: momentum must be in [0, 1), got %g", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, errors.Errorf("sgd: weight decay must be >= 0, got %g", cfg.WeightDecay)
	}
	if cfg.Nesterov && cfg.Momentum == 0 {
		return nil, errors.Errorf("sgd: nesterov momentum requires momentum > 0")
	}
	return &SGD{
		cfg:        cfg,
		velocities: make(map[string]*tensors.Tensor),
	}, nil
}

// Name implements Optimizer.
func (s *SGD) Name() string { return "sgd" }

// Step implements Optimizer. Gradients are read-only; parameters are mutated
// in place.
func (s *SGD) Step(params, grads map[string]*tensors.Tensor) error {
	for _, name := range xslices.SortedKeys(grads) {
		param, found := params[name]
		if !found {
			return errors.Errorf("sgd: gradient for unknown parameter %q", name)
		}
		grad := grads[name]
		if !param.Shape().Equal(grad.Shape()) {
			return errors.Errorf("sgd: parameter %q is shaped %s but its gradient is shaped %s",
				name, param.Shape(), grad.Shape())
		}
		s.update(name, param, grad)
	}
	return nil
}

func (s *SGD) update(name string, param, grad *tensors.Tensor) {
	velocity := s.velocities[name]
	if velocity == nil && s.cfg.Momentum != 0 {
		velocity = tensors.FromShape(param.Shape())
		s.velocities[name] = velocity
	}
	lr := s.cfg.LearningRate
	momentum := s.cfg.Momentum
	weightDecay := s.cfg.WeightDecay

	param.MutableFlatData(func(p []float32) {
		grad.ConstFlatData(func(g []float32) {
			if momentum == 0 {
				for i := range p {
					step := g[i] + weightDecay*p[i]
					p[i] -= lr * step
				}
				return
			}
			velocity.MutableFlatData(func(v []float32) {
				for i := range p {
					step := g[i] + weightDecay*p[i]
					v[i] = momentum*v[i] + step
					if s.cfg.Nesterov {
						step += momentum * v[i]
					} else {
						step = v[i]
					}
					p[i] -= lr * step
				}
			})
		})
	})
}
