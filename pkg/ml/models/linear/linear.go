// Package linear implements the reference model for the training engine: a
// flatten-pixels, single affine layer classifier trained with softmax
// cross-entropy.
//
// The model exists so the trainer is runnable and testable end to end with
// exact, analytically computed gradients -- no autodiff involved. Real
// deployments plug their own train.Model implementation instead.
package linear

import (
	"math"
	"math/rand"
	"path/filepath"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/train"
	"github.com/lockstepml/lockstep/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParamsFileName is the file Save writes inside its directory.
const ParamsFileName = "model.params"

// Config describes the classifier dimensions.
type Config struct {
	// Features is the flattened sample size, e.g. 224*224*3 for an RGB image.
	Features int

	// Classes is the number of classes scored by the affine layer.
	Classes int

	// Seed makes initialization deterministic: the same config yields
	// bit-identical parameters on every replica, which the one-time
	// parameter broadcast then only confirms.
	Seed int64
}

// Model holds the affine layer's parameters:
//
//	weights [Features, Classes]
//	biases  [Classes]
//
// It implements train.Model with loss
//
//	L = -(1/n) * sum_i log(softmax(x_i*W + b)[y_i])
//
// and its exact gradients.
type Model struct {
	features, classes int
	weights, biases   *tensors.Tensor
}

var _ train.Model = (*Model)(nil)

// New creates a model with seeded-deterministic initialization: weights drawn
// from a normal with stddev 1/sqrt(Features), biases zero.
func New(cfg Config) (*Model, error) {
	if cfg.Features < 1 {
		return nil, errors.Errorf("linear: Features must be >= 1, got %d", cfg.Features)
	}
	if cfg.Classes < 2 {
		return nil, errors.Errorf("linear: Classes must be >= 2, got %d", cfg.Classes)
	}
	m := &Model{
		features: cfg.Features,
		classes:  cfg.Classes,
		weights:  tensors.FromFlatDataAndDimensions(make([]float32, cfg.Features*cfg.Classes), cfg.Features, cfg.Classes),
		biases:   tensors.FromFlatDataAndDimensions(make([]float32, cfg.Classes), cfg.Classes),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	stddev := 1 / math.Sqrt(float64(cfg.Features))
	m.weights.MutableFlatData(func(flat []float32) {
		for i := range flat {
			flat[i] = float32(rng.NormFloat64() * stddev)
		}
	})
	return m, nil
}

// Features returns the flattened sample size the model expects.
func (m *Model) Features() int { return m.features }

// Classes returns the number of classes scored.
func (m *Model) Classes() int { return m.classes }

// Parameters implements train.Model. The returned tensors are the live
// parameters, updated in place by the optimizer.
func (m *Model) Parameters() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"weights": m.weights,
		"biases":  m.biases,
	}
}

// ForwardBackward implements train.Model: the mean softmax cross-entropy of
// the batch and its gradients.
//
// The gradient of the loss with respect to the logits is the standard
// softmax gradient (prob - one_hot(target)) / n, which backpropagates through
// the affine layer as
//
//	dW = x^T * dz        db = sum over rows of dz
//
// Inputs of any shape [n, ...] are accepted as long as each sample flattens
// to Features values. Labels must hold integral class ids in [0, Classes).
func (m *Model) ForwardBackward(inputs, labels *tensors.Tensor) (loss float32, grads map[string]*tensors.Tensor, err error) {
	if inputs == nil || labels == nil || inputs.Rank() == 0 {
		return 0, nil, errors.Errorf("linear: ForwardBackward needs batched inputs and labels")
	}
	n := inputs.Shape().Dimensions[0]
	if n == 0 {
		return 0, nil, errors.Errorf("linear: empty batch")
	}
	if inputs.Size() != n*m.features {
		return 0, nil, errors.Errorf("linear: model takes %d features per sample, batch shaped %s carries %d",
			m.features, inputs.Shape(), inputs.Size()/n)
	}
	if labels.Size() != n {
		return 0, nil, errors.Errorf("linear: batch of %d samples with %d labels", n, labels.Size())
	}

	var gradW, gradB []float32
	inputs.ConstFlatData(func(x []float32) {
		labels.ConstFlatData(func(y []float32) {
			m.weights.ConstFlatData(func(w []float32) {
				m.biases.ConstFlatData(func(b []float32) {
					loss, gradW, gradB, err = m.lossAndGradients(x, y, w, b, n)
				})
			})
		})
	})
	if err != nil {
		return 0, nil, err
	}
	grads = map[string]*tensors.Tensor{
		"weights": tensors.FromFlatDataAndDimensions(gradW, m.features, m.classes),
		"biases":  tensors.FromFlatDataAndDimensions(gradB, m.classes),
	}
	return loss, grads, nil
}

// lossAndGradients runs the numeric core on raw slices. Accumulation happens
// in float64; results are cast back to float32 at the end.
func (m *Model) lossAndGradients(x, y, w, b []float32, n int) (loss float32, gradW, gradB []float32, err error) {
	logits := m.logits(x, w, b, n)

	dz := make([]float64, n*m.classes)
	var totalLoss float64
	for i := 0; i < n; i++ {
		target := int(y[i])
		if float32(target) != y[i] || target < 0 || target >= m.classes {
			return 0, nil, nil, errors.Errorf("linear: label %v of sample %d is not a class id in [0, %d)",
				y[i], i, m.classes)
		}
		row := logits[i*m.classes : (i+1)*m.classes]

		// Numerical stability: subtract the row max before exponentiating.
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(v - maxVal)
		}
		// log(softmax(x)_i) = x_i - max(x) - log(sum(exp(x - max(x))))
		totalLoss -= row[target] - maxVal - math.Log(sumExp)

		// dL/dz = (softmax(z) - one_hot(target)) / n
		dzRow := dz[i*m.classes : (i+1)*m.classes]
		for c, v := range row {
			dzRow[c] = math.Exp(v-maxVal) / sumExp
		}
		dzRow[target] -= 1
		for c := range dzRow {
			dzRow[c] /= float64(n)
		}
	}

	// Backpropagate through the affine layer: dW = x^T dz, db = column sums.
	dW := make([]float64, m.features*m.classes)
	dB := make([]float64, m.classes)
	for i := 0; i < n; i++ {
		xi := x[i*m.features : (i+1)*m.features]
		dzRow := dz[i*m.classes : (i+1)*m.classes]
		for j, xv := range xi {
			if xv == 0 {
				continue
			}
			wRow := dW[j*m.classes : (j+1)*m.classes]
			for c, g := range dzRow {
				wRow[c] += float64(xv) * g
			}
		}
		for c, g := range dzRow {
			dB[c] += g
		}
	}

	gradW = make([]float32, len(dW))
	for i, v := range dW {
		gradW[i] = float32(v)
	}
	gradB = make([]float32, len(dB))
	for i, v := range dB {
		gradB[i] = float32(v)
	}
	return float32(totalLoss / float64(n)), gradW, gradB, nil
}

// logits computes x*W + b for the whole batch, shaped [n, classes] flat.
func (m *Model) logits(x, w, b []float32, n int) []float64 {
	logits := make([]float64, n*m.classes)
	for i := 0; i < n; i++ {
		xi := x[i*m.features : (i+1)*m.features]
		row := logits[i*m.classes : (i+1)*m.classes]
		for c, bias := range b {
			row[c] = float64(bias)
		}
		for j, xv := range xi {
			if xv == 0 {
				continue
			}
			wRow := w[j*m.classes : (j+1)*m.classes]
			for c, wv := range wRow {
				row[c] += float64(xv) * float64(wv)
			}
		}
	}
	return logits
}

// Predict returns the class with the highest score for each sample of the
// batch.
func (m *Model) Predict(inputs *tensors.Tensor) ([]int, error) {
	if inputs == nil || inputs.Rank() == 0 {
		return nil, errors.Errorf("linear: Predict needs batched inputs")
	}
	n := inputs.Shape().Dimensions[0]
	if inputs.Size() != n*m.features {
		return nil, errors.Errorf("linear: model takes %d features per sample, batch shaped %s carries %d",
			m.features, inputs.Shape(), inputs.Size()/n)
	}
	classes := make([]int, n)
	inputs.ConstFlatData(func(x []float32) {
		m.weights.ConstFlatData(func(w []float32) {
			m.biases.ConstFlatData(func(b []float32) {
				logits := m.logits(x, w, b, n)
				for i := 0; i < n; i++ {
					row := logits[i*m.classes : (i+1)*m.classes]
					best := 0
					for c, v := range row {
						if v > row[best] {
							best = c
						}
					}
					classes[i] = best
				}
			})
		})
	})
	return classes, nil
}

// Save writes the model's parameters under dir (created if missing), in the
// tensors gob format. This is the final-model export format of the training
// binary.
func (m *Model) Save(dir string) error {
	if err := fsutil.EnsureDir(dir); err != nil {
		return errors.WithMessagef(err, "creating model directory %q", dir)
	}
	return tensors.SaveNamed(filepath.Join(dir, ParamsFileName), m.Parameters())
}

// Load reads back a model saved with Save. The dimensions are recovered from
// the stored tensors.
func Load(dir string) (*Model, error) {
	named, err := tensors.LoadNamed(filepath.Join(dir, ParamsFileName))
	if err != nil {
		return nil, err
	}
	weights, ok := named["weights"]
	if !ok {
		return nil, errors.Errorf("linear: %s in %q has no %q tensor", ParamsFileName, dir, "weights")
	}
	biases, ok := named["biases"]
	if !ok {
		return nil, errors.Errorf("linear: %s in %q has no %q tensor", ParamsFileName, dir, "biases")
	}
	if weights.Rank() != 2 {
		return nil, errors.Errorf("linear: stored weights shaped %s, want rank 2", weights.Shape())
	}
	features, classes := weights.Shape().Dimensions[0], weights.Shape().Dimensions[1]
	if biases.Rank() != 1 || biases.Shape().Dimensions[0] != classes {
		return nil, errors.Errorf("linear: stored biases shaped %s don't match weights shaped %s",
			biases.Shape(), weights.Shape())
	}
	return &Model{
		features: features,
		classes:  classes,
		weights:  weights,
		biases:   biases,
	}, nil
}
