package optimizers

import (
	"testing"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleParam(values ...float32) map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"weights": tensors.FromFlatDataAndDimensions(values, len(values)),
	}
}

func TestNewSGDValidates(t *testing.T) {
	_, err := NewSGD(SGDConfig{LearningRate: 0})
	require.ErrorContains(t, err, "learning rate")
	_, err = NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 1})
	require.ErrorContains(t, err, "momentum")
	_, err = NewSGD(SGDConfig{LearningRate: 0.1, Momentum: -0.1})
	require.ErrorContains(t, err, "momentum")
	_, err = NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: -1})
	require.ErrorContains(t, err, "weight decay")
	_, err = NewSGD(SGDConfig{LearningRate: 0.1, Nesterov: true})
	require.ErrorContains(t, err, "nesterov")

	opt, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true})
	require.NoError(t, err)
	assert.Equal(t, "sgd", opt.Name())
}

func TestSGDVanillaStep(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.5})
	require.NoError(t, err)
	params := singleParam(1, 2, -3)
	grads := singleParam(2, -4, 1)

	require.NoError(t, opt.Step(params, grads))
	assert.Equal(t, []float32{0, 4, -3.5}, params["weights"].CopyFlatData())

	// Gradients must come out of a Step untouched.
	assert.Equal(t, []float32{2, -4, 1}, grads["weights"].CopyFlatData())
}

func TestSGDMomentumAccumulates(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.5})
	require.NoError(t, err)
	params := singleParam(10)

	// First step: velocity = g1, parameter moves by -lr*g1.
	require.NoError(t, opt.Step(params, singleParam(2)))
	require.InDelta(t, 8, params["weights"].CopyFlatData()[0], 1e-6)

	// Second step: velocity = 0.5*2 + 1 = 2, parameter moves by -lr*2.
	require.NoError(t, opt.Step(params, singleParam(1)))
	require.InDelta(t, 6, params["weights"].CopyFlatData()[0], 1e-6)
}

func TestSGDWeightDecay(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5})
	require.NoError(t, err)
	params := singleParam(2)

	// Effective gradient: 1 + 0.5*2 = 2, so the parameter moves by -0.2.
	require.NoError(t, opt.Step(params, singleParam(1)))
	assert.InDelta(t, 1.8, params["weights"].CopyFlatData()[0], 1e-6)
}

func TestSGDNesterovLookahead(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.5, Nesterov: true})
	require.NoError(t, err)
	params := singleParam(0)

	// First step: velocity = 2, applied step = g + momentum*velocity = 3.
	require.NoError(t, opt.Step(params, singleParam(2)))
	assert.InDelta(t, -3, params["weights"].CopyFlatData()[0], 1e-6)
}

func TestSGDLeavesFrozenParametersAlone(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1})
	require.NoError(t, err)
	params := map[string]*tensors.Tensor{
		"weights": tensors.FromFlatDataAndDimensions([]float32{1}, 1),
		"frozen":  tensors.FromFlatDataAndDimensions([]float32{7}, 1),
	}
	require.NoError(t, opt.Step(params, singleParam(1)))
	assert.Equal(t, []float32{0}, params["weights"].CopyFlatData())
	assert.Equal(t, []float32{7}, params["frozen"].CopyFlatData())
}

func TestSGDStepErrors(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1})
	require.NoError(t, err)

	err = opt.Step(map[string]*tensors.Tensor{}, singleParam(1))
	require.ErrorContains(t, err, "unknown parameter")

	params := singleParam(1, 2)
	err = opt.Step(params, singleParam(1))
	require.ErrorContains(t, err, "shaped")
}
