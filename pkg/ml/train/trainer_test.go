package train

import (
	"testing"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/distributed"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenModel fails its forward/backward pass.
type brokenModel struct{}

func (brokenModel) Parameters() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{"w": tensors.FromFlatDataAndDimensions([]float32{1}, 1)}
}

func (brokenModel) ForwardBackward(inputs, labels *tensors.Tensor) (float32, map[string]*tensors.Tensor, error) {
	return 0, nil, errors.New("gradients went missing")
}

func testBatch() (*tensors.Tensor, *tensors.Tensor) {
	return tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2),
		tensors.FromFlatDataAndDimensions([]float32{0}, 1)
}

func TestNewTrainerValidates(t *testing.T) {
	coord, err := distributed.New(distributed.Config{})
	require.NoError(t, err)
	opt, err := optimizers.NewSGD(optimizers.SGDConfig{LearningRate: 1})
	require.NoError(t, err)

	require.Panics(t, func() { NewTrainer(nil, opt, coord) })
	require.Panics(t, func() { NewTrainer(newQuadModel(1, 0), nil, coord) })
	require.Panics(t, func() { NewTrainer(newQuadModel(1, 0), opt, nil) })
}

func TestTrainerRequiresInit(t *testing.T) {
	coord, err := distributed.New(distributed.Config{})
	require.NoError(t, err)
	opt, err := optimizers.NewSGD(optimizers.SGDConfig{LearningRate: 1})
	require.NoError(t, err)
	trainer := NewTrainer(newQuadModel(1, 0), opt, coord)

	inputs, labels := testBatch()
	_, err = trainer.TrainStep(inputs, labels)
	require.ErrorContains(t, err, "Init was not called")

	require.NoError(t, trainer.Init())
	require.ErrorContains(t, trainer.Init(), "already initialized")
}

func TestTrainerStepDescends(t *testing.T) {
	model := newQuadModel(4, 0)
	trainer := newTestTrainer(t, model, 0.25)

	// loss = w^2, grad = 2w. One step of lr=0.25: w <- 4 - 0.25*8 = 2.
	inputs, labels := testBatch()
	loss, err := trainer.TrainStep(inputs, labels)
	require.NoError(t, err)
	assert.InDelta(t, 16, loss, 1e-5)
	assert.InDelta(t, 2, model.w.CopyFlatData()[0], 1e-5)
	assert.Equal(t, 1, trainer.GlobalStep())

	loss, err = trainer.TrainStep(inputs, labels)
	require.NoError(t, err)
	assert.InDelta(t, 4, loss, 1e-5)
	assert.InDelta(t, 1, model.w.CopyFlatData()[0], 1e-5)
	assert.Equal(t, 2, trainer.GlobalStep())
}

func TestTrainerSurfacesModelErrors(t *testing.T) {
	trainer := newTestTrainer(t, brokenModel{}, 0.1)
	inputs, labels := testBatch()
	_, err := trainer.TrainStep(inputs, labels)
	require.ErrorContains(t, err, "gradients went missing")
	require.ErrorContains(t, err, "forward/backward")
	assert.Equal(t, 0, trainer.GlobalStep(), "a failed step must not advance the counter")
}

func TestTrainerAccessors(t *testing.T) {
	model := newQuadModel(1, 0)
	trainer := newTestTrainer(t, model, 0.1)
	assert.Equal(t, model, trainer.Model().(*quadModel))
	assert.True(t, trainer.Coordinator().IsMaster())
}
