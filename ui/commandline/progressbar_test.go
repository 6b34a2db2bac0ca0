package commandline

import (
	"testing"
	"time"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/distributed"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/lockstepml/lockstep/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234*time.Millisecond))
	assert.Equal(t, "2.50ms", FormatDuration(2500*time.Microsecond))
	assert.Equal(t, "2.00µs", FormatDuration(2*time.Microsecond))
	assert.Equal(t, "1h30m0s", FormatDuration(90*time.Minute))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

func TestHumanizeInt(t *testing.T) {
	assert.Equal(t, "0", humanizeInt(0))
	assert.Equal(t, "999", humanizeInt(999))
	assert.Equal(t, "1_000", humanizeInt(1000))
	assert.Equal(t, "1_234_567", humanizeInt(1234567))
}

// cycleDataset yields the same batch forever.
type cycleDataset struct{}

func (cycleDataset) Name() string { return "cycle" }
func (cycleDataset) Yield() (inputs, labels *tensors.Tensor, err error) {
	return tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1),
		tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2), nil
}
func (cycleDataset) Reset() error { return nil }

// flatModel has one parameter and a constant loss surface.
type flatModel struct {
	param *tensors.Tensor
}

func (m *flatModel) ForwardBackward(inputs, labels *tensors.Tensor) (float32, map[string]*tensors.Tensor, error) {
	return 1.0, map[string]*tensors.Tensor{"w": tensors.FromFlatDataAndDimensions([]float32{0}, 1)}, nil
}

func (m *flatModel) Parameters() map[string]*tensors.Tensor { return map[string]*tensors.Tensor{"w": m.param} }

// TestAttachProgressBar drives a short training loop with the bar attached and
// expects it to render and shut down cleanly.
func TestAttachProgressBar(t *testing.T) {
	coord, err := distributed.New(distributed.Config{})
	require.NoError(t, err)
	opt, err := optimizers.NewSGD(optimizers.SGDConfig{LearningRate: 0.1})
	require.NoError(t, err)
	trainer := train.NewTrainer(&flatModel{param: tensors.FromFlatDataAndDimensions([]float32{1}, 1)}, opt, coord)
	require.NoError(t, trainer.Init())

	loop := train.NewLoop(trainer)
	AttachProgressBar(loop, func() (string, string) { return "Replicas", "1" })
	require.NoError(t, loop.RunSteps(cycleDataset{}, 4))
}
