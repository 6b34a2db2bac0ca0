package linear

import (
	"math/rand"
	"testing"

	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Features: 0, Classes: 3})
	require.ErrorContains(t, err, "Features")
	_, err = New(Config{Features: 4, Classes: 1})
	require.ErrorContains(t, err, "Classes")
}

func TestNewIsSeededDeterministic(t *testing.T) {
	a, err := New(Config{Features: 8, Classes: 3, Seed: 42})
	require.NoError(t, err)
	b, err := New(Config{Features: 8, Classes: 3, Seed: 42})
	require.NoError(t, err)
	assert.True(t, a.Parameters()["weights"].Equal(b.Parameters()["weights"]),
		"the same seed must produce bit-identical weights")

	c, err := New(Config{Features: 8, Classes: 3, Seed: 43})
	require.NoError(t, err)
	assert.False(t, a.Parameters()["weights"].Equal(c.Parameters()["weights"]))

	assert.Equal(t, make([]float32, 3), a.Parameters()["biases"].CopyFlatData(),
		"biases start at zero")
}

func TestForwardBackwardKnownValues(t *testing.T) {
	m, err := New(Config{Features: 1, Classes: 2, Seed: 1})
	require.NoError(t, err)
	m.weights.AssignFlatData([]float32{0, 0})
	m.biases.AssignFlatData([]float32{0, 0})

	inputs := tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1)
	labels := tensors.FromFlatDataAndDimensions([]float32{0}, 1)
	loss, grads, err := m.ForwardBackward(inputs, labels)
	require.NoError(t, err)

	// Uniform softmax over two classes: loss = ln 2, dz = {-1/2, 1/2}.
	assert.InDelta(t, 0.693147, loss, 1e-5)
	assert.InDelta(t, -0.5, grads["weights"].CopyFlatData()[0], 1e-6)
	assert.InDelta(t, 0.5, grads["weights"].CopyFlatData()[1], 1e-6)
	assert.InDelta(t, -0.5, grads["biases"].CopyFlatData()[0], 1e-6)
	assert.InDelta(t, 0.5, grads["biases"].CopyFlatData()[1], 1e-6)
}

// TestGradientCheck compares every analytic gradient against a central finite
// difference of the loss.
func TestGradientCheck(t *testing.T) {
	const (
		features = 4
		classes  = 3
		n        = 5
		eps      = 1e-2
	)
	m, err := New(Config{Features: features, Classes: classes, Seed: 7})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	batch := make([]float32, n*features)
	for i := range batch {
		batch[i] = float32(rng.NormFloat64())
	}
	inputs := tensors.FromFlatDataAndDimensions(batch, n, features)
	labelData := make([]float32, n)
	for i := range labelData {
		labelData[i] = float32(rng.Intn(classes))
	}
	labels := tensors.FromFlatDataAndDimensions(labelData, n)

	_, grads, err := m.ForwardBackward(inputs, labels)
	require.NoError(t, err)

	lossAt := func() float32 {
		loss, _, err := m.ForwardBackward(inputs, labels)
		require.NoError(t, err)
		return loss
	}
	for name, param := range m.Parameters() {
		grad := grads[name].CopyFlatData()
		for i := range grad {
			var plus, minus float32
			param.MutableFlatData(func(flat []float32) { flat[i] += eps })
			plus = lossAt()
			param.MutableFlatData(func(flat []float32) { flat[i] -= 2 * eps })
			minus = lossAt()
			param.MutableFlatData(func(flat []float32) { flat[i] += eps })

			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, grad[i], 5e-3, "%s[%d]", name, i)
		}
	}
}

func TestForwardBackwardValidates(t *testing.T) {
	m, err := New(Config{Features: 4, Classes: 3, Seed: 1})
	require.NoError(t, err)

	labels := tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2)

	_, _, err = m.ForwardBackward(tensors.FromFlatDataAndDimensions(make([]float32, 2*5), 2, 5), labels)
	require.ErrorContains(t, err, "4 features per sample")

	_, _, err = m.ForwardBackward(tensors.FromFlatDataAndDimensions(make([]float32, 3*4), 3, 4), labels)
	require.ErrorContains(t, err, "3 samples with 2 labels")

	inputs := tensors.FromFlatDataAndDimensions(make([]float32, 2*4), 2, 4)
	_, _, err = m.ForwardBackward(inputs, tensors.FromFlatDataAndDimensions([]float32{0, 7}, 2))
	require.ErrorContains(t, err, "not a class id")

	_, _, err = m.ForwardBackward(inputs, tensors.FromFlatDataAndDimensions([]float32{0, 1.5}, 2))
	require.ErrorContains(t, err, "not a class id")
}

func TestMultiAxisInputsFlatten(t *testing.T) {
	// Batches shaped [n, H, W, C] are accepted when H*W*C == Features.
	m, err := New(Config{Features: 12, Classes: 2, Seed: 3})
	require.NoError(t, err)
	inputs := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*3*2), 2, 2, 3, 2)
	labels := tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2)
	_, _, err = m.ForwardBackward(inputs, labels)
	require.NoError(t, err)
}

// TestTrainingSeparatesClasses runs plain SGD on a two-cluster toy problem
// and expects the loss to drop and the predictions to match.
func TestTrainingSeparatesClasses(t *testing.T) {
	const features = 2
	m, err := New(Config{Features: features, Classes: 2, Seed: 42})
	require.NoError(t, err)
	opt, err := optimizers.NewSGD(optimizers.SGDConfig{LearningRate: 0.5, Momentum: 0.9})
	require.NoError(t, err)

	// Class 0 sits around (+1, 0), class 1 around (-1, 0).
	inputs := tensors.FromFlatDataAndDimensions([]float32{
		1.2, 0.1,
		0.8, -0.2,
		-1.1, 0.2,
		-0.9, -0.1,
	}, 4, features)
	labels := tensors.FromFlatDataAndDimensions([]float32{0, 0, 1, 1}, 4)

	first, _, err := m.ForwardBackward(inputs, labels)
	require.NoError(t, err)
	var last float32
	for step := 0; step < 50; step++ {
		loss, grads, err := m.ForwardBackward(inputs, labels)
		require.NoError(t, err)
		require.NoError(t, opt.Step(m.Parameters(), grads))
		last = loss
	}
	assert.Less(t, last, first/10, "loss must collapse on a separable toy problem")

	predicted, err := m.Predict(inputs)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1}, predicted)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Features: 6, Classes: 4, Seed: 9})
	require.NoError(t, err)
	require.NoError(t, m.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Features())
	assert.Equal(t, 4, loaded.Classes())
	assert.True(t, m.Parameters()["weights"].Equal(loaded.Parameters()["weights"]))
	assert.True(t, m.Parameters()["biases"].Equal(loaded.Parameters()["biases"]))

	inputs := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 6)
	a, err := m.Predict(inputs)
	require.NoError(t, err)
	b, err := loaded.Predict(inputs)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}
