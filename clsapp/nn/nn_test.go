package nn

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
)

func smallArch() Architecture {
	return Architecture{
		Name:  "small",
		Input: Shape{H: 8, W: 8, C: 1},
		Layers: []LayerSpec{
			{Type: TypeConv2D, Filters: 4, Kernel: 3},
			{Type: TypeReLU},
			{Type: TypeMaxPool2D, Pool: 2},
			{Type: TypeFlatten},
			{Type: TypeDropout, Rate: 0.25},
			{Type: TypeDense, Units: 3},
			{Type: TypeSoftmax},
		},
	}
}

func randomTensor(rng *rand.Rand, n int, shape Shape) *Tensor {
	t := NewTensor(n, shape)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

func oneHot(labels []int, classes int) []float64 {
	y := make([]float64, len(labels)*classes)
	for i, l := range labels {
		y[i*classes+l] = 1
	}
	return y
}

func TestNewShapes(t *testing.T) {
	net, err := New(smallArch(), 1)
	require.NoError(t, err)

	want := []Shape{
		{6, 6, 4},
		{6, 6, 4},
		{3, 3, 4},
		{1, 1, 36},
		{1, 1, 36},
		{1, 1, 3},
		{1, 1, 3},
	}
	for i, l := range net.Layers {
		assert.Equal(t, want[i], l.OutputShape(), "layer %d", i)
	}

	assert.Equal(t, 3, net.Classes())
	assert.Equal(t, (3*3*1*4+4)+(36*3+3), net.NumParams())
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(a *Architecture)
	}{
		{"kernel larger than input", func(a *Architecture) { a.Layers[0].Kernel = 9 }},
		{"no softmax", func(a *Architecture) { a.Layers = a.Layers[:len(a.Layers)-1] }},
		{"unknown layer", func(a *Architecture) { a.Layers[1].Type = "tanh" }},
		{"dense before flatten", func(a *Architecture) { a.Layers = append(a.Layers[:3], a.Layers[5:]...) }},
		{"dropout rate", func(a *Architecture) { a.Layers[4].Rate = 1 }},
		{"empty input", func(a *Architecture) { a.Input = Shape{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch := smallArch()
			tt.modify(&arch)

			_, err := New(arch, 1)
			assert.ErrorIs(t, err, ErrArchitecture)
		})
	}
}

func TestConv2DForward(t *testing.T) {
	l, err := newConv2D("c", Shape{H: 3, W: 3, C: 1}, 1, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for i := range l.weight.Value {
		l.weight.Value[i] = 1
	}
	l.bias.Value[0] = 0.5

	x, err := FromData(1, Shape{H: 3, W: 3, C: 1}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)

	y := l.Forward(x, false)
	assert.Equal(t, Shape{H: 2, W: 2, C: 1}, y.Shape)
	assert.Equal(t, []float64{12.5, 16.5, 24.5, 28.5}, y.Data)
}

func TestConv2DForwardChannels(t *testing.T) {
	l, err := newConv2D("c", Shape{H: 2, W: 2, C: 2}, 1, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	copy(l.weight.Value, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	l.bias.Value[0] = 1

	x, err := FromData(1, Shape{H: 2, W: 2, C: 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)

	y := l.Forward(x, false)
	assert.Equal(t, []float64{205}, y.Data)
}

func TestMaxPool2D(t *testing.T) {
	l, err := newMaxPool2D(Shape{H: 4, W: 4, C: 1}, 2)
	require.NoError(t, err)

	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	x, err := FromData(1, Shape{H: 4, W: 4, C: 1}, data)
	require.NoError(t, err)

	y := l.Forward(x, true)
	assert.Equal(t, []float64{5, 7, 13, 15}, y.Data)

	dy, err := FromData(1, l.OutputShape(), []float64{1, 2, 3, 4})
	require.NoError(t, err)

	dx := l.Backward(dy)
	want := make([]float64, 16)
	want[5], want[7], want[13], want[15] = 1, 2, 3, 4
	assert.Equal(t, want, dx.Data)

	odd, err := newMaxPool2D(Shape{H: 5, W: 7, C: 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, Shape{H: 2, W: 3, C: 3}, odd.OutputShape())
}

func TestReLU(t *testing.T) {
	l := &ReLU{shape: Shape{H: 1, W: 1, C: 4}}

	x, err := FromData(1, l.shape, []float64{-1, 2, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 0, 3}, l.Forward(x, true).Data)

	dy, err := FromData(1, l.shape, []float64{1, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 1}, l.Backward(dy).Data)
}

func TestDropout(t *testing.T) {
	shape := Shape{H: 1, W: 1, C: 1000}
	l := &Dropout{shape: shape, rate: 0.5, rng: rand.New(rand.NewSource(3))}

	x := NewTensor(1, shape)
	for i := range x.Data {
		x.Data[i] = 1
	}

	assert.Equal(t, x.Data, l.Forward(x, false).Data)

	y := l.Forward(x, true)
	zeros := 0
	for _, v := range y.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, 2.0, v)
		}
	}
	assert.InDelta(t, 500, zeros, 100)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	shape := Shape{H: 1, W: 1, C: 5}
	l := &Softmax{shape: shape}

	x := randomTensor(rand.New(rand.NewSource(5)), 3, shape)
	x.Data[0] = 1000

	y := l.Forward(x, false)
	for n := 0; n < y.N; n++ {
		sum := 0.0
		for _, v := range y.Sample(n) {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestGradientCheck(t *testing.T) {
	arch := Architecture{
		Input: Shape{H: 4, W: 4, C: 2},
		Layers: []LayerSpec{
			{Type: TypeConv2D, Filters: 3, Kernel: 2},
			{Type: TypeFlatten},
			{Type: TypeDense, Units: 3},
			{Type: TypeSoftmax},
		},
	}
	net, err := New(arch, 7)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	x := randomTensor(rng, 2, arch.Input)
	y := oneHot([]int{0, 2}, 3)

	net.gradients(x, y)

	lossAt := func() float64 {
		loss, _ := crossEntropy(net.forward(x, false), y)
		return loss
	}

	const eps = 1e-5
	for _, p := range net.Params() {
		analytic := append([]float64(nil), p.Grad...)
		for i := range p.Value {
			orig := p.Value[i]

			p.Value[i] = orig + eps
			plus := lossAt()
			p.Value[i] = orig - eps
			minus := lossAt()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic[i], 1e-6, "%s[%d]", p.Name, i)
		}
	}
}

func toyData() (*Tensor, []float64) {
	shape := Shape{H: 4, W: 4, C: 1}
	x := NewTensor(8, shape)
	labels := make([]int, 8)
	for n := 0; n < 8; n++ {
		labels[n] = n % 2
		s := x.Sample(n)
		for h := 0; h < 4; h++ {
			for w := 0; w < 4; w++ {
				left := w < 2
				if left == (labels[n] == 0) {
					s[h*4+w] = 1 - 0.05*float64(n)
				}
			}
		}
	}

	return x, oneHot(labels, 2)
}

func toyArch() Architecture {
	return Architecture{
		Input: Shape{H: 4, W: 4, C: 1},
		Layers: []LayerSpec{
			{Type: TypeFlatten},
			{Type: TypeDense, Units: 2},
			{Type: TypeSoftmax},
		},
	}
}

func TestTrainBatchAdam(t *testing.T) {
	net, err := New(toyArch(), 1)
	require.NoError(t, err)

	x, y := toyData()
	before, _, err := net.Evaluate(x, y, 4)
	require.NoError(t, err)

	opt := NewAdam(0.05)
	for i := 0; i < 100; i++ {
		_, _, err := net.TrainBatch(x, y, opt)
		require.NoError(t, err)
	}

	after, acc, err := net.Evaluate(x, y, 4)
	require.NoError(t, err)
	assert.Less(t, after, before)
	assert.Equal(t, 1.0, acc)
}

func TestTrainBatchAdadelta(t *testing.T) {
	net, err := New(toyArch(), 2)
	require.NoError(t, err)

	x, y := toyData()
	before, _, err := net.Evaluate(x, y, 0)
	require.NoError(t, err)

	opt, err := NewOptimizer("adadelta", 0)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, _, err := net.TrainBatch(x, y, opt)
		require.NoError(t, err)
	}

	after, _, err := net.Evaluate(x, y, 0)
	require.NoError(t, err)
	assert.Less(t, after, before)
}

func TestTrainBatchShapeMismatch(t *testing.T) {
	net, err := New(toyArch(), 1)
	require.NoError(t, err)

	x := NewTensor(2, Shape{H: 5, W: 5, C: 1})
	_, _, err = net.TrainBatch(x, oneHot([]int{0, 1}, 2), NewAdam(0.01))
	assert.ErrorIs(t, err, ErrShape)

	x = NewTensor(2, Shape{H: 4, W: 4, C: 1})
	_, _, err = net.TrainBatch(x, oneHot([]int{0}, 2), NewAdam(0.01))
	assert.ErrorIs(t, err, ErrShape)
}

func TestPredict(t *testing.T) {
	net, err := New(smallArch(), 1)
	require.NoError(t, err)

	p, err := net.Predict(randomTensor(rand.New(rand.NewSource(1)), 2, Shape{H: 8, W: 8, C: 1}))
	require.NoError(t, err)
	assert.Equal(t, 2, p.N)
	assert.Equal(t, 3, p.Shape.Size())

	_, err = net.Predict(NewTensor(1, Shape{H: 16, W: 16, C: 1}))
	assert.ErrorIs(t, err, ErrShape)
}

func TestNewOptimizer(t *testing.T) {
	opt, err := NewOptimizer("adam", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.001, opt.(*Adam).LearningRate)

	opt, err = NewOptimizer("adadelta", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, opt.(*Adadelta).LearningRate)

	_, err = NewOptimizer("sgd", 0.1)
	assert.Error(t, err)
}

func TestGather(t *testing.T) {
	x, err := FromData(3, Shape{H: 1, W: 1, C: 2}, []float64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	g := x.Gather([]int{2, 0})
	assert.Equal(t, []float64{4, 5, 0, 1}, g.Data)

	_, err = FromData(2, Shape{H: 1, W: 1, C: 2}, []float64{1})
	assert.ErrorIs(t, err, ErrShape)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()

	net, err := New(smallArch(), 9)
	require.NoError(t, err)
	require.NoError(t, net.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, net.Arch, loaded.Arch)

	x := randomTensor(rand.New(rand.NewSource(4)), 2, smallArch().Input)
	want, err := net.Predict(x)
	require.NoError(t, err)
	got, err := loaded.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestLoadFailures(t *testing.T) {
	net, err := New(smallArch(), 9)
	require.NoError(t, err)

	t.Run("missing weights", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, net.Save(dir))
		require.NoError(t, os.Remove(filepath.Join(dir, constants.WeightsFile)))

		_, err := Load(dir)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing architecture", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unparseable architecture", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, net.Save(dir))
		require.NoError(t, os.WriteFile(filepath.Join(dir, constants.ArchitectureFile), []byte("{"), 0o644))

		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("unparseable weights", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, net.Save(dir))
		require.NoError(t, os.WriteFile(filepath.Join(dir, constants.WeightsFile), []byte("garbage"), 0o644))

		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("architecture mismatch", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, net.Save(dir))

		other, err := New(toyArch(), 1)
		require.NoError(t, err)
		otherDir := t.TempDir()
		require.NoError(t, other.Save(otherDir))

		weights, err := os.ReadFile(filepath.Join(otherDir, constants.WeightsFile))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, constants.WeightsFile), weights, 0o644))

		_, err = Load(dir)
		assert.ErrorIs(t, err, ErrArchitecture)
	})
}
