package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/harrison-roh/sketch-classification/clsapp/dataset"
	"github.com/harrison-roh/sketch-classification/clsapp/nn"
)

const toySize = 4

func toyArchitecture(classes int) nn.Architecture {
	return nn.Architecture{
		Name:  "toy",
		Input: nn.Shape{H: toySize, W: toySize, C: 1},
		Layers: []nn.LayerSpec{
			{Type: nn.TypeFlatten},
			{Type: nn.TypeDense, Units: classes},
			{Type: nn.TypeSoftmax},
		},
	}
}

func toyModel(t *testing.T, seed int64) *Model {
	labels := NewLabelMap([]string{"left", "right"})
	net, err := nn.New(toyArchitecture(labels.Len()), seed)
	require.NoError(t, err)

	return &Model{Net: net, Labels: labels}
}

// 왼쪽 두 열이 밝은 이미지
func leftImage(v float64) []float64 {
	img := make([]float64, toySize*toySize)
	for h := 0; h < toySize; h++ {
		for w := 0; w < toySize/2; w++ {
			img[h*toySize+w] = 255 - v
		}
	}
	return img
}

// 오른쪽 두 열이 밝은 이미지
func rightImage(v float64) []float64 {
	img := make([]float64, toySize*toySize)
	for h := 0; h < toySize; h++ {
		for w := toySize / 2; w < toySize; w++ {
			img[h*toySize+w] = 255 - v
		}
	}
	return img
}

func toySet(n int) dataset.Set {
	var set dataset.Set
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			set.Images = append(set.Images, leftImage(float64(5*i)))
			set.Labels = append(set.Labels, "left")
		} else {
			set.Images = append(set.Images, rightImage(float64(5*i)))
			set.Labels = append(set.Labels, "right")
		}
		set.Filenames = append(set.Filenames, "")
	}
	return set
}

func toyTrainConfig() TrainConfig {
	return TrainConfig{
		ImageSize:    toySize,
		BatchSize:    4,
		Epochs:       60,
		Optimizer:    "adam",
		LearningRate: 0.05,
		Seed:         3,
	}
}

func TestTrainToyModel(t *testing.T) {
	m := toyModel(t, 1)
	split := dataset.Split{Train: toySet(8), Test: toySet(4)}

	trainer := NewTrainer(toyTrainConfig(), zaptest.NewLogger(t))
	result, err := trainer.Train(context.Background(), m, split)
	require.NoError(t, err)

	assert.Equal(t, 60, result.Epochs)
	assert.Equal(t, 8, result.TrainSize)
	assert.Equal(t, 4, result.TestSize)
	assert.Len(t, result.ValidationLoss, 60)
	assert.Len(t, result.ValidationAccuracy, 60)
	assert.Less(t, result.TrainLoss[59], result.TrainLoss[0])
	assert.Equal(t, 1.0, result.TestAccuracy)

	label, err := Predict(m, split.Train.Images[0])
	require.NoError(t, err)
	assert.Equal(t, "left", label)

	probs, err := Probabilities(m, split.Train.Images[1])
	require.NoError(t, err)
	assert.Greater(t, probs[1], 0.9)

	dir := t.TempDir()
	require.NoError(t, result.Save(dir))
	loaded, err := LoadTrainingResult(dir)
	require.NoError(t, err)
	assert.Equal(t, result.TestAccuracy, loaded.TestAccuracy)
	assert.Equal(t, result.ValidationAccuracy, loaded.ValidationAccuracy)
}

func TestTrainNoTrainingData(t *testing.T) {
	trainer := NewTrainer(toyTrainConfig(), zaptest.NewLogger(t))

	_, err := trainer.Train(context.Background(), toyModel(t, 1), dataset.Split{Test: toySet(2)})
	assert.True(t, errors.Is(err, ErrNoTrainingData))

	_, err = trainer.CreateModel(dataset.Split{})
	assert.True(t, errors.Is(err, ErrNoTrainingData))
}

func TestTrainUnseenLabel(t *testing.T) {
	test := toySet(2)
	test.Labels[1] = "triangle"

	trainer := NewTrainer(toyTrainConfig(), zaptest.NewLogger(t))
	_, err := trainer.Train(context.Background(), toyModel(t, 1), dataset.Split{Train: toySet(4), Test: test})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnseenLabel))
	assert.Contains(t, err.Error(), "test")
	assert.Contains(t, err.Error(), "triangle")
}

func TestTrainShapeMismatch(t *testing.T) {
	train := toySet(4)
	train.Images[2] = train.Images[2][:5]

	trainer := NewTrainer(toyTrainConfig(), zaptest.NewLogger(t))
	_, err := trainer.Train(context.Background(), toyModel(t, 1), dataset.Split{Train: train})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trainer := NewTrainer(toyTrainConfig(), zaptest.NewLogger(t))
	_, err := trainer.Train(ctx, toyModel(t, 1), dataset.Split{Train: toySet(4)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTrainerCreateModelWarnsOnClassMismatch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := toyTrainConfig()
	cfg.ImageSize = 128
	cfg.NumClasses = 17

	trainer := NewTrainer(cfg, zap.New(core))
	split := dataset.Split{
		Train: dataset.Set{Labels: []string{"circle", "square"}, Images: make([][]float64, 2)},
		Test:  dataset.Set{Labels: []string{"star"}, Images: make([][]float64, 1)},
	}

	m, err := trainer.CreateModel(split)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Net.Classes())
	assert.Equal(t, []string{"circle", "square", "star"}, m.Labels.Labels())
	assert.Equal(t, 1, logs.Len())
}

func TestPreprocess(t *testing.T) {
	x, err := Preprocess([][]float64{leftImage(0), rightImage(0)}, toySize)
	require.NoError(t, err)
	assert.Equal(t, 2, x.N)
	assert.Equal(t, nn.Shape{H: toySize, W: toySize, C: 1}, x.Shape)
	assert.Equal(t, 1.0, x.Sample(0)[0])
	assert.Equal(t, 0.0, x.Sample(1)[0])

	_, err = Preprocess([][]float64{leftImage(0), make([]float64, 3)}, toySize)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	assert.Equal(t, []float64{0, 1, 0, 1, 0, 0}, OneHot([]int{1, 0}, 3))
}
