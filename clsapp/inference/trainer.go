package inference

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/dataset"
	"github.com/harrison-roh/sketch-classification/clsapp/nn"
)

// ErrNoTrainingData 학습 데이터가 비어있음
var ErrNoTrainingData = errors.New("no training data")

// TrainConfig 학습 설정
type TrainConfig struct {
	ImageSize    int
	BatchSize    int
	Epochs       int
	NumClasses   int
	Optimizer    string
	LearningRate float64
	Seed         int64
}

// TrainingResult 에폭별 학습 결과 (train.yaml)
type TrainingResult struct {
	Epochs             int       `yaml:"epochs"`
	Classes            int       `yaml:"classes"`
	TrainSize          int       `yaml:"trainSize"`
	TestSize           int       `yaml:"testSize"`
	TrainLoss          []float64 `yaml:"trainLoss"`
	TrainAccuracy      []float64 `yaml:"trainAccuracy"`
	ValidationLoss     []float64 `yaml:"validationLoss"`
	ValidationAccuracy []float64 `yaml:"validationAccuracy"`
	TestLoss           float64   `yaml:"testLoss"`
	TestAccuracy       float64   `yaml:"testAccuracy"`
	Elapsed            string    `yaml:"elapsed"`
}

// Save dir 에 train.yaml 저장
func (r TrainingResult) Save(dir string) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, constants.TrainResultFile), raw, 0o644)
}

// LoadTrainingResult dir 의 train.yaml 로드
func LoadTrainingResult(dir string) (TrainingResult, error) {
	var r TrainingResult

	raw, err := os.ReadFile(filepath.Join(dir, constants.TrainResultFile))
	if err != nil {
		return r, err
	}

	err = yaml.Unmarshal(raw, &r)

	return r, err
}

// Trainer 모델 학습
type Trainer struct {
	cfg    TrainConfig
	logger *zap.Logger
}

// NewTrainer 새로운 Trainer 생성
func NewTrainer(cfg TrainConfig, logger *zap.Logger) *Trainer {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = constants.ImageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.TrainBatchSize
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = constants.TrainEpochs
	}

	return &Trainer{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateModel 데이터셋 전체 라벨로 label map 을 만들고 새 모델 생성
//
// 클래스 수는 label map 에서 정한다. 설정된 NumClasses 와 다르면 경고만 남긴다.
func (t *Trainer) CreateModel(split dataset.Split) (*Model, error) {
	if split.Train.Len() == 0 {
		return nil, ErrNoTrainingData
	}

	all := make([]string, 0, split.Train.Len()+split.Test.Len())
	all = append(all, split.Train.Labels...)
	all = append(all, split.Test.Labels...)

	labels := NewLabelMap(all)
	if t.cfg.NumClasses > 0 && t.cfg.NumClasses != labels.Len() {
		t.logger.Warn("Configured class count differs from labels in data, using labels",
			zap.Int("configured", t.cfg.NumClasses),
			zap.Int("labels", labels.Len()))
	}

	return CreateModel(t.cfg.ImageSize, labels, t.cfg.Seed)
}

func (t *Trainer) encode(m *Model, set dataset.Set, stage string) (*nn.Tensor, []float64, error) {
	ints, err := m.Labels.EncodeAll(set.Labels)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "encode %s labels", stage)
	}

	x, err := Preprocess(set.Images, m.Net.InputShape().H)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "preprocess %s images", stage)
	}

	return x, OneHot(ints, m.Net.Classes()), nil
}

// Train 미니배치 학습 후 에폭마다 test 로 검증하고 최종 평가 결과 반환
func (t *Trainer) Train(ctx context.Context, m *Model, split dataset.Split) (TrainingResult, error) {
	result := TrainingResult{
		Epochs:    t.cfg.Epochs,
		Classes:   m.Net.Classes(),
		TrainSize: split.Train.Len(),
		TestSize:  split.Test.Len(),
	}

	if split.Train.Len() == 0 {
		return result, ErrNoTrainingData
	}

	xTrain, yTrain, err := t.encode(m, split.Train, "train")
	if err != nil {
		return result, err
	}
	xTest, yTest, err := t.encode(m, split.Test, "test")
	if err != nil {
		return result, err
	}

	opt, err := nn.NewOptimizer(t.cfg.Optimizer, t.cfg.LearningRate)
	if err != nil {
		return result, err
	}

	seed := t.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	classes := m.Net.Classes()

	t.logger.Info("Start training",
		zap.Int("train", result.TrainSize),
		zap.Int("test", result.TestSize),
		zap.Int("classes", classes),
		zap.Int("params", m.Net.NumParams()),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("batchSize", t.cfg.BatchSize))

	t0 := time.Now()
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		perm := rng.Perm(xTrain.N)

		var (
			lossSum float64
			correct int
		)
		for start := 0; start < len(perm); start += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return result, pkgerrors.Wrapf(err, "epoch %d", epoch)
			}

			end := start + t.cfg.BatchSize
			if end > len(perm) {
				end = len(perm)
			}
			idx := perm[start:end]

			yBatch := make([]float64, 0, len(idx)*classes)
			for _, i := range idx {
				yBatch = append(yBatch, yTrain[i*classes:(i+1)*classes]...)
			}

			loss, c, err := m.Net.TrainBatch(xTrain.Gather(idx), yBatch, opt)
			if err != nil {
				return result, pkgerrors.Wrapf(err, "epoch %d batch at %d", epoch, start)
			}
			lossSum += loss * float64(len(idx))
			correct += c
		}

		trainLoss := lossSum / float64(xTrain.N)
		trainAcc := float64(correct) / float64(xTrain.N)
		valLoss, valAcc, err := m.Net.Evaluate(xTest, yTest, t.cfg.BatchSize)
		if err != nil {
			return result, pkgerrors.Wrapf(err, "validate epoch %d", epoch)
		}

		result.TrainLoss = append(result.TrainLoss, trainLoss)
		result.TrainAccuracy = append(result.TrainAccuracy, trainAcc)
		result.ValidationLoss = append(result.ValidationLoss, valLoss)
		result.ValidationAccuracy = append(result.ValidationAccuracy, valAcc)

		t.logger.Info("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", trainLoss),
			zap.Float64("accuracy", trainAcc),
			zap.Float64("valLoss", valLoss),
			zap.Float64("valAccuracy", valAcc))
	}

	result.TestLoss, result.TestAccuracy, err = m.Net.Evaluate(xTest, yTest, t.cfg.BatchSize)
	if err != nil {
		return result, pkgerrors.Wrap(err, "evaluate")
	}
	result.Elapsed = time.Since(t0).String()

	t.logger.Info("Training finished",
		zap.Float64("testLoss", result.TestLoss),
		zap.Float64("testAccuracy", result.TestAccuracy),
		zap.String("elapsed", result.Elapsed))

	return result, nil
}
