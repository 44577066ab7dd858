package inference

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
	"github.com/harrison-roh/sketch-classification/clsapp/nn"
)

// ErrNotLoaded 서빙할 모델이 로드되지 않음
var ErrNotLoaded = errors.New("Model is not loaded")

// Config 이미지 추론 모델 설정정보
type Config struct {
	ModelPath string
	Pipeline  imaging.Pipeline
}

const (
	modelStatusReady = iota
	modelStatusRun
	modelStatusClosed
)

// Inference 프로세스당 하나의 학습된 모델을 서빙
type Inference struct {
	model     *Model
	result    *TrainingResult
	status    int32
	modelPath string
	pipeline  imaging.Pipeline
	logger    *zap.Logger
}

// InferLabel 이미지 추론 항목
type InferLabel struct {
	Prob  float64 `json:"probability"`
	Label string  `json:"label"`
}

type sortByProb []InferLabel

func (s sortByProb) Len() int {
	return len(s)
}

func (s sortByProb) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sortByProb) Less(i, j int) bool {
	return s[i].Prob > s[j].Prob
}

// Probabilities 전처리 된 0~255 픽셀 이미지 한 장의 클래스별 확률
func Probabilities(m *Model, pixels []float64) ([]float64, error) {
	x, err := Preprocess([][]float64{pixels}, m.Net.InputShape().H)
	if err != nil {
		return nil, err
	}

	p, err := m.Net.Predict(x)
	if err != nil {
		if errors.Is(err, nn.ErrShape) {
			return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, err)
		}
		return nil, err
	}

	return p.Sample(0), nil
}

// Predict 이미지 한 장의 arg-max 클래스를 라벨로 변환
func Predict(m *Model, pixels []float64) (string, error) {
	probs, err := Probabilities(m, pixels)
	if err != nil {
		return "", err
	}

	return m.Labels.Decode(nn.Argmax(probs))
}

func classifyMulti(m *Model, probs []float64, k int) ([]InferLabel, error) {
	if len(probs) != m.Labels.Len() {
		return nil, fmt.Errorf(
			"The number of correct(%d) and predicted(%d) labels does not match",
			m.Labels.Len(),
			len(probs),
		)
	}

	infers := make([]InferLabel, 0, len(probs))
	for idx, prob := range probs {
		label, err := m.Labels.Decode(idx)
		if err != nil {
			return nil, err
		}
		infers = append(infers, InferLabel{
			Prob:  prob,
			Label: label,
		})
	}
	sort.Stable(sortByProb(infers))

	if k <= 0 {
		k = constants.DefaultMultiClassMax
	}

	if k > len(infers) {
		k = len(infers)
	}

	return infers[:k], nil
}

// Infer 원본 이미지를 전처리 후 추론하여 예측 라벨과 상위 k 개 후보 반환
func (i *Inference) Infer(img image.Image, k int) (string, []InferLabel, error) {
	if atomic.LoadInt32(&i.status) != modelStatusRun {
		return "", nil, ErrNotLoaded
	}

	processed, err := i.pipeline.Process(img)
	if err != nil {
		return "", nil, err
	}

	probs, err := Probabilities(i.model, imaging.Pixels(processed))
	if err != nil {
		return "", nil, err
	}

	label, err := i.model.Labels.Decode(nn.Argmax(probs))
	if err != nil {
		return "", nil, err
	}

	infers, err := classifyMulti(i.model, probs, k)
	if err != nil {
		return "", nil, err
	}

	return label, infers, nil
}

// GetModel 이미지 추론 모델 정보 반환
func (i *Inference) GetModel() map[string]interface{} {
	var status string
	switch atomic.LoadInt32(&i.status) {
	case modelStatusReady:
		status = "ready"
	case modelStatusRun:
		status = "run"
	case modelStatusClosed:
		status = "closed"
	default:
		status = "unknown"
	}

	info := map[string]interface{}{
		"modelPath": i.modelPath,
		"status":    status,
	}
	if i.model == nil {
		return info
	}

	info["model"] = i.model.Net.Arch.Name
	info["inputShape"] = i.model.Net.InputShape()
	info["numberOfLabels"] = i.model.Labels.Len()
	info["labels"] = i.model.Labels.Labels()
	info["parameters"] = i.model.Net.NumParams()

	if i.result != nil {
		info["trainingResult"] = map[string]interface{}{
			"epochs":             i.result.Epochs,
			"trainLoss":          i.result.TrainLoss,
			"trainAccuracy":      i.result.TrainAccuracy,
			"validationLoss":     i.result.ValidationLoss,
			"validationAccuracy": i.result.ValidationAccuracy,
			"testLoss":           i.result.TestLoss,
			"testAccuracy":       i.result.TestAccuracy,
		}
	}

	return info
}

// Destroy 모델 해제
func (i *Inference) Destroy() {
	atomic.StoreInt32(&i.status, modelStatusClosed)
}

// New 모델 디렉토리에서 서빙 모델을 한번 로드
func New(c Config, logger *zap.Logger) (*Inference, error) {
	i := &Inference{
		status:    modelStatusReady,
		modelPath: c.ModelPath,
		pipeline:  c.Pipeline,
		logger:    logger,
	}

	m, err := LoadModel(c.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("Fail to load model(%s): %w", c.ModelPath, err)
	}
	if m.Net.InputShape().H != c.Pipeline.Size {
		return nil, fmt.Errorf("%w: model input %s, imaging size %d",
			ErrShapeMismatch, m.Net.InputShape(), c.Pipeline.Size)
	}
	i.model = m

	if r, err := LoadTrainingResult(c.ModelPath); err == nil {
		i.result = &r
	} else {
		logger.Warn("No training result for model", zap.String("path", c.ModelPath), zap.Error(err))
	}

	// Setting status should always be last
	atomic.StoreInt32(&i.status, modelStatusRun)
	logger.Info("Load model",
		zap.String("path", c.ModelPath),
		zap.Int("classes", m.Labels.Len()),
		zap.Int("params", m.Net.NumParams()))

	return i, nil
}
