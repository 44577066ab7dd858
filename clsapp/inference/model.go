package inference

import (
	"fmt"
	"os"

	"github.com/harrison-roh/sketch-classification/clsapp/nn"
)

// NewArchitecture size x size x 1 입력의 스케치 분류 CNN 구조
//
// conv 32, 32, 64 블록 뒤에만 2x2 max pooling 을 두고 64, 128 블록은 풀링하지 않는다.
func NewArchitecture(size, classes int) nn.Architecture {
	conv := func(filters int) []nn.LayerSpec {
		return []nn.LayerSpec{
			{Type: nn.TypeConv2D, Filters: filters, Kernel: 3},
			{Type: nn.TypeReLU},
		}
	}
	pool := nn.LayerSpec{Type: nn.TypeMaxPool2D, Pool: 2}

	var layers []nn.LayerSpec
	layers = append(layers, conv(32)...)
	layers = append(layers, pool)
	layers = append(layers, conv(32)...)
	layers = append(layers, pool)
	layers = append(layers, conv(64)...)
	layers = append(layers, pool)
	layers = append(layers, conv(64)...)
	layers = append(layers, conv(128)...)
	layers = append(layers,
		nn.LayerSpec{Type: nn.TypeFlatten},
		nn.LayerSpec{Type: nn.TypeDropout, Rate: 0.25},
		nn.LayerSpec{Type: nn.TypeDense, Units: 128},
		nn.LayerSpec{Type: nn.TypeReLU},
		nn.LayerSpec{Type: nn.TypeDropout, Rate: 0.5},
		nn.LayerSpec{Type: nn.TypeDense, Units: classes},
		nn.LayerSpec{Type: nn.TypeSoftmax},
	)

	return nn.Architecture{
		Name:   "sketch-cnn",
		Input:  nn.Shape{H: size, W: size, C: 1},
		Layers: layers,
	}
}

// Model 네트워크와 label map 의 묶음
type Model struct {
	Net    *nn.Network
	Labels *LabelMap
}

// CreateModel label map 크기만큼의 출력을 갖는 새 모델
func CreateModel(size int, labels *LabelMap, seed int64) (*Model, error) {
	if labels.Len() == 0 {
		return nil, ErrNoTrainingData
	}

	net, err := nn.New(NewArchitecture(size, labels.Len()), seed)
	if err != nil {
		return nil, err
	}

	return &Model{
		Net:    net,
		Labels: labels,
	}, nil
}

// Save dir 에 model.json, model.gob, labels_to_ints.json 저장
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	if err := m.Net.Save(dir); err != nil {
		return err
	}

	return m.Labels.Save(dir)
}

// LoadModel dir 에서 모델과 label map 로드
func LoadModel(dir string) (*Model, error) {
	net, err := nn.Load(dir)
	if err != nil {
		return nil, err
	}

	labels, err := LoadLabelMap(dir)
	if err != nil {
		return nil, err
	}

	if net.Classes() != labels.Len() {
		return nil, fmt.Errorf("Model has %d classes but label map has %d", net.Classes(), labels.Len())
	}

	return &Model{
		Net:    net,
		Labels: labels,
	}, nil
}
