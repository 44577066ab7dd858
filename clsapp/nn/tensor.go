package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Shape 샘플 하나의 높이, 너비, 채널
type Shape struct {
	H int `json:"h"`
	W int `json:"w"`
	C int `json:"c"`
}

// Size 샘플 하나의 원소 수
func (s Shape) Size() int {
	return s.H * s.W * s.C
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.C)
}

// Tensor NHWC 순서의 배치 텐서
type Tensor struct {
	N     int
	Shape Shape
	Data  []float64
}

// NewTensor 0으로 채운 텐서 생성
func NewTensor(n int, shape Shape) *Tensor {
	return &Tensor{
		N:     n,
		Shape: shape,
		Data:  make([]float64, n*shape.Size()),
	}
}

// FromData data 를 복사하지 않고 텐서로 감쌈
func FromData(n int, shape Shape, data []float64) (*Tensor, error) {
	if len(data) != n*shape.Size() {
		return nil, fmt.Errorf("%w: %d values for %d x %s", ErrShape, len(data), n, shape)
	}

	return &Tensor{N: n, Shape: shape, Data: data}, nil
}

// Sample i 번째 샘플
func (t *Tensor) Sample(i int) []float64 {
	size := t.Shape.Size()
	return t.Data[i*size : (i+1)*size]
}

// Gather idx 순서대로 샘플을 모은 새 텐서
func (t *Tensor) Gather(idx []int) *Tensor {
	out := NewTensor(len(idx), t.Shape)
	for i, j := range idx {
		copy(out.Sample(i), t.Sample(j))
	}

	return out
}

// Argmax 가장 큰 값의 위치
func Argmax(v []float64) int {
	return floats.MaxIdx(v)
}

// Param 학습 파라미터와 그래디언트
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}

	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// glorot uniform 초기화
func glorot(v []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range v {
		v[i] = (rng.Float64()*2 - 1) * limit
	}
}
