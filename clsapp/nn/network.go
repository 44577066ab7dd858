package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

var (
	// ErrArchitecture 잘못된 네트워크 구조
	ErrArchitecture = errors.New("invalid architecture")
	// ErrShape 입력 shape 불일치
	ErrShape = errors.New("shape mismatch")
)

// Architecture 네트워크 구조 (model.json)
type Architecture struct {
	Name   string      `json:"name"`
	Input  Shape       `json:"input"`
	Layers []LayerSpec `json:"layers"`
}

// Network 순차 네트워크
type Network struct {
	Arch   Architecture
	Layers []Layer

	mu sync.Mutex
}

// New 구조 정보로 네트워크를 만들고 seed 로 가중치 초기화
//
// 마지막 레이어는 softmax 여야 한다.
func New(arch Architecture, seed int64) (*Network, error) {
	if arch.Input.Size() <= 0 {
		return nil, fmt.Errorf("%w: input shape %s", ErrArchitecture, arch.Input)
	}
	if len(arch.Layers) == 0 || arch.Layers[len(arch.Layers)-1].Type != TypeSoftmax {
		return nil, fmt.Errorf("%w: last layer must be %s", ErrArchitecture, TypeSoftmax)
	}

	rng := rand.New(rand.NewSource(seed))
	shape := arch.Input

	net := &Network{Arch: arch}
	for i, spec := range arch.Layers {
		layer, err := newLayer(fmt.Sprintf("%s_%d", spec.Type, i), spec, shape, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		net.Layers = append(net.Layers, layer)
		shape = layer.OutputShape()
	}

	return net, nil
}

// InputShape 입력 샘플 shape
func (n *Network) InputShape() Shape {
	return n.Arch.Input
}

// Classes 출력 클래스 수
func (n *Network) Classes() int {
	return n.Layers[len(n.Layers)-1].OutputShape().Size()
}

// Params 모든 학습 파라미터
func (n *Network) Params() []*Param {
	var params []*Param
	for _, l := range n.Layers {
		params = append(params, l.Params()...)
	}

	return params
}

// NumParams 학습 파라미터 원소 수
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += len(p.Value)
	}

	return total
}

func (n *Network) forward(x *Tensor, training bool) *Tensor {
	for _, l := range n.Layers {
		x = l.Forward(x, training)
	}

	return x
}

// Predict 클래스별 확률, 동시에 호출해도 안전
func (n *Network) Predict(x *Tensor) (*Tensor, error) {
	if x.Shape != n.Arch.Input {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrShape, n.Arch.Input, x.Shape)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.forward(x, false), nil
}

// crossEntropy 평균 손실과 정답 수
func crossEntropy(p *Tensor, y []float64) (float64, int) {
	const eps = 1e-12

	loss := 0.0
	correct := 0
	classes := p.Shape.Size()
	for i := 0; i < p.N; i++ {
		ps := p.Sample(i)
		ys := y[i*classes : (i+1)*classes]
		for j, t := range ys {
			if t > 0 {
				loss -= t * math.Log(ps[j]+eps)
			}
		}
		if Argmax(ps) == Argmax(ys) {
			correct++
		}
	}

	return loss / float64(p.N), correct
}

func (n *Network) zeroGrad() {
	for _, p := range n.Params() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// gradients 그래디언트 계산, softmax 와 cross entropy 의 결합 미분 (p - y) / N 에서 시작
func (n *Network) gradients(x *Tensor, y []float64) (float64, int) {
	n.zeroGrad()

	p := n.forward(x, true)
	loss, correct := crossEntropy(p, y)

	d := NewTensor(p.N, p.Shape)
	for i := range d.Data {
		d.Data[i] = (p.Data[i] - y[i]) / float64(p.N)
	}
	for i := len(n.Layers) - 2; i >= 0; i-- {
		d = n.Layers[i].Backward(d)
	}

	return loss, correct
}

// TrainBatch 배치 하나로 파라미터를 갱신하고 갱신 전 손실과 정답 수 반환
//
// y 는 one-hot 으로 x.N x Classes 크기.
func (n *Network) TrainBatch(x *Tensor, y []float64, opt Optimizer) (float64, int, error) {
	if x.Shape != n.Arch.Input {
		return 0, 0, fmt.Errorf("%w: expected %s, got %s", ErrShape, n.Arch.Input, x.Shape)
	}
	if x.N == 0 || len(y) != x.N*n.Classes() {
		return 0, 0, fmt.Errorf("%w: %d labels for %d samples of %d classes", ErrShape, len(y), x.N, n.Classes())
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	loss, correct := n.gradients(x, y)
	opt.Step(n.Params())

	return loss, correct, nil
}

// Evaluate batchSize 단위로 평균 손실과 정확도 계산
func (n *Network) Evaluate(x *Tensor, y []float64, batchSize int) (float64, float64, error) {
	if x.N == 0 {
		return 0, 0, nil
	}
	if x.Shape != n.Arch.Input {
		return 0, 0, fmt.Errorf("%w: expected %s, got %s", ErrShape, n.Arch.Input, x.Shape)
	}
	if batchSize <= 0 {
		batchSize = x.N
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	classes := n.Classes()
	totalLoss := 0.0
	totalCorrect := 0
	for start := 0; start < x.N; start += batchSize {
		end := start + batchSize
		if end > x.N {
			end = x.N
		}

		size := x.Shape.Size()
		batch := &Tensor{N: end - start, Shape: x.Shape, Data: x.Data[start*size : end*size]}
		p := n.forward(batch, false)

		loss, correct := crossEntropy(p, y[start*classes:end*classes])
		totalLoss += loss * float64(batch.N)
		totalCorrect += correct
	}

	return totalLoss / float64(x.N), float64(totalCorrect) / float64(x.N), nil
}
