package nn

import (
	"fmt"
	"math"
)

// Optimizer 그래디언트로 파라미터 갱신
type Optimizer interface {
	Step(params []*Param)
}

// NewOptimizer 이름으로 optimizer 생성, lr 이 0 이하면 기본값 사용
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	switch name {
	case "adadelta", "":
		if lr <= 0 {
			lr = 1.0
		}
		return NewAdadelta(lr), nil
	case "adam":
		if lr <= 0 {
			lr = 0.001
		}
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("Unknown optimizer: %s", name)
	}
}

// Adadelta 파라미터별 학습률 조정
type Adadelta struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64

	accGrad  map[*Param][]float64
	accDelta map[*Param][]float64
}

// NewAdadelta 새로운 Adadelta
func NewAdadelta(lr float64) *Adadelta {
	return &Adadelta{
		LearningRate: lr,
		Rho:          0.95,
		Epsilon:      1e-7,
		accGrad:      make(map[*Param][]float64),
		accDelta:     make(map[*Param][]float64),
	}
}

// Step 파라미터 갱신
func (opt *Adadelta) Step(params []*Param) {
	for _, p := range params {
		ag, ok := opt.accGrad[p]
		if !ok {
			ag = make([]float64, len(p.Value))
			opt.accGrad[p] = ag
			opt.accDelta[p] = make([]float64, len(p.Value))
		}
		ad := opt.accDelta[p]

		for i, g := range p.Grad {
			ag[i] = opt.Rho*ag[i] + (1-opt.Rho)*g*g
			delta := g * math.Sqrt(ad[i]+opt.Epsilon) / math.Sqrt(ag[i]+opt.Epsilon)
			p.Value[i] -= opt.LearningRate * delta
			ad[i] = opt.Rho*ad[i] + (1-opt.Rho)*delta*delta
		}
	}
}

// Adam 모멘텀과 RMS 기반 optimizer
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	timeStep int
	m        map[*Param][]float64
	v        map[*Param][]float64
}

// NewAdam 새로운 Adam
func NewAdam(lr float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(map[*Param][]float64),
		v:            make(map[*Param][]float64),
	}
}

// Step 파라미터 갱신
func (opt *Adam) Step(params []*Param) {
	opt.timeStep++
	t := float64(opt.timeStep)
	correction1 := 1 - math.Pow(opt.Beta1, t)
	correction2 := 1 - math.Pow(opt.Beta2, t)

	for _, p := range params {
		m, ok := opt.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			opt.m[p] = m
			opt.v[p] = make([]float64, len(p.Value))
		}
		v := opt.v[p]

		for i, g := range p.Grad {
			m[i] = opt.Beta1*m[i] + (1-opt.Beta1)*g
			v[i] = opt.Beta2*v[i] + (1-opt.Beta2)*g*g
			p.Value[i] -= opt.LearningRate * (m[i] / correction1) / (math.Sqrt(v[i]/correction2) + opt.Epsilon)
		}
	}
}
