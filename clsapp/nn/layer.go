package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// 레이어 종류
const (
	TypeConv2D    = "conv2d"
	TypeMaxPool2D = "maxpool2d"
	TypeReLU      = "relu"
	TypeFlatten   = "flatten"
	TypeDropout   = "dropout"
	TypeDense     = "dense"
	TypeSoftmax   = "softmax"
)

// LayerSpec 레이어 하나의 구조 정보
type LayerSpec struct {
	Type    string  `json:"type"`
	Filters int     `json:"filters,omitempty"`
	Kernel  int     `json:"kernel,omitempty"`
	Pool    int     `json:"pool,omitempty"`
	Units   int     `json:"units,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
}

// Layer 순전파/역전파 단위
//
// Forward 는 Backward 에 필요한 입력을 보관하므로 한 레이어를 여러 고루틴에서
// 동시에 사용할 수 없다.
type Layer interface {
	OutputShape() Shape
	Forward(x *Tensor, training bool) *Tensor
	Backward(dy *Tensor) *Tensor
	Params() []*Param
}

func newLayer(name string, spec LayerSpec, in Shape, rng *rand.Rand) (Layer, error) {
	switch spec.Type {
	case TypeConv2D:
		return newConv2D(name, in, spec.Filters, spec.Kernel, rng)
	case TypeMaxPool2D:
		return newMaxPool2D(in, spec.Pool)
	case TypeReLU:
		return &ReLU{shape: in}, nil
	case TypeFlatten:
		return &Flatten{in: in}, nil
	case TypeDropout:
		if spec.Rate < 0 || spec.Rate >= 1 {
			return nil, fmt.Errorf("%w: dropout rate %v", ErrArchitecture, spec.Rate)
		}
		return &Dropout{shape: in, rate: spec.Rate, rng: rng}, nil
	case TypeDense:
		return newDense(name, in, spec.Units, rng)
	case TypeSoftmax:
		return &Softmax{shape: in}, nil
	default:
		return nil, fmt.Errorf("%w: unknown layer type %q", ErrArchitecture, spec.Type)
	}
}

// Conv2D stride 1, valid padding 2차원 컨볼루션
//
// 샘플마다 im2col 로 펼친 뒤 (outH*outW, k*k*C) x (k*k*C, filters) 행렬곱으로 계산한다.
type Conv2D struct {
	in, out Shape
	k       int

	weight *Param
	bias   *Param

	x    *Tensor
	col  []float64
	dcol []float64
}

func newConv2D(name string, in Shape, filters, k int, rng *rand.Rand) (*Conv2D, error) {
	if filters <= 0 || k <= 0 || k > in.H || k > in.W {
		return nil, fmt.Errorf("%w: conv2d %d filters of %dx%d on %s", ErrArchitecture, filters, k, k, in)
	}

	l := &Conv2D{
		in:     in,
		out:    Shape{H: in.H - k + 1, W: in.W - k + 1, C: filters},
		k:      k,
		weight: newParam(name+"/kernel", k, k, in.C, filters),
		bias:   newParam(name+"/bias", filters),
	}
	glorot(l.weight.Value, k*k*in.C, k*k*filters, rng)

	return l, nil
}

// OutputShape 출력 shape
func (l *Conv2D) OutputShape() Shape { return l.out }

// Params 학습 파라미터
func (l *Conv2D) Params() []*Param { return []*Param{l.weight, l.bias} }

func (l *Conv2D) dims() (rows, kk int) {
	return l.out.H * l.out.W, l.k * l.k * l.in.C
}

func (l *Conv2D) im2col(x []float64) {
	rows, kk := l.dims()
	if len(l.col) != rows*kk {
		l.col = make([]float64, rows*kk)
	}

	span := l.k * l.in.C
	for oh := 0; oh < l.out.H; oh++ {
		for ow := 0; ow < l.out.W; ow++ {
			row := l.col[(oh*l.out.W+ow)*kk:]
			for ki := 0; ki < l.k; ki++ {
				start := ((oh+ki)*l.in.W + ow) * l.in.C
				copy(row[ki*span:(ki+1)*span], x[start:start+span])
			}
		}
	}
}

func (l *Conv2D) col2im(dcol, dx []float64) {
	_, kk := l.dims()

	span := l.k * l.in.C
	for oh := 0; oh < l.out.H; oh++ {
		for ow := 0; ow < l.out.W; ow++ {
			row := dcol[(oh*l.out.W+ow)*kk:]
			for ki := 0; ki < l.k; ki++ {
				start := ((oh+ki)*l.in.W + ow) * l.in.C
				floats.Add(dx[start:start+span], row[ki*span:(ki+1)*span])
			}
		}
	}
}

// Forward 순전파
func (l *Conv2D) Forward(x *Tensor, training bool) *Tensor {
	l.x = x
	y := NewTensor(x.N, l.out)

	rows, kk := l.dims()
	w := mat.NewDense(kk, l.out.C, l.weight.Value)

	for n := 0; n < x.N; n++ {
		l.im2col(x.Sample(n))
		col := mat.NewDense(rows, kk, l.col)

		out := mat.NewDense(rows, l.out.C, y.Sample(n))
		out.Mul(col, w)
		for r := 0; r < rows; r++ {
			floats.Add(out.RawRowView(r), l.bias.Value)
		}
	}

	return y
}

// Backward 역전파, 파라미터 그래디언트를 누적
func (l *Conv2D) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, l.in)

	rows, kk := l.dims()
	w := mat.NewDense(kk, l.out.C, l.weight.Value)
	dw := mat.NewDense(kk, l.out.C, nil)
	if len(l.dcol) != rows*kk {
		l.dcol = make([]float64, rows*kk)
	}
	dcol := mat.NewDense(rows, kk, l.dcol)

	for n := 0; n < dy.N; n++ {
		l.im2col(l.x.Sample(n))
		col := mat.NewDense(rows, kk, l.col)
		g := mat.NewDense(rows, l.out.C, dy.Sample(n))

		dw.Mul(col.T(), g)
		floats.Add(l.weight.Grad, dw.RawMatrix().Data)
		for r := 0; r < rows; r++ {
			floats.Add(l.bias.Grad, g.RawRowView(r))
		}

		dcol.Mul(g, w.T())
		l.col2im(l.dcol, dx.Sample(n))
	}

	return dx
}

// MaxPool2D pool x pool 크기, 같은 stride 의 최대값 풀링 (나머지는 버림)
type MaxPool2D struct {
	in, out Shape
	pool    int

	argmax []int
}

func newMaxPool2D(in Shape, pool int) (*MaxPool2D, error) {
	if pool <= 0 || pool > in.H || pool > in.W {
		return nil, fmt.Errorf("%w: maxpool2d %d on %s", ErrArchitecture, pool, in)
	}

	return &MaxPool2D{
		in:   in,
		out:  Shape{H: in.H / pool, W: in.W / pool, C: in.C},
		pool: pool,
	}, nil
}

// OutputShape 출력 shape
func (l *MaxPool2D) OutputShape() Shape { return l.out }

// Params 학습 파라미터 없음
func (l *MaxPool2D) Params() []*Param { return nil }

// Forward 순전파
func (l *MaxPool2D) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, l.out)
	l.argmax = make([]int, len(y.Data))

	size := l.out.Size()
	for n := 0; n < x.N; n++ {
		xs, ys := x.Sample(n), y.Sample(n)
		am := l.argmax[n*size : (n+1)*size]

		for oh := 0; oh < l.out.H; oh++ {
			for ow := 0; ow < l.out.W; ow++ {
				for c := 0; c < l.out.C; c++ {
					best, bi := math.Inf(-1), 0
					for ph := 0; ph < l.pool; ph++ {
						for pw := 0; pw < l.pool; pw++ {
							idx := ((oh*l.pool+ph)*l.in.W+ow*l.pool+pw)*l.in.C + c
							if xs[idx] > best {
								best, bi = xs[idx], idx
							}
						}
					}
					o := (oh*l.out.W+ow)*l.out.C + c
					ys[o], am[o] = best, bi
				}
			}
		}
	}

	return y
}

// Backward 최대값 위치로만 그래디언트 전달
func (l *MaxPool2D) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, l.in)

	size := l.out.Size()
	for n := 0; n < dy.N; n++ {
		dys, dxs := dy.Sample(n), dx.Sample(n)
		am := l.argmax[n*size : (n+1)*size]
		for o, g := range dys {
			dxs[am[o]] += g
		}
	}

	return dx
}

// ReLU max(0, x)
type ReLU struct {
	shape Shape
	mask  []bool
}

// OutputShape 출력 shape
func (l *ReLU) OutputShape() Shape { return l.shape }

// Params 학습 파라미터 없음
func (l *ReLU) Params() []*Param { return nil }

// Forward 순전파
func (l *ReLU) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, x.Shape)
	l.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
			l.mask[i] = true
		}
	}

	return y
}

// Backward 역전파
func (l *ReLU) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, dy.Shape)
	for i, g := range dy.Data {
		if l.mask[i] {
			dx.Data[i] = g
		}
	}

	return dx
}

// Flatten HxWxC 를 1x1x(H*W*C) 로 변환
type Flatten struct {
	in Shape
}

// OutputShape 출력 shape
func (l *Flatten) OutputShape() Shape { return Shape{H: 1, W: 1, C: l.in.Size()} }

// Params 학습 파라미터 없음
func (l *Flatten) Params() []*Param { return nil }

// Forward 데이터 복사 없이 shape 만 변경
func (l *Flatten) Forward(x *Tensor, training bool) *Tensor {
	return &Tensor{N: x.N, Shape: l.OutputShape(), Data: x.Data}
}

// Backward 입력 shape 로 복원
func (l *Flatten) Backward(dy *Tensor) *Tensor {
	return &Tensor{N: dy.N, Shape: l.in, Data: dy.Data}
}

// Dropout 학습 중에만 rate 비율의 원소를 0으로 만들고 나머지를 1/(1-rate) 배
type Dropout struct {
	shape Shape
	rate  float64
	rng   *rand.Rand

	mask []float64
}

// OutputShape 출력 shape
func (l *Dropout) OutputShape() Shape { return l.shape }

// Params 학습 파라미터 없음
func (l *Dropout) Params() []*Param { return nil }

// Forward 순전파
func (l *Dropout) Forward(x *Tensor, training bool) *Tensor {
	if !training || l.rate == 0 {
		l.mask = nil
		return x
	}

	scale := 1 / (1 - l.rate)
	y := NewTensor(x.N, x.Shape)
	l.mask = make([]float64, len(x.Data))
	for i, v := range x.Data {
		if l.rng.Float64() >= l.rate {
			l.mask[i] = scale
			y.Data[i] = v * scale
		}
	}

	return y
}

// Backward 역전파
func (l *Dropout) Backward(dy *Tensor) *Tensor {
	if l.mask == nil {
		return dy
	}

	dx := NewTensor(dy.N, dy.Shape)
	floats.MulTo(dx.Data, dy.Data, l.mask)

	return dx
}

// Dense 완전연결 레이어, 입력은 Flatten 된 1x1xC
type Dense struct {
	in, out Shape

	weight *Param
	bias   *Param

	x *Tensor
}

func newDense(name string, in Shape, units int, rng *rand.Rand) (*Dense, error) {
	if units <= 0 {
		return nil, fmt.Errorf("%w: dense with %d units", ErrArchitecture, units)
	}
	if in.H != 1 || in.W != 1 {
		return nil, fmt.Errorf("%w: dense on unflattened input %s", ErrArchitecture, in)
	}

	l := &Dense{
		in:     in,
		out:    Shape{H: 1, W: 1, C: units},
		weight: newParam(name+"/kernel", in.C, units),
		bias:   newParam(name+"/bias", units),
	}
	glorot(l.weight.Value, in.C, units, rng)

	return l, nil
}

// OutputShape 출력 shape
func (l *Dense) OutputShape() Shape { return l.out }

// Params 학습 파라미터
func (l *Dense) Params() []*Param { return []*Param{l.weight, l.bias} }

// Forward 순전파
func (l *Dense) Forward(x *Tensor, training bool) *Tensor {
	l.x = x
	y := NewTensor(x.N, l.out)

	xm := mat.NewDense(x.N, l.in.C, x.Data)
	w := mat.NewDense(l.in.C, l.out.C, l.weight.Value)
	ym := mat.NewDense(x.N, l.out.C, y.Data)
	ym.Mul(xm, w)
	for r := 0; r < x.N; r++ {
		floats.Add(ym.RawRowView(r), l.bias.Value)
	}

	return y
}

// Backward 역전파, 파라미터 그래디언트를 누적
func (l *Dense) Backward(dy *Tensor) *Tensor {
	xm := mat.NewDense(l.x.N, l.in.C, l.x.Data)
	w := mat.NewDense(l.in.C, l.out.C, l.weight.Value)
	g := mat.NewDense(dy.N, l.out.C, dy.Data)

	var dw mat.Dense
	dw.Mul(xm.T(), g)
	floats.Add(l.weight.Grad, dw.RawMatrix().Data)
	for r := 0; r < dy.N; r++ {
		floats.Add(l.bias.Grad, g.RawRowView(r))
	}

	dx := NewTensor(dy.N, l.in)
	dxm := mat.NewDense(dy.N, l.in.C, dx.Data)
	dxm.Mul(g, w.T())

	return dx
}

// Softmax 샘플별 확률 분포
type Softmax struct {
	shape Shape
	y     *Tensor
}

// OutputShape 출력 shape
func (l *Softmax) OutputShape() Shape { return l.shape }

// Params 학습 파라미터 없음
func (l *Softmax) Params() []*Param { return nil }

// Forward 순전파
func (l *Softmax) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, x.Shape)
	for n := 0; n < x.N; n++ {
		xs, ys := x.Sample(n), y.Sample(n)
		top := floats.Max(xs)
		for i, v := range xs {
			ys[i] = math.Exp(v - top)
		}
		floats.Scale(1/floats.Sum(ys), ys)
	}
	l.y = y

	return y
}

// Backward 야코비안 곱, 학습 시에는 cross entropy 와 결합한 미분을 사용
func (l *Softmax) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, dy.Shape)
	for n := 0; n < dy.N; n++ {
		ys, dys, dxs := l.y.Sample(n), dy.Sample(n), dx.Sample(n)
		dot := floats.Dot(dys, ys)
		for i := range dxs {
			dxs[i] = ys[i] * (dys[i] - dot)
		}
	}

	return dx
}
