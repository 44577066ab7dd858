package inference

import (
	"errors"
	"fmt"

	"github.com/harrison-roh/sketch-classification/clsapp/nn"
)

// ErrShapeMismatch 이미지 크기가 모델 입력과 다름
var ErrShapeMismatch = errors.New("image shape does not match model input")

// Preprocess 0~255 픽셀의 size x size 이미지들을 [0, 1] 범위의 N x size x size x 1 텐서로 변환
func Preprocess(images [][]float64, size int) (*nn.Tensor, error) {
	shape := nn.Shape{H: size, W: size, C: 1}
	x := nn.NewTensor(len(images), shape)

	for i, img := range images {
		if len(img) != shape.Size() {
			return nil, fmt.Errorf("%w: image %d has %d pixels, expected %s",
				ErrShapeMismatch, i, len(img), shape)
		}

		s := x.Sample(i)
		for j, v := range img {
			s[j] = v / 255
		}
	}

	return x, nil
}

// OneHot 클래스 번호를 classes 길이의 one-hot 벡터로 변환
func OneHot(ints []int, classes int) []float64 {
	y := make([]float64, len(ints)*classes)
	for i, c := range ints {
		y[i*classes+c] = 1
	}

	return y
}
