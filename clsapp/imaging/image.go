package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/nfnt/resize"
)

var (
	// ErrChannelCount 선택한 채널이 이미지에 없음
	ErrChannelCount = errors.New("unexpected channel count")
	// ErrInterpolation 지원하지 않는 보간법
	ErrInterpolation = errors.New("unknown interpolation")
)

// Interpolation resize 보간법
type Interpolation string

const (
	Bilinear   Interpolation = "bilinear"
	CatmullRom Interpolation = "catmullrom"
	Lanczos3   Interpolation = "lanczos3"
)

// ParseInterpolation 설정값을 보간법으로 변환
func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(s); i {
	case Bilinear, CatmullRom, Lanczos3:
		return i, nil
	case "":
		return Bilinear, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInterpolation, s)
	}
}

// GrayAlpha 회색+알파 2채널 이미지
//
// png 디코더는 회색+알파 파일도 NRGBA 로 반환하므로 Decode 가 파일 헤더를 보고 감싼다.
// R, G, B 는 같은 회색값을 가진다.
type GrayAlpha struct {
	*image.NRGBA
}

// NewGrayAlpha 빈 회색+알파 이미지
func NewGrayAlpha(r image.Rectangle) GrayAlpha {
	return GrayAlpha{image.NewNRGBA(r)}
}

// Channels 디코딩된 이미지의 채널 수
//
// png 디코더는 알파 없는 RGB 파일을 RGBA 로 반환하므로 RGBA 와 팔레트 이미지는
// 모든 픽셀이 불투명하면 3채널로 본다. NRGBA 는 알파 채널이 있는 파일에서만 나온다.
func Channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case GrayAlpha:
		return 2
	case *image.YCbCr:
		return 3
	case *image.RGBA, *image.RGBA64, *image.Paletted:
		if img.(interface{ Opaque() bool }).Opaque() {
			return 3
		}
		return 4
	default:
		return 4
	}
}

// Greyscale 지정한 채널 하나를 그대로 밝기값으로 사용
//
// 가중 평균이 아니라 원시 채널값을 취한다. 기본 채널 3(알파)은 투명 배경 위에
// 그린 스케치에서 획만 남긴다.
func Greyscale(img image.Image, channel int) (*image.Gray, error) {
	n := Channels(img)
	if channel < 0 || channel >= n {
		return nil, fmt.Errorf("%w: channel %d of %d", ErrChannelCount, channel, n)
	}

	b := img.Bounds()
	grey := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if n == 1 {
		draw.Draw(grey, grey.Bounds(), img, b.Min, draw.Src)
		return grey, nil
	}

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				grey.Pix[y*grey.Stride+x] = row[x*4+channel]
			}
		}
		return grey, nil
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			grey.Pix[y*grey.Stride+x] = channelValue(c, n, channel)
		}
	}

	return grey, nil
}

func channelValue(c color.NRGBA, n, channel int) uint8 {
	if n == 2 {
		return [2]uint8{c.R, c.A}[channel]
	}

	return [4]uint8{c.R, c.G, c.B, c.A}[channel]
}

// CenterCropSquare 짧은 변 길이의 정사각형으로 가운데를 자름
//
// 홀수 차이는 내림하므로 남는 한 픽셀은 항상 아래/오른쪽에 붙는다.
func CenterCropSquare(img image.Image) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}

	offX := (b.Dx() - side) / 2
	offY := (b.Dy() - side) / 2
	src := image.Rect(b.Min.X+offX, b.Min.Y+offY, b.Min.X+offX+side, b.Min.Y+offY+side)

	dst := newLike(img, side, side)
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)

	return dst
}

// Resize size x size 크기로 변환, 가로세로 비율은 유지하지 않음
func Resize(img image.Image, size int, interp Interpolation) (image.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("Invalid resize target: %d", size)
	}

	switch interp {
	case Lanczos3:
		out := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
		dst := newLike(img, size, size)
		draw.Draw(dst, dst.Bounds(), out, out.Bounds().Min, draw.Src)
		return dst, nil
	case Bilinear, CatmullRom, "":
		var scaler xdraw.Scaler = xdraw.BiLinear
		if interp == CatmullRom {
			scaler = xdraw.CatmullRom
		}
		dst := newLike(img, size, size)
		scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInterpolation, interp)
	}
}

func newLike(img image.Image, w, h int) draw.Image {
	r := image.Rect(0, 0, w, h)

	switch Channels(img) {
	case 1:
		return image.NewGray(r)
	case 2:
		return NewGrayAlpha(r)
	case 3:
		return image.NewRGBA(r)
	default:
		return image.NewNRGBA(r)
	}
}

// Pixels 회색 이미지의 행 우선 픽셀값 (0~255)
func Pixels(img image.Image) []float64 {
	b := img.Bounds()
	pixels := make([]float64, 0, b.Dx()*b.Dy())

	grey, ok := img.(*image.Gray)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if ok {
				pixels = append(pixels, float64(grey.GrayAt(x, y).Y))
			} else {
				pixels = append(pixels, float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y))
			}
		}
	}

	return pixels
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// png IHDR 색 형식 중 회색+알파
const pngColorGrayAlpha = 4

// Decode png 이미지 디코딩
//
// 회색+알파 png 는 GrayAlpha 로 반환해 Channels 가 2를 돌려주도록 한다.
func Decode(r io.Reader) (image.Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	if pngColorType(raw) == pngColorGrayAlpha {
		return toGrayAlpha(img), nil
	}

	return img, nil
}

// 알파를 미리 곱하면 값이 바뀌므로 draw 를 거치지 않고 픽셀을 옮긴다
func toGrayAlpha(img image.Image) GrayAlpha {
	if src, ok := img.(*image.NRGBA); ok {
		return GrayAlpha{src}
	}

	b := img.Bounds()
	ga := NewGrayAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			ga.SetNRGBA(x, y, color.NRGBA{
				R: uint8(c.R >> 8),
				G: uint8(c.G >> 8),
				B: uint8(c.B >> 8),
				A: uint8(c.A >> 8),
			})
		}
	}

	return ga
}

// 시그니처(8), IHDR 길이와 타입(8), 너비와 높이(8), 비트 깊이(1) 다음 바이트
func pngColorType(raw []byte) int {
	if len(raw) < 26 || !bytes.HasPrefix(raw, pngSignature) {
		return -1
	}

	return int(raw[25])
}

// Open 이미지 파일 디코딩
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}

// Save png 로 저장, 실패하면 쓰다 만 파일을 남기지 않음
func Save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}

	return nil
}
