package imaging

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
)

// Operation 이미지 한 장에 대한 변환
type Operation func(image.Image) (image.Image, error)

// GreyOp Greyscale 변환
func GreyOp(channel int) Operation {
	return func(img image.Image) (image.Image, error) {
		return Greyscale(img, channel)
	}
}

// CropOp CenterCropSquare 변환
func CropOp() Operation {
	return func(img image.Image) (image.Image, error) {
		return CenterCropSquare(img), nil
	}
}

// ResizeOp Resize 변환
func ResizeOp(size int, interp Interpolation) Operation {
	return func(img image.Image) (image.Image, error) {
		return Resize(img, size, interp)
	}
}

// Pipeline 예측 입력용 전처리 (grey -> crop -> resize)
type Pipeline struct {
	GreyChannel   int
	Size          int
	Interpolation Interpolation
}

// Process 메모리 상에서 전처리 수행
func (p Pipeline) Process(img image.Image) (image.Image, error) {
	ops := []Operation{
		GreyOp(p.GreyChannel),
		CropOp(),
		ResizeOp(p.Size, p.Interpolation),
	}

	var err error
	for _, op := range ops {
		if img, err = op(img); err != nil {
			return nil, err
		}
	}

	return img, nil
}

// FileError 처리 실패한 파일
type FileError struct {
	File string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Err)
}

// Summary 디렉토리 처리 결과
type Summary struct {
	Total     int         `yaml:"total" json:"total"`
	Processed int         `yaml:"processed" json:"processed"`
	Skipped   int         `yaml:"skipped" json:"skipped"`
	Failed    int         `yaml:"failed" json:"failed"`
	Failures  []FileError `yaml:"-" json:"-"`
}

// Processor 디렉토리 단위 이미지 변환
type Processor struct {
	logger *zap.Logger
}

// NewProcessor 새로운 Processor 생성
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger: logger,
	}
}

// Run srcDir 의 png 파일마다 op 를 적용하여 dstDir 에 같은 이름으로 저장
//
// 이미 dstDir 에 있는 파일은 건너뛴다. 파일 단위 실패는 Summary 에 기록하고
// 계속 진행하며, 디렉토리를 읽거나 만들 수 없을 때만 에러를 반환한다.
func (p *Processor) Run(ctx context.Context, srcDir, dstDir string, op Operation) (Summary, error) {
	var summary Summary

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return summary, err
	}

	if err := os.MkdirAll(dstDir, os.ModePerm); err != nil {
		return summary, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), constants.ImageExt) {
			continue
		}
		files = append(files, entry.Name())
	}
	summary.Total = len(files)

	for i, name := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		p.logger.Debug("Process image",
			zap.String("file", name),
			zap.Int("count", i+1),
			zap.Int("total", summary.Total))

		dst := filepath.Join(dstDir, name)
		if _, err := os.Stat(dst); err == nil {
			summary.Skipped++
			continue
		}

		if err := processFile(filepath.Join(srcDir, name), dst, op); err != nil {
			p.logger.Warn("Skip image", zap.String("file", name), zap.Error(err))
			summary.Failed++
			summary.Failures = append(summary.Failures, FileError{File: name, Err: err})
			continue
		}
		summary.Processed++
	}

	p.logger.Info("Directory processed",
		zap.String("src", srcDir),
		zap.String("dst", dstDir),
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))

	return summary, nil
}

func processFile(src, dst string, op Operation) error {
	img, err := Open(src)
	if err != nil {
		return err
	}

	out, err := op(img)
	if err != nil {
		return err
	}

	return Save(dst, out)
}
