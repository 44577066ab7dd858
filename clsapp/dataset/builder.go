package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/data/db"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
)

// ErrIncompleteRun 이전 빌드가 중간에 멈춤
var ErrIncompleteRun = errors.New("previous build did not complete")

// MetadataStore 데이터셋 빌드에 필요한 메타데이터 저장소 기능
type MetadataStore interface {
	ListItems(ctx context.Context) ([]db.Item, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// BlobStore 데이터셋 빌드에 필요한 이미지 저장소 기능
type BlobStore interface {
	ListKeys(ctx context.Context) ([]string, error)
	DownloadMany(ctx context.Context, keys []string, dir string) (int, error)
	DeleteMany(ctx context.Context, keys []string) error
}

// Config 데이터셋 빌드 설정
type Config struct {
	Dir           string
	GreyChannel   int
	Size          int
	Interpolation imaging.Interpolation
	Seed          int64
}

// BuildOptions Build 옵션
type BuildOptions struct {
	// 끝나지 않은 이전 빌드가 있어도 처음부터 다시 실행
	Force bool
}

// Builder 수집 이미지로 학습 데이터셋 생성
type Builder struct {
	cfg       Config
	meta      MetadataStore
	blobs     BlobStore
	processor *imaging.Processor
	logger    *zap.Logger
	now       func() time.Time
}

// NewBuilder 새로운 Builder 생성
func NewBuilder(cfg Config, meta MetadataStore, blobs BlobStore, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:       cfg,
		meta:      meta,
		blobs:     blobs,
		processor: imaging.NewProcessor(logger),
		logger:    logger,
		now:       time.Now,
	}
}

func (b *Builder) dir(name string) string {
	return filepath.Join(b.cfg.Dir, name)
}

// Status 마지막 빌드 상태
func (b *Builder) Status() (Status, error) {
	return ReadStatus(b.cfg.Dir)
}

func (b *Builder) advance(status *Status, stage Stage) error {
	status.Stage = stage
	status.UpdatedAt = b.now()

	if err := writeStatus(b.cfg.Dir, *status); err != nil {
		return pkgerrors.Wrapf(err, "record stage %s", stage)
	}

	b.logger.Info("Dataset stage completed",
		zap.String("runId", status.RunID),
		zap.Stringer("stage", stage))

	return nil
}

// Build 메타데이터 조회 -> labels.json -> 다운로드 -> grey -> crop -> resize 순으로 데이터셋 생성
//
// 단계가 끝날 때마다 stage.yaml 에 기록한다. 이전 빌드가 끝나지 않았으면 Force 없이는
// 시작하지 않으며, Force 로 다시 실행하면 이미 있는 파일은 건너뛰며 처음부터 진행한다.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (Status, error) {
	prev, err := b.Status()
	if err != nil {
		return prev, err
	}
	if prev.Incomplete() && !opts.Force {
		return prev, fmt.Errorf("%w: run %s stopped after stage %s",
			ErrIncompleteRun, prev.RunID, prev.Stage)
	}

	if err := os.MkdirAll(b.cfg.Dir, os.ModePerm); err != nil {
		return prev, err
	}

	status := Status{
		RunID:     uuid.NewString(),
		StartedAt: b.now(),
		Passes:    make(map[string]imaging.Summary),
	}
	b.logger.Info("Start dataset build",
		zap.String("runId", status.RunID),
		zap.String("dir", b.cfg.Dir),
		zap.Bool("force", opts.Force))

	items, err := b.meta.ListItems(ctx)
	if err != nil {
		return status, pkgerrors.Wrap(err, "list metadata")
	}
	status.Items = len(items)
	if err := b.advance(&status, StageListed); err != nil {
		return status, err
	}

	labels := make(LabelMap, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		labels[Stem(item.Filename)] = item.Label
		keys = append(keys, item.Filename)
	}
	if err := WriteLabelMap(b.cfg.Dir, labels); err != nil {
		return status, pkgerrors.Wrap(err, "write label map")
	}
	if err := b.advance(&status, StageLabeled); err != nil {
		return status, err
	}

	if err := os.MkdirAll(b.dir(constants.OriginalDir), os.ModePerm); err != nil {
		return status, err
	}
	downloaded, err := b.blobs.DownloadMany(ctx, keys, b.dir(constants.OriginalDir))
	if err != nil {
		return status, pkgerrors.Wrap(err, "download images")
	}
	b.logger.Info("Images downloaded",
		zap.Int("downloaded", downloaded),
		zap.Int("items", len(keys)))
	if err := b.advance(&status, StageDownloaded); err != nil {
		return status, err
	}

	passes := []struct {
		src, dst string
		op       imaging.Operation
		stage    Stage
	}{
		{constants.OriginalDir, constants.GreyedDir, imaging.GreyOp(b.cfg.GreyChannel), StageGreyed},
		{constants.GreyedDir, constants.CroppedDir, imaging.CropOp(), StageCropped},
		{constants.CroppedDir, constants.FinalDir, imaging.ResizeOp(b.cfg.Size, b.cfg.Interpolation), StageResized},
	}
	for _, pass := range passes {
		summary, err := b.processor.Run(ctx, b.dir(pass.src), b.dir(pass.dst), pass.op)
		if err != nil {
			return status, pkgerrors.Wrapf(err, "stage %s", pass.stage)
		}
		status.Passes[pass.stage.String()] = summary

		if err := b.advance(&status, pass.stage); err != nil {
			return status, err
		}
	}

	for _, name := range []string{constants.OriginalDir, constants.GreyedDir, constants.CroppedDir} {
		if err := os.RemoveAll(b.dir(name)); err != nil {
			return status, pkgerrors.Wrapf(err, "remove %s", name)
		}
	}
	if err := b.advance(&status, StageComplete); err != nil {
		return status, err
	}

	return status, nil
}

// Load 최종 이미지 디렉토리에서 train/test 분할 로드
func (b *Builder) Load() (Split, error) {
	return Load(b.cfg.Dir, b.cfg.Size, b.cfg.Seed)
}
