package dataset

import (
	"context"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Report 메타데이터와 이미지 저장소의 불일치
type Report struct {
	// 메타데이터에만 있는 파일 이름
	MetadataOnly []string `json:"metadataOnly"`
	// 이미지 저장소에만 있는 키
	BlobOnly []string `json:"blobOnly"`

	Applied         bool  `json:"applied"`
	DeletedMetadata int64 `json:"deletedMetadata"`
	DeletedBlobs    int   `json:"deletedBlobs"`
}

func difference(a, b map[string]struct{}) []string {
	var diff []string
	for k := range a {
		if _, ok := b[k]; !ok {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)

	return diff
}

// Reconcile 메타데이터와 이미지 저장소 양쪽의 고아 항목을 찾음
//
// apply 가 false 이면 보고만 한다. true 이면 메타데이터는 파일 이름에서 확장자를 뺀 id 로,
// 이미지는 키로 삭제한다.
func (b *Builder) Reconcile(ctx context.Context, apply bool) (Report, error) {
	var report Report

	items, err := b.meta.ListItems(ctx)
	if err != nil {
		return report, pkgerrors.Wrap(err, "list metadata")
	}
	keys, err := b.blobs.ListKeys(ctx)
	if err != nil {
		return report, pkgerrors.Wrap(err, "list blobs")
	}

	metaSet := make(map[string]struct{}, len(items))
	for _, item := range items {
		metaSet[item.Filename] = struct{}{}
	}
	blobSet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		blobSet[key] = struct{}{}
	}

	report.MetadataOnly = difference(metaSet, blobSet)
	report.BlobOnly = difference(blobSet, metaSet)

	b.logger.Info("Reconcile metadata and blobs",
		zap.Int("metadataOnly", len(report.MetadataOnly)),
		zap.Int("blobOnly", len(report.BlobOnly)),
		zap.Bool("apply", apply))

	if !apply {
		return report, nil
	}
	report.Applied = true

	if len(report.MetadataOnly) > 0 {
		ids := make([]string, len(report.MetadataOnly))
		for i, name := range report.MetadataOnly {
			ids[i] = Stem(name)
		}

		report.DeletedMetadata, err = b.meta.Delete(ctx, ids)
		if err != nil {
			return report, pkgerrors.Wrap(err, "delete metadata")
		}
	}

	if len(report.BlobOnly) > 0 {
		if err := b.blobs.DeleteMany(ctx, report.BlobOnly); err != nil {
			return report, pkgerrors.Wrap(err, "delete blobs")
		}
		report.DeletedBlobs = len(report.BlobOnly)
	}

	b.logger.Info("Reconcile applied",
		zap.Int64("deletedMetadata", report.DeletedMetadata),
		zap.Int("deletedBlobs", report.DeletedBlobs))

	return report, nil
}
