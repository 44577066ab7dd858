package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
)

var (
	// ErrMissingLabel 최종 이미지에 대응하는 라벨이 없음
	ErrMissingLabel = errors.New("no label for image")
	// ErrImageSize 최종 이미지 크기가 설정과 다름
	ErrImageSize = errors.New("unexpected image size")
)

// Set 순서가 함께 유지되는 이미지와 라벨 목록
type Set struct {
	Filenames []string
	Images    [][]float64
	Labels    []string
}

// Len 이미지 수
func (s Set) Len() int {
	return len(s.Images)
}

func (s Set) slice(from, to int) Set {
	return Set{
		Filenames: s.Filenames[from:to],
		Images:    s.Images[from:to],
		Labels:    s.Labels[from:to],
	}
}

// Split train/test 분할
type Split struct {
	Train Set
	Test  Set
}

// Len 전체 이미지 수
func (s Split) Len() int {
	return s.Train.Len() + s.Test.Len()
}

// LabelMap 확장자를 뺀 파일 이름과 라벨의 매핑 (labels.json)
type LabelMap map[string]string

// Stem 확장자를 뺀 파일 이름
func Stem(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

// Lookup 파일 이름의 라벨, 파일 이름 그대로 저장된 항목도 찾는다
func (m LabelMap) Lookup(filename string) (string, bool) {
	if label, ok := m[Stem(filename)]; ok {
		return label, true
	}

	label, ok := m[filename]

	return label, ok
}

// ReadLabelMap dir 의 labels.json 로드
func ReadLabelMap(dir string) (LabelMap, error) {
	file := filepath.Join(dir, constants.LabelsFile)
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var labels LabelMap
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("Cannot parse %s: %w", file, err)
	}

	return labels, nil
}

// WriteLabelMap dir 에 labels.json 저장
func WriteLabelMap(dir string, labels LabelMap) error {
	raw, err := json.Marshal(labels)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, constants.LabelsFile), raw, 0o644)
}

// Load 최종 이미지 디렉토리를 읽어 섞은 후 80/20 으로 분할
//
// seed 가 0 이면 실행마다 다르게 섞는다. 이미지와 라벨은 같은 순서로 섞인다.
func Load(dir string, size int, seed int64) (Split, error) {
	var split Split

	labels, err := ReadLabelMap(dir)
	if err != nil {
		return split, pkgerrors.Wrap(err, "load label map")
	}

	finalDir := filepath.Join(dir, constants.FinalDir)
	entries, err := os.ReadDir(finalDir)
	if err != nil {
		return split, pkgerrors.Wrap(err, "list final images")
	}

	var filenames []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), constants.ImageExt) {
			continue
		}
		filenames = append(filenames, entry.Name())
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(filenames), func(i, j int) {
		filenames[i], filenames[j] = filenames[j], filenames[i]
	})

	all := Set{
		Filenames: filenames,
		Images:    make([][]float64, len(filenames)),
		Labels:    make([]string, len(filenames)),
	}
	for i, name := range filenames {
		label, ok := labels.Lookup(name)
		if !ok {
			return split, pkgerrors.Wrapf(ErrMissingLabel, "image %s", name)
		}

		img, err := imaging.Open(filepath.Join(finalDir, name))
		if err != nil {
			return split, pkgerrors.Wrapf(err, "decode image %s", name)
		}

		if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
			return split, pkgerrors.Wrapf(ErrImageSize, "image %s is %dx%d, expected %dx%d",
				name, b.Dx(), b.Dy(), size, size)
		}

		all.Images[i] = imaging.Pixels(img)
		all.Labels[i] = label
	}

	// floor(0.8 * N)
	partition := len(filenames) * 4 / 5
	split.Train = all.slice(0, partition)
	split.Test = all.slice(partition, len(filenames))

	return split, nil
}
