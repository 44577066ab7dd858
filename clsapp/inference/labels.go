package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
)

var (
	// ErrUnseenLabel label map 에 없는 라벨
	ErrUnseenLabel = errors.New("unseen label")
	// ErrUnknownClass label map 에 없는 클래스 번호
	ErrUnknownClass = errors.New("unknown class")
)

// LabelMap 문자열 라벨과 클래스 번호의 양방향 매핑
type LabelMap struct {
	toInt  map[string]int
	labels []string
}

// NewLabelMap 중복을 제거하고 정렬한 라벨에 0부터 번호를 매김
func NewLabelMap(labels []string) *LabelMap {
	seen := make(map[string]struct{}, len(labels))
	var unique []string
	for _, l := range labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			unique = append(unique, l)
		}
	}
	sort.Strings(unique)

	m := &LabelMap{
		toInt:  make(map[string]int, len(unique)),
		labels: unique,
	}
	for i, l := range unique {
		m.toInt[l] = i
	}

	return m
}

// Len 클래스 수
func (m *LabelMap) Len() int {
	return len(m.labels)
}

// Labels 클래스 번호 순서의 라벨 목록
func (m *LabelMap) Labels() []string {
	labels := make([]string, len(m.labels))
	copy(labels, m.labels)

	return labels
}

// Encode 라벨의 클래스 번호
func (m *LabelMap) Encode(label string) (int, error) {
	i, ok := m.toInt[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnseenLabel, label)
	}

	return i, nil
}

// EncodeAll 라벨 목록의 클래스 번호
func (m *LabelMap) EncodeAll(labels []string) ([]int, error) {
	ints := make([]int, len(labels))
	for i, l := range labels {
		c, err := m.Encode(l)
		if err != nil {
			return nil, err
		}
		ints[i] = c
	}

	return ints, nil
}

// Decode 클래스 번호의 라벨
func (m *LabelMap) Decode(class int) (string, error) {
	if class < 0 || class >= len(m.labels) {
		return "", fmt.Errorf("%w: %d of %d", ErrUnknownClass, class, len(m.labels))
	}

	return m.labels[class], nil
}

// Save dir 에 labels_to_ints.json 저장
func (m *LabelMap) Save(dir string) error {
	raw, err := json.MarshalIndent(m.toInt, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, constants.LabelMapFile), raw, 0o644)
}

// LoadLabelMap dir 의 labels_to_ints.json 로드
//
// 번호는 0..k-1 이 빠짐없이 한번씩 나와야 한다.
func LoadLabelMap(dir string) (*LabelMap, error) {
	file := filepath.Join(dir, constants.LabelMapFile)
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var toInt map[string]int
	if err := json.Unmarshal(raw, &toInt); err != nil {
		return nil, fmt.Errorf("Cannot parse %s: %w", file, err)
	}

	labels := make([]string, len(toInt))
	filled := make([]bool, len(toInt))
	for l, i := range toInt {
		if i < 0 || i >= len(toInt) || filled[i] {
			return nil, fmt.Errorf("Invalid class %d for label %q in %s", i, l, file)
		}
		labels[i] = l
		filled[i] = true
	}

	return &LabelMap{
		toInt:  toInt,
		labels: labels,
	}, nil
}
