package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
)

// Stage 데이터셋 빌드에서 마지막으로 완료된 단계
type Stage int

const (
	StageNone Stage = iota
	StageListed
	StageLabeled
	StageDownloaded
	StageGreyed
	StageCropped
	StageResized
	StageComplete
)

var stageNames = []string{
	"none",
	"listed",
	"labeled",
	"downloaded",
	"greyed",
	"cropped",
	"resized",
	"complete",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}

	return stageNames[s]
}

// ParseStage 이름으로 Stage 찾기
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}

	return StageNone, fmt.Errorf("Unknown stage: %s", name)
}

// MarshalText encoding.TextMarshaler
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText encoding.TextUnmarshaler
func (s *Stage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage

	return nil
}

// Status 데이터 디렉토리의 stage.yaml 내용
type Status struct {
	RunID     string                     `yaml:"runId" json:"runId"`
	Stage     Stage                      `yaml:"stage" json:"stage"`
	StartedAt time.Time                  `yaml:"startedAt" json:"startedAt"`
	UpdatedAt time.Time                  `yaml:"updatedAt" json:"updatedAt"`
	Items     int                        `yaml:"items" json:"items"`
	Passes    map[string]imaging.Summary `yaml:"passes,omitempty" json:"passes,omitempty"`
}

// Incomplete 시작했지만 끝나지 않은 빌드
func (s Status) Incomplete() bool {
	return s.Stage != StageNone && s.Stage != StageComplete
}

// ReadStatus dir 의 stage.yaml 로드, 파일이 없으면 StageNone
func ReadStatus(dir string) (Status, error) {
	var status Status

	raw, err := os.ReadFile(filepath.Join(dir, constants.StageFile))
	if errors.Is(err, os.ErrNotExist) {
		return status, nil
	} else if err != nil {
		return status, err
	}

	if err := yaml.Unmarshal(raw, &status); err != nil {
		return status, fmt.Errorf("Cannot parse %s: %w", constants.StageFile, err)
	}

	return status, nil
}

func writeStatus(dir string, status Status) error {
	raw, err := yaml.Marshal(status)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, constants.StageFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, filepath.Join(dir, constants.StageFile))
}
