package nn

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
)

type savedParam struct {
	Name  string
	Shape []int
	Value []float64
}

// Save dir 에 구조(model.json)와 가중치(model.gob) 저장
func (n *Network) Save(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	arch, err := json.MarshalIndent(n.Arch, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, constants.ArchitectureFile), arch, 0o644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, constants.WeightsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	params := n.Params()
	saved := make([]savedParam, len(params))
	for i, p := range params {
		saved[i] = savedParam{Name: p.Name, Shape: p.Shape, Value: p.Value}
	}

	if err := gob.NewEncoder(f).Encode(saved); err != nil {
		return err
	}

	return f.Close()
}

// Load dir 의 model.json 과 model.gob 으로 네트워크 복원
func Load(dir string) (*Network, error) {
	archFile := filepath.Join(dir, constants.ArchitectureFile)
	raw, err := os.ReadFile(archFile)
	if err != nil {
		return nil, err
	}

	var arch Architecture
	if err := json.Unmarshal(raw, &arch); err != nil {
		return nil, fmt.Errorf("Cannot parse %s: %w", archFile, err)
	}

	net, err := New(arch, 0)
	if err != nil {
		return nil, fmt.Errorf("Invalid architecture in %s: %w", archFile, err)
	}

	weightsFile := filepath.Join(dir, constants.WeightsFile)
	f, err := os.Open(weightsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var saved []savedParam
	if err := gob.NewDecoder(f).Decode(&saved); err != nil {
		return nil, fmt.Errorf("Cannot decode %s: %w", weightsFile, err)
	}

	params := net.Params()
	if len(params) != len(saved) {
		return nil, fmt.Errorf("%w: %s has %d parameters, architecture needs %d",
			ErrArchitecture, weightsFile, len(saved), len(params))
	}

	for i, p := range params {
		if saved[i].Name != p.Name || len(saved[i].Value) != len(p.Value) {
			return nil, fmt.Errorf("%w: parameter %d is %s%v, expected %s%v",
				ErrArchitecture, i, saved[i].Name, saved[i].Shape, p.Name, p.Shape)
		}
		copy(p.Value, saved[i].Value)
	}

	return net, nil
}
