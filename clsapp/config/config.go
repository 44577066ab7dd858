package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
)

// DefaultPath 기본 설정 파일 경로
const DefaultPath = "clsapp/config/config.yaml"

// AppConfig 애플리케이션 설정
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Storage  StorageConfig  `koanf:"storage"`
	Cache    CacheConfig    `koanf:"cache"`
	Data     DataConfig     `koanf:"data"`
	Imaging  ImagingConfig  `koanf:"imaging"`
	Train    TrainConfig    `koanf:"train"`
	Model    ModelConfig    `koanf:"model"`
	Prompt   PromptConfig   `koanf:"prompt"`
	Retry    RetryConfig    `koanf:"retry"`
}

// ServerConfig http 서버 설정
type ServerConfig struct {
	Port               int           `koanf:"port"`
	Debug              bool          `koanf:"debug"`
	MaxMultipartMemory int64         `koanf:"maxmultipartmemory"`
	ShutdownTimeout    time.Duration `koanf:"shutdowntimeout"`
}

// DatabaseConfig 메타데이터 db 설정
type DatabaseConfig struct {
	Driver       string        `koanf:"driver"`
	DSN          string        `koanf:"dsn"`
	PromptTable  string        `koanf:"prompttable"`
	CollectTable string        `koanf:"collecttable"`
	PingTimeout  time.Duration `koanf:"pingtimeout"`
	Pool         struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	} `koanf:"pool"`
}

// StorageConfig 오브젝트 스토리지 설정
type StorageConfig struct {
	Endpoint      string `koanf:"endpoint"`
	AccessKey     string `koanf:"accesskey"`
	SecretKey     string `koanf:"secretkey"`
	UseSSL        bool   `koanf:"usessl"`
	Region        string `koanf:"region"`
	PromptBucket  string `koanf:"promptbucket"`
	CollectBucket string `koanf:"collectbucket"`
	SSE           bool   `koanf:"sse"`
}

// CacheConfig redis 설정
type CacheConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

// DataConfig 학습 데이터 설정
type DataConfig struct {
	Dir  string `koanf:"dir"`
	Seed int64  `koanf:"seed"`
}

// ImagingConfig 이미지 전처리 설정
type ImagingConfig struct {
	Size          int    `koanf:"size"`
	GreyChannel   int    `koanf:"greychannel"`
	Interpolation string `koanf:"interpolation"`
}

// TrainConfig 학습 설정
type TrainConfig struct {
	BatchSize    int     `koanf:"batchsize"`
	Epochs       int     `koanf:"epochs"`
	NumClasses   int     `koanf:"numclasses"`
	Optimizer    string  `koanf:"optimizer"`
	LearningRate float64 `koanf:"learningrate"`
	Seed         int64   `koanf:"seed"`
}

// ModelConfig 모델 저장 위치
type ModelConfig struct {
	Dir string `koanf:"dir"`
}

// PromptConfig prompt 선택 설정
type PromptConfig struct {
	Bias float64 `koanf:"bias"`
}

// RetryConfig 외부 서비스 읽기 재시도 설정
type RetryConfig struct {
	MaxRetries      uint64        `koanf:"maxretries"`
	InitialInterval time.Duration `koanf:"initialinterval"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":                   18080,
		"server.maxmultipartmemory":     8 << 20,
		"server.shutdowntimeout":        "5s",
		"database.driver":               "mysql",
		"database.prompttable":          "prompt_tab",
		"database.collecttable":         "collect_tab",
		"database.pingtimeout":          "5s",
		"database.pool.idleconnections": 5,
		"database.pool.maxconnections":  10,
		"database.pool.connlifetime":    "30m",
		"cache.ttl":                     "1m",
		"data.dir":                      "/cls/data",
		"imaging.size":                  constants.ImageSize,
		"imaging.greychannel":           constants.GreyChannel,
		"imaging.interpolation":         "bilinear",
		"train.batchsize":               constants.TrainBatchSize,
		"train.epochs":                  constants.TrainEpochs,
		"train.numclasses":              constants.NumClasses,
		"train.optimizer":               "adadelta",
		"train.learningrate":            1.0,
		"model.dir":                     "/cls/model",
		"prompt.bias":                   constants.PromptBias,
		"retry.maxretries":              3,
		"retry.initialinterval":         "200ms",
	}
}

// Load 기본값, 설정 파일, CFG_ 환경변수 순으로 설정을 읽음
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("Cannot load config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, interface{}) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 설정값 검사
func Validate(cfg *AppConfig) error {
	switch cfg.Database.Driver {
	case "mysql", "pgx":
	default:
		return fmt.Errorf("Unknown database driver: %s", cfg.Database.Driver)
	}

	if cfg.Data.Dir == "" {
		return fmt.Errorf("Empty data directory")
	}
	if cfg.Model.Dir == "" {
		return fmt.Errorf("Empty model directory")
	}

	if cfg.Imaging.Size <= 0 {
		return fmt.Errorf("Invalid image size: %d", cfg.Imaging.Size)
	}
	if cfg.Imaging.GreyChannel < 0 || cfg.Imaging.GreyChannel > 3 {
		return fmt.Errorf("Invalid grey channel: %d", cfg.Imaging.GreyChannel)
	}

	if _, err := imaging.ParseInterpolation(cfg.Imaging.Interpolation); err != nil {
		return err
	}

	if cfg.Train.BatchSize <= 0 || cfg.Train.Epochs <= 0 {
		return fmt.Errorf("Invalid training batch size %d or epochs %d",
			cfg.Train.BatchSize, cfg.Train.Epochs)
	}

	if cfg.Prompt.Bias < 0 || cfg.Prompt.Bias > 1 {
		return fmt.Errorf("Invalid prompt bias: %v", cfg.Prompt.Bias)
	}

	return nil
}
