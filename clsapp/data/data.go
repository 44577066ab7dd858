package data

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"github.com/harrison-roh/sketch-classification/clsapp/config"
	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/data/cache"
	"github.com/harrison-roh/sketch-classification/clsapp/data/db"
	"github.com/harrison-roh/sketch-classification/clsapp/data/retry"
	"github.com/harrison-roh/sketch-classification/clsapp/data/storage"
)

var (
	// ErrEmptyField 필수 항목이 비어있음
	ErrEmptyField = errors.New("empty field")
	// ErrImageData 이미지 데이터를 해석할 수 없음
	ErrImageData = errors.New("invalid image data")
	// ErrDuplicated 이미 사용중인 파일 이름
	ErrDuplicated = errors.New("filename is already in use")
)

// Table 메타데이터 테이블 기능
type Table interface {
	GetByLabel(ctx context.Context, label string) (db.Item, error)
	GetRandom(ctx context.Context, mode string) (db.Item, error)
	CountByAttribute(ctx context.Context, attr string) (map[string]int, error)
	Insert(ctx context.Context, item db.Item) error
}

// Blobs 이미지 버킷 기능
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// CountCache 집계 캐시 기능
type CountCache interface {
	Get(ctx context.Context, table, attr string) (map[string]int, bool, error)
	Set(ctx context.Context, table, attr string, counts map[string]int) error
	Invalidate(ctx context.Context, table string) error
}

// Stores Manager 가 사용하는 저장소 묶음
type Stores struct {
	Prompts      Table
	Collects     Table
	PromptBlobs  Blobs
	CollectBlobs Blobs
	// nil 이면 캐시하지 않음
	Cache CountCache
}

// Config Manager 설정
type Config struct {
	PromptTable  string
	CollectTable string
	// 전체 모드에서 가장 적게 수집된 라벨의 prompt 를 고를 확률
	Bias float64
	Seed int64
}

// Manager prompt 와 수집 스케치 데이터를 관리
type Manager struct {
	stores Stores
	cfg    Config
	logger *zap.Logger

	rngMutex sync.Mutex
	rng      *rand.Rand

	closers []func() error
}

// Prompt 사용자에게 보여줄 prompt 이미지
type Prompt struct {
	ImgData string `json:"img_data"`
	Label   string `json:"label"`
}

// Count 집계값
type Count struct {
	Count int `json:"count"`
}

// Sketch 수집용으로 제출된 스케치
type Sketch struct {
	Img      string
	Label    string
	Username string
	IsMobile bool
}

// CustomPrompt 사용자가 추가하는 prompt
type CustomPrompt struct {
	Img      string
	Label    string
	Mode     string
	Username string
	IsMobile bool
}

// DecodeImage base64 이미지 데이터 디코딩, "data:<mime>;base64," 접두어가 있으면 제거
func DecodeImage(payload string) ([]byte, *mimetype.MIME, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, nil, fmt.Errorf("%w: malformed data URL", ErrImageData)
		}
		payload = payload[comma+1:]
	}

	if payload == "" {
		return nil, nil, fmt.Errorf("%w: empty", ErrImageData)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrImageData, err)
	}

	return raw, mimetype.Detect(raw), nil
}

// EncodeImage data URL 로 인코딩
func EncodeImage(raw []byte) string {
	return fmt.Sprintf("data:%s;base64,%s",
		mimetype.Detect(raw).String(),
		base64.StdEncoding.EncodeToString(raw))
}

func (dm *Manager) float64() float64 {
	dm.rngMutex.Lock()
	defer dm.rngMutex.Unlock()

	return dm.rng.Float64()
}

func (dm *Manager) counts(ctx context.Context, table Table, tableName, attr string) (map[string]int, error) {
	if dm.stores.Cache != nil {
		counts, ok, err := dm.stores.Cache.Get(ctx, tableName, attr)
		if err != nil {
			dm.logger.Warn("Count cache read failed", zap.String("table", tableName), zap.Error(err))
		} else if ok {
			return counts, nil
		}
	}

	counts, err := table.CountByAttribute(ctx, attr)
	if err != nil {
		return nil, err
	}

	if dm.stores.Cache != nil {
		if err := dm.stores.Cache.Set(ctx, tableName, attr, counts); err != nil {
			dm.logger.Warn("Count cache write failed", zap.String("table", tableName), zap.Error(err))
		}
	}

	return counts, nil
}

func (dm *Manager) invalidate(ctx context.Context, tableName string) {
	if dm.stores.Cache == nil {
		return
	}

	if err := dm.stores.Cache.Invalidate(ctx, tableName); err != nil {
		dm.logger.Warn("Count cache invalidation failed", zap.String("table", tableName), zap.Error(err))
	}
}

func toCounts(counts map[string]int) map[string]Count {
	result := make(map[string]Count, len(counts))
	for k, v := range counts {
		result[k] = Count{Count: v}
	}

	return result
}

// 가장 적게 수집된 라벨, 같으면 이름 순으로 앞선 라벨
func leastCollected(counts map[string]int) (string, bool) {
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	var (
		least string
		found bool
	)
	for _, l := range labels {
		if !found || counts[l] < counts[least] {
			least = l
			found = true
		}
	}

	return least, found
}

func (dm *Manager) prompt(ctx context.Context, item db.Item) (Prompt, error) {
	raw, err := dm.stores.PromptBlobs.Get(ctx, item.Filename)
	if err != nil {
		return Prompt{}, err
	}

	return Prompt{
		ImgData: EncodeImage(raw),
		Label:   item.Label,
	}, nil
}

// GetPrompt mode 의 임의의 prompt 반환
//
// 전체 모드("all" 또는 빈 값)에서는 Bias 확률로 가장 적게 수집된 라벨의 prompt 를 반환한다.
func (dm *Manager) GetPrompt(ctx context.Context, mode string) (Prompt, error) {
	if mode == "" {
		mode = constants.ModeAll
	}

	if mode == constants.ModeAll && dm.float64() < dm.cfg.Bias {
		counts, err := dm.counts(ctx, dm.stores.Collects, dm.cfg.CollectTable, "label")
		if err != nil {
			return Prompt{}, err
		}

		if label, ok := leastCollected(counts); ok {
			item, err := dm.stores.Prompts.GetByLabel(ctx, label)
			if err == nil {
				dm.logger.Debug("Biased prompt", zap.String("label", label), zap.Int("collected", counts[label]))
				return dm.prompt(ctx, item)
			} else if !errors.Is(err, db.ErrNotFound) {
				return Prompt{}, err
			}
		}
	}

	item, err := dm.stores.Prompts.GetRandom(ctx, mode)
	if err != nil {
		return Prompt{}, err
	}

	return dm.prompt(ctx, item)
}

// PromptForLabel label 의 prompt 반환
func (dm *Manager) PromptForLabel(ctx context.Context, label string) (Prompt, error) {
	item, err := dm.stores.Prompts.GetByLabel(ctx, label)
	if err != nil {
		return Prompt{}, err
	}

	return dm.prompt(ctx, item)
}

// SaveSketch 수집 스케치 저장, 메타데이터를 먼저 넣고 이미지를 올린다
func (dm *Manager) SaveSketch(ctx context.Context, s Sketch) (db.Item, error) {
	if s.Label == "" {
		return db.Item{}, fmt.Errorf("%w: label", ErrEmptyField)
	}

	raw, mime, err := DecodeImage(s.Img)
	if err != nil {
		return db.Item{}, err
	}
	if !mime.Is("image/png") {
		return db.Item{}, fmt.Errorf("%w: sketch must be image/png, got %s", ErrImageData, mime)
	}

	id := db.NewID()
	item := db.Item{
		ID:       id,
		Label:    s.Label,
		Filename: id + constants.ImageExt,
		Username: null.NewString(s.Username, s.Username != ""),
		IsMobile: null.BoolFrom(s.IsMobile),
		IsCustom: null.BoolFrom(false),
	}

	if err := dm.stores.Collects.Insert(ctx, item); err != nil {
		return db.Item{}, err
	}
	dm.invalidate(ctx, dm.cfg.CollectTable)

	if err := dm.stores.CollectBlobs.Put(ctx, item.Filename, raw, mime.String()); err != nil {
		return db.Item{}, err
	}

	dm.logger.Info("Sketch saved",
		zap.String("id", item.ID),
		zap.String("label", item.Label),
		zap.Int("bytes", len(raw)))

	return item, nil
}

// AddPrompt 사용자 prompt 추가, 파일 이름은 "<label>.svg" 이며 중복되면 거부
func (dm *Manager) AddPrompt(ctx context.Context, p CustomPrompt) (db.Item, error) {
	if p.Label == "" {
		return db.Item{}, fmt.Errorf("%w: label", ErrEmptyField)
	}
	if p.Mode == "" {
		return db.Item{}, fmt.Errorf("%w: mode", ErrEmptyField)
	}

	raw, mime, err := DecodeImage(p.Img)
	if err != nil {
		return db.Item{}, err
	}

	filename := p.Label + ".svg"
	filenames, err := dm.stores.Prompts.CountByAttribute(ctx, "filename")
	if err != nil {
		return db.Item{}, err
	}
	if _, ok := filenames[filename]; ok {
		return db.Item{}, fmt.Errorf("%w: %s", ErrDuplicated, filename)
	}

	item := db.Item{
		ID:       db.NewID(),
		Label:    p.Label,
		Filename: filename,
		Mode:     null.StringFrom(p.Mode),
		Username: null.NewString(p.Username, p.Username != ""),
		IsMobile: null.BoolFrom(p.IsMobile),
		IsCustom: null.BoolFrom(true),
	}

	if err := dm.stores.Prompts.Insert(ctx, item); err != nil {
		return db.Item{}, err
	}
	dm.invalidate(ctx, dm.cfg.PromptTable)

	if err := dm.stores.PromptBlobs.Put(ctx, filename, raw, mime.String()); err != nil {
		return db.Item{}, err
	}

	dm.logger.Info("Prompt added",
		zap.String("filename", filename),
		zap.String("mode", p.Mode))

	return item, nil
}

// Leaderboard 사용자별 수집 스케치 수
func (dm *Manager) Leaderboard(ctx context.Context) (map[string]Count, error) {
	counts, err := dm.counts(ctx, dm.stores.Collects, dm.cfg.CollectTable, "username")
	if err != nil {
		return nil, err
	}

	return toCounts(counts), nil
}

// Modes 모드별 prompt 수
func (dm *Manager) Modes(ctx context.Context) (map[string]Count, error) {
	counts, err := dm.counts(ctx, dm.stores.Prompts, dm.cfg.PromptTable, "mode")
	if err != nil {
		return nil, err
	}

	return toCounts(counts), nil
}

// Destroy Data manager 해제
func (dm *Manager) Destroy() {
	for _, closer := range dm.closers {
		if err := closer(); err != nil {
			dm.logger.Warn("Close failed", zap.Error(err))
		}
	}
	dm.logger.Info("Data manager successfully closed")
}

// NewManager 주어진 저장소로 Data manager 생성
func NewManager(stores Stores, cfg Config, logger *zap.Logger) *Manager {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Manager{
		stores: stores,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// RetryPolicy 설정의 읽기 재시도 정책
func RetryPolicy(cfg *config.AppConfig) retry.Policy {
	return retry.Policy{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
	}
}

// OpenTable 설정의 db 에 table 연결
func OpenTable(ctx context.Context, cfg *config.AppConfig, table string) (*db.DBconn, error) {
	return db.New(ctx, db.Config{
		DriverName:      cfg.Database.Driver,
		ConnInfo:        cfg.Database.DSN,
		TableName:       table,
		PingTimeout:     cfg.Database.PingTimeout,
		IdleConnections: cfg.Database.Pool.IdleConnections,
		MaxConnections:  cfg.Database.Pool.MaxConnections,
		ConnLifeTime:    cfg.Database.Pool.ConnLifeTime,
		Retry:           RetryPolicy(cfg),
	})
}

// OpenStorage 설정의 오브젝트 스토리지 클라이언트 생성
func OpenStorage(cfg *config.AppConfig, logger *zap.Logger) (*storage.Client, error) {
	return storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Region:    cfg.Storage.Region,
		SSE:       cfg.Storage.SSE,
		Retry:     RetryPolicy(cfg),
	}, logger)
}

// New 설정으로 db, 스토리지, 캐시에 연결한 Data manager 생성
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Manager, error) {
	var closers []func() error
	fail := func(err error) (*Manager, error) {
		for _, closer := range closers {
			closer()
		}
		return nil, err
	}

	prompts, err := OpenTable(ctx, cfg, cfg.Database.PromptTable)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, prompts.Destroy)
	logger.Info("DB successfully initialized", zap.String("table", cfg.Database.PromptTable))

	collects, err := OpenTable(ctx, cfg, cfg.Database.CollectTable)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, collects.Destroy)
	logger.Info("DB successfully initialized", zap.String("table", cfg.Database.CollectTable))

	client, err := OpenStorage(cfg, logger)
	if err != nil {
		return fail(err)
	}
	promptBucket, err := client.Bucket(ctx, cfg.Storage.PromptBucket)
	if err != nil {
		return fail(err)
	}
	collectBucket, err := client.Bucket(ctx, cfg.Storage.CollectBucket)
	if err != nil {
		return fail(err)
	}

	stores := Stores{
		Prompts:      prompts,
		Collects:     collects,
		PromptBlobs:  promptBucket,
		CollectBlobs: collectBucket,
	}

	if cfg.Cache.Enabled {
		counts := cache.New(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err := counts.Ping(ctx); err != nil {
			counts.Close()
			return fail(err)
		}
		closers = append(closers, counts.Close)
		stores.Cache = counts
		logger.Info("Count cache successfully initialized", zap.String("addr", cfg.Cache.Addr))
	}

	dm := NewManager(stores, Config{
		PromptTable:  cfg.Database.PromptTable,
		CollectTable: cfg.Database.CollectTable,
		Bias:         cfg.Prompt.Bias,
		Seed:         cfg.Data.Seed,
	}, logger)
	dm.closers = closers

	return dm, nil
}
