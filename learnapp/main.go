package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/config"
	"github.com/harrison-roh/sketch-classification/clsapp/data"
	"github.com/harrison-roh/sketch-classification/clsapp/dataset"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
	"github.com/harrison-roh/sketch-classification/clsapp/inference"
	"github.com/harrison-roh/sketch-classification/clsapp/logger"
)

const usage = `Usage: learnapp [-file config.yaml] <command> [flags]

Commands:
  build [-force]     download collected sketches and build the training dataset
  status             print the last dataset build stage
  train              train a model on the built dataset and save it
  reconcile [-apply] report (or delete) metadata and blobs without a counterpart
`

func main() {
	configFile := flag.String("file", config.DefaultPath, "Path for configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, log: log, out: os.Stdout}

	cmd := flag.Arg(0)
	if err := a.run(ctx, cmd, flag.Args()[1:]); err != nil {
		if errors.Is(err, errUnknownCommand) {
			flag.Usage()
			os.Exit(2)
		}
		log.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

type app struct {
	cfg *config.AppConfig
	log *zap.Logger
	out io.Writer
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "build":
		return a.build(ctx, args)
	case "status":
		return a.status()
	case "train":
		return a.train(ctx)
	case "reconcile":
		return a.reconcile(ctx, args)
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd)
	}
}

func datasetConfig(cfg *config.AppConfig) (dataset.Config, error) {
	interp, err := imaging.ParseInterpolation(cfg.Imaging.Interpolation)
	if err != nil {
		return dataset.Config{}, err
	}

	return dataset.Config{
		Dir:           cfg.Data.Dir,
		GreyChannel:   cfg.Imaging.GreyChannel,
		Size:          cfg.Imaging.Size,
		Interpolation: interp,
		Seed:          cfg.Data.Seed,
	}, nil
}

// 수집 테이블과 버킷에 연결한 Builder, 반환된 함수로 연결 해제
func openBuilder(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*dataset.Builder, func(), error) {
	dsCfg, err := datasetConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	collects, err := data.OpenTable(ctx, cfg, cfg.Database.CollectTable)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := collects.Destroy(); err != nil {
			log.Warn("DB close failed", zap.String("table", collects.TableName), zap.Error(err))
		}
	}

	client, err := data.OpenStorage(cfg, log)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	bucket, err := client.Bucket(ctx, cfg.Storage.CollectBucket)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return dataset.NewBuilder(dsCfg, collects, bucket, log), closeFn, nil
}

func (a *app) build(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	force := fs.Bool("force", false, "Restart even if the previous build did not complete")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, closeFn, err := openBuilder(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := b.Build(ctx, dataset.BuildOptions{Force: *force})
	if err != nil {
		return err
	}

	return printJSON(a.out, st)
}

func (a *app) status() error {
	st, err := dataset.ReadStatus(a.cfg.Data.Dir)
	if err != nil {
		return err
	}

	if st.Incomplete() {
		a.log.Warn("Dataset build did not complete",
			zap.String("runId", st.RunID),
			zap.Stringer("stage", st.Stage))
	}

	return printJSON(a.out, st)
}

func (a *app) train(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	st, err := dataset.ReadStatus(cfg.Data.Dir)
	if err != nil {
		return err
	}
	if st.Stage != dataset.StageComplete {
		return fmt.Errorf("%w: dataset stage is %s", dataset.ErrIncompleteRun, st.Stage)
	}

	split, err := dataset.Load(cfg.Data.Dir, cfg.Imaging.Size, cfg.Data.Seed)
	if err != nil {
		return err
	}

	trainer := inference.NewTrainer(inference.TrainConfig{
		ImageSize:    cfg.Imaging.Size,
		BatchSize:    cfg.Train.BatchSize,
		Epochs:       cfg.Train.Epochs,
		NumClasses:   cfg.Train.NumClasses,
		Optimizer:    cfg.Train.Optimizer,
		LearningRate: cfg.Train.LearningRate,
		Seed:         cfg.Train.Seed,
	}, log)

	m, err := trainer.CreateModel(split)
	if err != nil {
		return err
	}

	result, err := trainer.Train(ctx, m, split)
	if err != nil {
		return err
	}

	if err := m.Save(cfg.Model.Dir); err != nil {
		return err
	}
	if err := result.Save(cfg.Model.Dir); err != nil {
		return err
	}
	log.Info("Model saved", zap.String("dir", cfg.Model.Dir))

	return nil
}

func (a *app) reconcile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	apply := fs.Bool("apply", false, "Delete orphaned metadata rows and blobs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, closeFn, err := openBuilder(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer closeFn()

	report, err := b.Reconcile(ctx, *apply)
	if err != nil {
		return err
	}

	return printJSON(a.out, report)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
