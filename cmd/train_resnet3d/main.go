// Command train_resnet3d trains a 3D ResNet on stacked optical flow clips
// and reports video-level accuracy after every epoch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-resnet3d/backend/loomnet"
	"github.com/tsawler/go-resnet3d/checkpoints"
	"github.com/tsawler/go-resnet3d/monitor"
	"github.com/tsawler/go-resnet3d/training"
	"github.com/tsawler/go-resnet3d/vision/dataloader"
	"github.com/tsawler/go-resnet3d/vision/dataset"
	"github.com/tsawler/go-resnet3d/vision/preprocessing"
)

type options struct {
	epochs       int
	batchSize    int
	lr           float64
	momentum     float64
	resume       string
	startEpoch   int
	evaluate     bool
	strictResume bool

	data          string
	framesTrain   string
	framesTest    string
	labels        string
	modelConfig   string
	clipLength    int
	clipsPerVideo int
	imageSize     int
	workers       int
	cacheSize     int
	limit         int
	seed          int64
	mean          float64
	std           float64

	checkpointDir    string
	checkpointFormat string
	recordDir        string
	monitor          string
	curves           string
	plotURL          string
	progress         bool
}

func parseFlags() options {
	defaults := training.DefaultConfig()
	clips := dataset.DefaultClipConfig()

	var o options
	flag.IntVar(&o.epochs, "epochs", defaults.Epochs, "number of total epochs")
	flag.IntVar(&o.batchSize, "batch-size", defaults.BatchSize, "mini-batch size")
	flag.Float64Var(&o.lr, "lr", defaults.LearningRate, "initial learning rate")
	flag.Float64Var(&o.momentum, "momentum", defaults.Momentum, "SGD momentum, saved in checkpoints (the loom backend takes plain SGD steps)")
	flag.StringVar(&o.resume, "resume", "", "path to latest checkpoint")
	flag.IntVar(&o.startEpoch, "start-epoch", 0, "manual epoch number, useful on restarts")
	flag.BoolVar(&o.evaluate, "evaluate", false, "evaluate model on validation set")
	flag.BoolVar(&o.strictResume, "strict-resume", false, "fail when the resume checkpoint does not exist")

	flag.StringVar(&o.data, "data", "tvl1_flow", "root of the u/ and v/ flow frame directories")
	flag.StringVar(&o.framesTrain, "frames-train", "", "JSON frame counts of the training videos")
	flag.StringVar(&o.framesTest, "frames-test", "", "JSON frame counts of the validation videos")
	flag.StringVar(&o.labels, "labels", "", "video label table (1-indexed)")
	flag.StringVar(&o.modelConfig, "model-config", "", "loom JSON layer config of the network")
	flag.IntVar(&o.clipLength, "clip-length", clips.ClipLength, "frames per clip")
	flag.IntVar(&o.clipsPerVideo, "clips-per-video", clips.ClipsPerVideo, "validation clips per video")
	flag.IntVar(&o.imageSize, "image-size", 112, "edge length of decoded frames")
	flag.IntVar(&o.workers, "workers", dataloader.DefaultWorkers(), "decoding workers per loader")
	flag.IntVar(&o.cacheSize, "cache-size", 0, "validation clips kept decoded in memory")
	flag.IntVar(&o.limit, "limit", 0, "use only the first N clips of each split (0 = all)")
	flag.Int64Var(&o.seed, "seed", 1, "seed for clip sampling and shuffling")
	flag.Float64Var(&o.mean, "mean", 0, "normalization mean")
	flag.Float64Var(&o.std, "std", 0, "normalization std (0 = no normalization)")

	flag.StringVar(&o.checkpointDir, "checkpoint-dir", checkpoints.DefaultStoreConfig().Directory, "checkpoint directory")
	flag.StringVar(&o.checkpointFormat, "checkpoint-format", "binary", "checkpoint format: binary or json")
	flag.StringVar(&o.recordDir, "record-dir", defaults.RecordDir, "directory of the per-epoch CSV records")
	flag.StringVar(&o.monitor, "monitor", "", "serve live epoch summaries on this address, e.g. :8080")
	flag.StringVar(&o.curves, "curves", "", "write training curves as JSON to this file")
	flag.StringVar(&o.plotURL, "plot-url", "", "send training curves to the plotting service at this URL when the run ends")
	flag.BoolVar(&o.progress, "progress", true, "show progress bars")
	flag.Parse()

	return o
}

func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("==> interrupted")
			os.Exit(130)
		}
		log.Fatalf("Training failed: %v", err)
	}
}

func run(ctx context.Context, o options) error {
	fmt.Printf("==> %s, %d physical cores, %d decoding workers\n", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, o.workers)

	if o.framesTest == "" || o.labels == "" || o.modelConfig == "" {
		return &training.ConfigurationError{Reason: "-frames-test, -labels and -model-config are required"}
	}
	if !o.evaluate && o.framesTrain == "" {
		return &training.ConfigurationError{Reason: "-frames-train is required unless -evaluate is set"}
	}

	rawLabels, err := dataset.LoadLabelFile(o.labels)
	if err != nil {
		return err
	}
	table, err := training.NewLabelTable(rawLabels)
	if err != nil {
		return err
	}
	fmt.Printf("==> %d labelled videos, %d classes\n", table.Len(), table.NumClasses())

	decoder, err := preprocessing.NewFlowStackDecoder(o.data, o.imageSize)
	if err != nil {
		return err
	}
	var transforms preprocessing.Pipeline
	if o.std != 0 {
		norm, err := preprocessing.NewNormalize(float32(o.mean), float32(o.std))
		if err != nil {
			return err
		}
		transforms = append(transforms, norm)
	}

	sampleShape := decoder.Shape(o.clipLength)
	sampleSize := 1
	for _, d := range sampleShape {
		sampleSize *= d
	}

	loaderConfig := dataloader.Config{
		BatchSize: o.batchSize,
		Workers:   o.workers,
		Prefetch:  3,
		Seed:      o.seed,
		Limit:     o.limit,
	}

	valIndex, err := buildIndex(o.framesTest, rawLabels, dataset.ClipConfig{
		ClipLength:    o.clipLength,
		ClipsPerVideo: o.clipsPerVideo,
		Seed:          o.seed,
	})
	if err != nil {
		return err
	}
	valDataset, err := dataloader.NewClipDataset(valIndex, decoder, transforms, dataloader.NewCacheManager(o.cacheSize, sampleSize))
	if err != nil {
		return err
	}
	valLoader, err := dataloader.NewClipLoader(valDataset, sampleShape, loaderConfig)
	if err != nil {
		return err
	}
	defer valLoader.Close()

	var trainLoader training.DataSource
	if !o.evaluate {
		trainIndex, err := buildIndex(o.framesTrain, rawLabels, dataset.ClipConfig{
			ClipLength: o.clipLength,
			Train:      true,
			Seed:       o.seed,
		})
		if err != nil {
			return err
		}
		trainDataset, err := dataloader.NewClipDataset(trainIndex, decoder, transforms, nil)
		if err != nil {
			return err
		}
		trainConfig := loaderConfig
		trainConfig.Shuffle = true
		loader, err := dataloader.NewClipLoader(trainDataset, sampleShape, trainConfig)
		if err != nil {
			return err
		}
		defer loader.Close()
		trainLoader = loader
	}

	modelJSON, err := loomnet.LoadConfig(o.modelConfig)
	if err != nil {
		return err
	}
	network, err := loomnet.NewNetwork("resnet3d", modelJSON, sampleSize, table.NumClasses())
	if err != nil {
		return err
	}
	optimizer, err := loomnet.NewSGD(network, o.lr, o.momentum)
	if err != nil {
		return err
	}
	if o.momentum != 0 {
		log.Printf("momentum %g is recorded but not applied by the loom backend", o.momentum)
	}

	format, err := checkpoints.ParseFormat(o.checkpointFormat)
	if err != nil {
		return &training.ConfigurationError{Reason: err.Error()}
	}
	storeConfig := checkpoints.DefaultStoreConfig()
	storeConfig.Directory = o.checkpointDir
	storeConfig.Format = format
	store, err := checkpoints.NewStore(storeConfig)
	if err != nil {
		return err
	}

	trainRecords, valRecords, err := training.NewEpochRecorders(o.recordDir)
	if err != nil {
		return err
	}

	var observers []training.Observer
	if o.curves != "" || o.plotURL != "" {
		curves := training.NewCurveCollector("resnet3d")
		observers = append(observers, curves)
		defer publishCurves(curves, o)
	}
	if o.monitor != "" {
		hub := monitor.NewHub()
		observers = append(observers, hub)
		go func() {
			if err := hub.Serve(ctx, o.monitor); err != nil {
				log.Printf("Monitor stopped: %v", err)
			}
		}()
		fmt.Printf("==> live monitor on %s\n", o.monitor)
	}

	config := training.DefaultConfig()
	config.Epochs = o.epochs
	config.BatchSize = o.batchSize
	config.LearningRate = o.lr
	config.Momentum = o.momentum
	config.Resume = o.resume
	config.StartEpoch = o.startEpoch
	config.Evaluate = o.evaluate
	config.StrictResume = o.strictResume
	config.RecordDir = o.recordDir
	config.ShowProgress = o.progress

	trainer, err := training.NewTrainer(config, training.Components{
		Network:           network,
		Optimizer:         optimizer,
		Train:             trainLoader,
		Validation:        valLoader,
		Labels:            training.StaticLabels(rawLabels),
		Store:             store,
		TrainRecords:      trainRecords,
		ValidationRecords: valRecords,
		Observers:         observers,
	})
	if err != nil {
		return err
	}

	if err := trainer.Run(ctx); err != nil {
		return err
	}

	state := trainer.State()
	fmt.Printf("==> finished run %s: best prec@1 %.3f\n", state.RunID, state.BestPrec1)
	if stats := valDataset.Stats(); stats.MaxSize > 0 {
		fmt.Printf("==> %s\n", stats)
	}
	return nil
}

// publishCurves writes and uploads the collected curves
func publishCurves(curves *training.CurveCollector, o options) {
	if o.curves != "" {
		if err := curves.WriteJSON(o.curves); err != nil {
			log.Printf("Failed to write training curves: %v", err)
		}
	}
	if o.plotURL == "" {
		return
	}

	config := training.DefaultPlottingServiceConfig()
	config.BaseURL = o.plotURL
	ps := training.NewPlottingService(config)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := ps.CheckHealth(ctx); err != nil {
		log.Printf("Plotting service unavailable: %v", err)
		return
	}
	resp, err := ps.SendCurves(ctx, curves)
	if err != nil {
		log.Printf("Failed to send training curves: %v", err)
		return
	}
	if resp.DashboardURL != "" {
		fmt.Printf("==> training curves: %s\n", resp.DashboardURL)
	}
}

func buildIndex(framesPath string, labels map[string]int, config dataset.ClipConfig) (*dataset.VideoClipDataset, error) {
	frames, err := dataset.LoadFrameCounts(framesPath)
	if err != nil {
		return nil, err
	}
	index, err := dataset.NewVideoClipDataset(frames, labels, config)
	if err != nil {
		return nil, err
	}

	kind := "validation"
	if config.Train {
		kind = "training"
	}
	fmt.Printf("==> %s: %d videos, %d clips", kind, len(index.Videos()), index.Len())
	if skipped := index.Skipped(); len(skipped) > 0 {
		fmt.Printf(", %d videos shorter than %d frames skipped", len(skipped), config.ClipLength)
	}
	fmt.Println()
	return index, nil
}
