// lockstep-train runs synchronous data-parallel training of the reference
// image classifier. Every replica of a run executes this same binary; the
// replicas coordinate through a one-time parameter broadcast and a per-step
// gradient all-reduce, so their models stay bit-identical without any shared
// storage.
//
// Data directories come from the environment:
//
//	TRAIN_DATA_DIR    train.csv manifest plus a train/ image directory
//	TEST_DATA_DIR     validation.csv manifest plus a validation/ image directory
//	OUTPUT_MODEL_DIR  where the master writes the final parameters
//	TEMP_DIR          scratch space
//
// The process group comes from DISTRIBUTED, RANK, WORLD_SIZE, MASTER_ADDR and
// MASTER_PORT; unset they select a single-process run. Hyperparameters are
// flags and must be identical on every replica.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/lockstepml/lockstep/pkg/core/collective"
	"github.com/lockstepml/lockstep/pkg/ml/datasets"
	"github.com/lockstepml/lockstep/pkg/ml/distributed"
	"github.com/lockstepml/lockstep/pkg/ml/images"
	"github.com/lockstepml/lockstep/pkg/ml/models/linear"
	"github.com/lockstepml/lockstep/pkg/ml/optimizers"
	"github.com/lockstepml/lockstep/pkg/ml/train"
	"github.com/lockstepml/lockstep/pkg/support/fsutil"
	"github.com/lockstepml/lockstep/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables naming the data directories.
const (
	EnvTrainDataDir   = "TRAIN_DATA_DIR"
	EnvTestDataDir    = "TEST_DATA_DIR"
	EnvOutputModelDir = "OUTPUT_MODEL_DIR"
	EnvTempDir        = "TEMP_DIR"
)

// imageSize is the edge length the transform pipeline crops every sample to.
const imageSize = 224

var (
	flagEpochs        = flag.Int("epochs", 1, "Number of epochs to train.")
	flagBatchSize     = flag.Int("batch", 64, "Number of samples per training batch.")
	flagLearningRate  = flag.Float64("learning_rate", 0.001, "Base learning rate; it is scaled by the number of replicas.")
	flagMomentum      = flag.Float64("momentum", 0.9, "SGD momentum.")
	flagWeightDecay   = flag.Float64("weight_decay", 0, "SGD weight decay.")
	flagLogEvery      = flag.Int("log_every", train.DefaultLogEverySteps, "Steps between training log lines.")
	flagWorkers       = flag.Int("workers", 0, "Image decode goroutines per batch; 0 means one per CPU.")
	flagBuffer        = flag.Int("buffer", 2, "Batches decoded ahead of the training loop; 0 disables read-ahead.")
	flagBaseSeed      = flag.Int64("base_seed", datasets.DefaultBaseSeed, "Seed for epoch shuffles and model initialization; must match on every replica.")
	flagCompression   = flag.String("compression", "none", "Wire encoding for gradient exchange: none or float16.")
	flagDropRemainder = flag.Bool("drop_remainder", false, "Truncate shards instead of padding them when the dataset does not split evenly.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Fatalf("training failed: %+v", err)
	}
}

func run() error {
	trainDir, err := dataDir(EnvTrainDataDir, "training")
	if err != nil {
		return err
	}
	testDir, err := dataDir(EnvTestDataDir, "validation")
	if err != nil {
		return err
	}
	outputDir := os.Getenv(EnvOutputModelDir)
	if tempDir, ok := os.LookupEnv(EnvTempDir); ok {
		klog.V(1).Infof("Scratch directory: %s", tempDir)
	}
	compression, ok := collective.CompressionFromString(*flagCompression)
	if !ok {
		return errors.Errorf("unknown -compression %q, use none or float16", *flagCompression)
	}

	cfg, err := distributed.FromEnv()
	if err != nil {
		return err
	}
	cfg.Compression = compression
	coord, err := distributed.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(); err != nil {
			klog.Warningf("closing the process group: %v", err)
		}
	}()
	klog.Infof("lockstep-train: replica %d of %d on %s",
		coord.Rank(), coord.WorldSize(), must.M1(os.Hostname()))
	if coord.IsMaster() && outputDir == "" {
		return errors.Errorf("%s must be set: the master exports the final model there", EnvOutputModelDir)
	}

	trainIndex, err := datasets.LoadSampleIndex(
		filepath.Join(trainDir, "train.csv"), filepath.Join(trainDir, "train"))
	if err != nil {
		return err
	}
	// The validation split is loaded and reported at startup; there is no
	// evaluation pass, so the loop never consumes it.
	validationIndex, err := datasets.LoadSampleIndex(
		filepath.Join(testDir, "validation.csv"), filepath.Join(testDir, "validation"))
	if err != nil {
		return err
	}
	klog.Infof("Validation split: %s samples over %d classes",
		humanize.Comma(int64(validationIndex.Len())), validationIndex.NumClasses())

	dataset := datasets.NewImageDataset(trainIndex, images.TrainingPipeline(imageSize, nil))
	samplerOpts := []datasets.SamplerOption{datasets.WithBaseSeed(*flagBaseSeed)}
	if *flagDropRemainder {
		samplerOpts = append(samplerOpts, datasets.WithDropRemainder())
	}
	sampler, err := datasets.NewDistributedSampler(
		dataset.Len(), coord.WorldSize(), coord.Rank(), samplerOpts...)
	if err != nil {
		return err
	}
	loader := datasets.NewBatchLoader(dataset, sampler, datasets.BatchConfig{
		Name:       "train",
		BatchSize:  *flagBatchSize,
		NumWorkers: *flagWorkers,
		BufferSize: *flagBuffer,
	})

	model, err := linear.New(linear.Config{
		Features: imageSize * imageSize * 3,
		Classes:  dataset.NumClasses(),
		Seed:     *flagBaseSeed,
	})
	if err != nil {
		return err
	}

	// Linear scaling rule: the effective batch grows with the number of
	// replicas, and so does the learning rate.
	lr := float32(*flagLearningRate) * float32(coord.WorldSize())
	opt, err := optimizers.NewSGD(optimizers.SGDConfig{
		LearningRate: lr,
		Momentum:     float32(*flagMomentum),
		WeightDecay:  float32(*flagWeightDecay),
	})
	if err != nil {
		return err
	}
	klog.Infof("SGD: learning rate %g (%g x %d replicas), momentum %g",
		lr, *flagLearningRate, coord.WorldSize(), *flagMomentum)

	trainer := train.NewTrainer(model, opt, coord)
	if err := trainer.Init(); err != nil {
		return err
	}

	loop := train.NewLoop(trainer)
	train.AttachStepLogger(loop, *flagLogEvery)
	if coord.IsMaster() {
		commandline.AttachProgressBar(loop, func() (string, string) {
			return "Replicas", strconv.Itoa(coord.WorldSize())
		})
	}

	start := time.Now()
	if err := loop.RunEpochs(loader, *flagEpochs); err != nil {
		return err
	}
	klog.Infof("Trained %d steps over %d epochs in %s (median step %s)",
		loop.LoopStep, *flagEpochs, commandline.FormatDuration(time.Since(start)),
		commandline.FormatDuration(loop.MedianTrainStepDuration()))

	if coord.IsMaster() {
		if err := model.Save(outputDir); err != nil {
			return errors.WithMessagef(err, "exporting the final model to %s", outputDir)
		}
		klog.Infof("Exported model parameters to %s", filepath.Join(outputDir, linear.ParamsFileName))
	}
	return nil
}

// dataDir resolves one of the data directory environment variables: the
// variable is required, a leading "~" expands to the home directory, and the
// directory itself must exist.
func dataDir(env, split string) (string, error) {
	dir, ok := os.LookupEnv(env)
	if !ok {
		return "", errors.Errorf("%s must point at the %s data directory", env, split)
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("%s=%q does not exist", env, dir)
	}
	return dir, nil
}
