package autocrit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const trackProject = "autocrit"

// resolveArtifact accepts either a local path or a URL; URLs are downloaded
// into output_dir/artifacts once and reused on later runs.
func resolveArtifact(ctx context.Context, logger zerolog.Logger, outputDir, path string) (string, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return path, nil
	}
	local := filepath.Join(outputDir, "artifacts", filepath.Base(path))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if err := DownloadArtifact(ctx, logger, local, path); err != nil {
		return "", err
	}
	return local, nil
}

// Run performs one fine-tuning run from a loaded configuration: tokenizer,
// model, dataset split, trainer, training loop, final save.
func Run(ctx context.Context, cfg *Config) error {
	cfg.ApplyEvalOverrides()
	logger := NewLogger()

	tokenizerPath, err := resolveArtifact(ctx, logger, cfg.TrainArgs.OutputDir, cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("fetching tokenizer: %w", err)
	}
	tok, err := LoadTokenizer(tokenizerPath)
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}
	modelPath, err := resolveArtifact(ctx, logger, cfg.TrainArgs.OutputDir, cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("fetching model: %w", err)
	}
	model, err := LoadModel(modelPath)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	logger.Info().Str("model", cfg.ModelPath).Int("parameters", model.Params.Len()).Msg("model loaded")

	records, err := LoadRecords(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}
	evalRecords, trainRecords := SplitEval(records, 0.02)

	var run *TrackRun
	if Rank() == 0 {
		run, err = InitTracking(trackProject, cfg, cfg.TrainArgs.OutputDir)
		if err != nil {
			return fmt.Errorf("initializing tracking: %w", err)
		}
		defer run.Finish()
	}

	logger.Info().Int("len_data", len(trainRecords)).Int("len_eval", len(evalRecords)).Msg("dataset split")

	var masked bool
	switch cfg.Trainer {
	case TrainerUnmasked:
		masked = false
	case TrainerMasked:
		masked = true
	default:
		return fmt.Errorf("%q is %w", cfg.Trainer, ErrUnknownTrainer)
	}
	trainSet, err := NewSFTDataset(trainRecords, tok, cfg.TrainArgs.MaxSeqLen, masked)
	if err != nil {
		return fmt.Errorf("building train dataset: %w", err)
	}
	evalSet, err := NewSFTDataset(evalRecords, tok, cfg.TrainArgs.MaxSeqLen, masked)
	if err != nil {
		return fmt.Errorf("building eval dataset: %w", err)
	}

	trainer := NewTrainer(model, tok, &cfg.TrainArgs, trainSet, evalSet, &SampleCallback{})
	trainer.Run = run
	trainer.Log = logger
	if err := trainer.Train(ctx); err != nil {
		return err
	}

	if err := model.Save(cfg.TrainArgs.OutputDir, cfg.TrainArgs.FP16 || cfg.TrainArgs.FP16FullEval); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	logger.Info().Str("dir", cfg.TrainArgs.OutputDir).Msg("model saved")
	return nil
}
