package autocrit

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Trainer kinds selectable via the "trainer" config key.
const (
	TrainerUnmasked = "unmasked"
	TrainerMasked   = "masked"
)

// ErrUnknownTrainer is returned for a "trainer" value that is neither
// "unmasked" nor "masked".
var ErrUnknownTrainer = errors.New("unsupported train type")

// TrainingArguments mirrors the argument object of the training loop. Field
// names follow the conventional snake_case of fine-tuning configs so that a
// train_args block written for the reference trainer is consumed verbatim.
type TrainingArguments struct {
	OutputDir                 string  `yaml:"output_dir"`
	NumTrainEpochs            int     `yaml:"num_train_epochs"`
	MaxSteps                  int     `yaml:"max_steps"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize    int     `yaml:"per_device_eval_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	EvalAccumulationSteps     int     `yaml:"eval_accumulation_steps"`
	LearningRate              float32 `yaml:"learning_rate"`
	WeightDecay               float32 `yaml:"weight_decay"`
	AdamBeta1                 float32 `yaml:"adam_beta1"`
	AdamBeta2                 float32 `yaml:"adam_beta2"`
	AdamEpsilon               float32 `yaml:"adam_epsilon"`
	MaxGradNorm               float32 `yaml:"max_grad_norm"`
	WarmupSteps               int     `yaml:"warmup_steps"`
	LoggingSteps              int     `yaml:"logging_steps"`
	EvalSteps                 int     `yaml:"eval_steps"`
	SaveSteps                 int     `yaml:"save_steps"`
	MaxSeqLen                 int     `yaml:"max_seq_len"`
	Seed                      int64   `yaml:"seed"`
	FP16                      bool    `yaml:"fp16"`
	FP16FullEval              bool    `yaml:"fp16_full_eval"`
	Deepspeed                 string  `yaml:"deepspeed"`
}

// Config is the run configuration read from --config_path.
type Config struct {
	TokenizerPath string            `yaml:"tokenizer_path"`
	ModelPath     string            `yaml:"model_path"`
	DataPath      string            `yaml:"data_path"`
	Trainer       string            `yaml:"trainer"`
	TrainArgs     TrainingArguments `yaml:"train_args"`
}

func defaultTrainingArguments() TrainingArguments {
	return TrainingArguments{
		NumTrainEpochs:            1,
		PerDeviceTrainBatchSize:   4,
		PerDeviceEvalBatchSize:    4,
		GradientAccumulationSteps: 1,
		EvalAccumulationSteps:     1,
		LearningRate:              1e-4,
		AdamBeta1:                 0.9,
		AdamBeta2:                 0.999,
		AdamEpsilon:               1e-8,
		LoggingSteps:              10,
		EvalSteps:                 100,
		SaveSteps:                 500,
		MaxSeqLen:                 512,
		Seed:                      21,
	}
}

// LoadConfig reads and validates the YAML run configuration.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{TrainArgs: defaultTrainingArguments()}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate is the single explicit configuration check: everything else is
// left to fail where it is used.
func (c *Config) Validate() error {
	switch c.Trainer {
	case TrainerUnmasked, TrainerMasked:
		return nil
	default:
		return fmt.Errorf("%q is %w", c.Trainer, ErrUnknownTrainer)
	}
}

// ApplyEvalOverrides force-sets the evaluation knobs the driver always runs
// with, regardless of what the config file says.
func (c *Config) ApplyEvalOverrides() {
	c.TrainArgs.EvalAccumulationSteps = 2
	c.TrainArgs.FP16FullEval = true
}
