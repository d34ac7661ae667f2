package autocrit

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Trainer drives the optimization loop: batching, AdamW steps, learning-rate
// schedule, periodic evaluation, periodic checkpointing and callback
// dispatch.
type Trainer struct {
	Model     *Model
	Tokenizer Tokenizer
	Args      *TrainingArguments
	TrainData *SFTDataset
	Eval      *SFTDataset
	Collate   CollateFunc
	Callbacks []Callback
	Run       *TrackRun
	Log       zerolog.Logger

	cursor int
}

// NewTrainer wires a trainer with the default collator.
func NewTrainer(model *Model, tok Tokenizer, args *TrainingArguments, trainData, evalData *SFTDataset, callbacks ...Callback) *Trainer {
	return &Trainer{
		Model:     model,
		Tokenizer: tok,
		Args:      args,
		TrainData: trainData,
		Eval:      evalData,
		Collate:   Collate,
		Callbacks: callbacks,
		Log:       NewLogger(),
	}
}

// nextBatch returns the next collated training batch, wrapping to the start
// of the dataset when it runs out.
func (t *Trainer) nextBatch() (*Batch, error) {
	B := t.Args.PerDeviceTrainBatchSize
	if t.cursor+B > t.TrainData.Len() {
		t.cursor = 0
	}
	examples := make([]Example, 0, B)
	for i := 0; i < B; i++ {
		examples = append(examples, t.TrainData.Get(t.cursor+i))
	}
	t.cursor += B
	return t.Collate(examples)
}

// shiftTargets converts collated labels into next-token targets: the model
// predicts position t+1 from position t, and the final position has nothing
// to predict.
func shiftTargets(batch *Batch) []int32 {
	targets := make([]int32, len(batch.Labels))
	for b := 0; b < batch.B; b++ {
		row := batch.Labels[b*batch.T : (b+1)*batch.T]
		out := targets[b*batch.T : (b+1)*batch.T]
		copy(out, row[1:])
		out[batch.T-1] = ignoreIndex
	}
	return targets
}

// totalSteps resolves the optimizer step budget from max_steps or epochs.
func (t *Trainer) totalSteps() int {
	if t.Args.MaxSteps > 0 {
		return t.Args.MaxSteps
	}
	microPerStep := t.Args.GradientAccumulationSteps
	if microPerStep < 1 {
		microPerStep = 1
	}
	perEpoch := t.TrainData.Len() / (t.Args.PerDeviceTrainBatchSize * microPerStep)
	if perEpoch < 1 {
		perEpoch = 1
	}
	epochs := t.Args.NumTrainEpochs
	if epochs < 1 {
		epochs = 1
	}
	return perEpoch * epochs
}

// learningRate implements linear warmup followed by linear decay to zero.
func (t *Trainer) learningRate(step, total int) float32 {
	base := t.Args.LearningRate
	warmup := t.Args.WarmupSteps
	if warmup > 0 && step <= warmup {
		return base * float32(step) / float32(warmup)
	}
	if total <= warmup {
		return base
	}
	progress := float32(step-warmup) / float32(total-warmup)
	if progress > 1 {
		progress = 1
	}
	return base * (1 - progress)
}

// Train runs the loop to completion and leaves the final weights in
// Model.Params.
func (t *Trainer) Train(ctx context.Context) error {
	args := t.Args
	if t.TrainData.Len() < args.PerDeviceTrainBatchSize {
		return fmt.Errorf("train dataset has %d examples, need at least one batch of %d",
			t.TrainData.Len(), args.PerDeviceTrainBatchSize)
	}
	microPerStep := args.GradientAccumulationSteps
	if microPerStep < 1 {
		microPerStep = 1
	}
	t.Model.GradScale = 1 / float32(microPerStep)
	total := t.totalSteps()
	t.Log.Info().
		Int("steps", total).
		Int("train_examples", t.TrainData.Len()).
		Int("eval_examples", t.Eval.Len()).
		Int("batch_size", args.PerDeviceTrainBatchSize).
		Msg("starting training")

	for step := 1; step <= total; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		t.Model.ZeroGradient()
		var stepLoss float32
		for micro := 0; micro < microPerStep; micro++ {
			batch, err := t.nextBatch()
			if err != nil {
				return err
			}
			t.Model.Forward(batch.InputIDs, shiftTargets(batch), batch.B, batch.T)
			if err := t.Model.Backward(); err != nil {
				return err
			}
			stepLoss += t.Model.MeanLoss
		}
		stepLoss /= float32(microPerStep)
		t.Model.ClipGradients(args.MaxGradNorm)
		lr := t.learningRate(step, total)
		t.Model.Update(lr, args.AdamBeta1, args.AdamBeta2, args.AdamEpsilon, args.WeightDecay, step)

		if args.LoggingSteps > 0 && step%args.LoggingSteps == 0 {
			t.Log.Info().
				Int("step", step).
				Float32("loss", stepLoss).
				Float32("lr", lr).
				Dur("took", time.Since(start)).
				Msg("train step")
			if t.Run != nil && Rank() == 0 {
				if err := t.Run.Log(ctx, map[string]any{"train/loss": stepLoss, "train/lr": lr, "train/step": step}); err != nil {
					return err
				}
			}
		}
		if args.EvalSteps > 0 && step%args.EvalSteps == 0 {
			if err := t.evaluateAndReport(ctx, step); err != nil {
				return err
			}
		}
		if args.SaveSteps > 0 && step%args.SaveSteps == 0 && Rank() == 0 {
			dir := filepath.Join(args.OutputDir, fmt.Sprintf("checkpoint-%d", step))
			if err := t.Model.Save(dir, args.FP16); err != nil {
				return fmt.Errorf("saving checkpoint at step %d: %w", step, err)
			}
			t.Log.Info().Int("step", step).Str("dir", dir).Msg("saved checkpoint")
		}
	}
	return nil
}

func (t *Trainer) evaluateAndReport(ctx context.Context, step int) error {
	evalLoss, err := t.Evaluate(ctx)
	if err != nil {
		return err
	}
	t.Log.Info().Int("step", step).Float32("eval_loss", evalLoss).Msg("evaluation")
	if t.Run != nil && Rank() == 0 {
		if err := t.Run.Log(ctx, map[string]any{"eval/loss": evalLoss, "train/step": step}); err != nil {
			return err
		}
	}
	for _, cb := range t.Callbacks {
		if err := cb.OnEvaluate(ctx, t, step); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate computes the mean loss over the eval dataset. Batches are
// accumulated in chunks of eval_accumulation_steps before folding into the
// running mean, bounding the amount of in-flight per-token loss state.
func (t *Trainer) Evaluate(ctx context.Context) (float32, error) {
	B := t.Args.PerDeviceEvalBatchSize
	if B < 1 {
		B = 1
	}
	accum := t.Args.EvalAccumulationSteps
	if accum < 1 {
		accum = 1
	}
	// eval must not disturb accumulated training gradients beyond the
	// activation shape, which Forward reallocates as needed
	var total float64
	var counted int
	var chunkLoss float64
	var chunkCount, inChunk int
	flush := func() {
		total += chunkLoss
		counted += chunkCount
		chunkLoss, chunkCount, inChunk = 0, 0, 0
	}
	for start := 0; start < t.Eval.Len(); start += B {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := start + B
		if end > t.Eval.Len() {
			// the trailing batch runs short rather than being dropped
			end = t.Eval.Len()
		}
		examples := make([]Example, 0, end-start)
		for i := start; i < end; i++ {
			examples = append(examples, t.Eval.Get(i))
		}
		batch, err := t.Collate(examples)
		if err != nil {
			return 0, err
		}
		t.Model.Forward(batch.InputIDs, shiftTargets(batch), batch.B, batch.T)
		chunkLoss += float64(t.Model.MeanLoss) * float64(t.Model.LossCounted)
		chunkCount += t.Model.LossCounted
		if inChunk++; inChunk == accum {
			flush()
		}
	}
	flush()
	if counted == 0 {
		return 0, nil
	}
	return float32(total / float64(counted)), nil
}
