package autocrit

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// GenerateOptions control batched sampling.
type GenerateOptions struct {
	BatchSize   int
	MaxLength   int
	Temperature float32
	TopK        int
}

func (o GenerateOptions) withDefaults() GenerateOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.MaxLength <= 0 {
		o.MaxLength = 500
	}
	if o.Temperature == 0 {
		o.Temperature = 1
	}
	return o
}

// GenerateBatch samples a continuation for every prompt and returns the
// decoded sequences, prompt included. Prompts are processed in batches; each
// batch is left-padded by reversing every sequence, right-padding to the
// longest one and reversing again, so the last position of every row is the
// last prompt token.
func GenerateBatch(ctx context.Context, model *Model, tok Tokenizer, prompts []string, opts GenerateOptions) ([]string, error) {
	opts = opts.withDefaults()
	encoded := make([][]int32, len(prompts))
	var g errgroup.Group
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			ids, err := tok.Encode(prompt)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			encoded[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	answers := make([]string, 0, len(prompts))
	for start := 0; start < len(encoded); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(encoded) {
			end = len(encoded)
		}
		rows, err := generateRows(ctx, model, tok, encoded[start:end], opts)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			text, err := tok.Decode(row)
			if err != nil {
				return nil, err
			}
			answers = append(answers, text)
		}
	}
	return answers, nil
}

func generateRows(ctx context.Context, model *Model, tok Tokenizer, batch [][]int32, opts GenerateOptions) ([][]int32, error) {
	rows := leftPad(batch, tok.PadID())
	B := len(rows)
	T := len(rows[0])
	maxLength := opts.MaxLength
	if maxLength > model.Config.MaxSeqLen {
		maxLength = model.Config.MaxSeqLen
	}
	if T > maxLength {
		for b := range rows {
			rows[b] = rows[b][len(rows[b])-maxLength:]
		}
		T = maxLength
	}
	flat := make([]int32, 0, B*maxLength)
	for ; T < maxLength; T++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		flat = flat[:0]
		for b := range rows {
			flat = append(flat, rows[b]...)
		}
		model.Forward(flat, nil, B, T)
		V := model.Config.V
		for b := range rows {
			probs := model.Acts.Probabilities.Data()[(b*T+T-1)*V : (b*T+T)*V]
			next := sampleLogits(probs, opts.Temperature, opts.TopK, model.Rand.Float32())
			rows[b] = append(rows[b], int32(next))
		}
	}
	return rows, nil
}

// leftPad right-aligns variable-length rows: reverse, pad, reverse.
func leftPad(batch [][]int32, pad int32) [][]int32 {
	maxLen := 0
	for _, row := range batch {
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}
	if maxLen == 0 {
		maxLen = 1
	}
	out := make([][]int32, len(batch))
	for i, row := range batch {
		flipped := make([]int32, 0, maxLen)
		for j := len(row) - 1; j >= 0; j-- {
			flipped = append(flipped, row[j])
		}
		for len(flipped) < maxLen {
			flipped = append(flipped, pad)
		}
		padded := make([]int32, maxLen)
		for j := range flipped {
			padded[maxLen-1-j] = flipped[j]
		}
		out[i] = padded
	}
	return out
}
