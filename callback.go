package autocrit

import (
	"context"
	"os"

	"github.com/olekukonko/tablewriter"
)

// Callback receives trainer lifecycle events.
type Callback interface {
	OnEvaluate(ctx context.Context, tr *Trainer, step int) error
}

// SampleCallback samples generations for the first eval prompts on every
// evaluation and logs them as a prompts/responses table for qualitative
// inspection.
type SampleCallback struct {
	NumPrompts int
	Options    GenerateOptions
}

func (cb *SampleCallback) OnEvaluate(ctx context.Context, tr *Trainer, step int) error {
	n := cb.NumPrompts
	if n <= 0 {
		n = 16
	}
	prompts := tr.Eval.Prompts
	if len(prompts) > n {
		prompts = prompts[:n]
	}
	if len(prompts) == 0 {
		return nil
	}
	responses, err := GenerateBatch(ctx, tr.Model, tr.Tokenizer, prompts, cb.Options)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"PROMPT", "RESPONSE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	rows := make([][]string, 0, len(prompts))
	for i, prompt := range prompts {
		rows = append(rows, []string{prompt, responses[i]})
		table.Append([]string{truncate(prompt, 60), truncate(responses[i], 120)})
	}
	table.Render()

	// the tracking side effect belongs to the leader process alone
	if Rank() == 0 && tr.Run != nil {
		return tr.Run.LogTable(ctx, "generations", &TrackTable{
			Columns: []string{"prompts", "responses"},
			Data:    rows,
		})
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
