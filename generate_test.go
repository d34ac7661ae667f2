package autocrit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeftPad(t *testing.T) {
	tests := []struct {
		name  string
		batch [][]int32
		pad   int32
		want  [][]int32
	}{
		{
			name:  "ragged rows",
			batch: [][]int32{{1, 2, 3}, {4}},
			pad:   9,
			want:  [][]int32{{1, 2, 3}, {9, 9, 4}},
		},
		{
			name:  "equal rows untouched",
			batch: [][]int32{{1, 2}, {3, 4}},
			pad:   9,
			want:  [][]int32{{1, 2}, {3, 4}},
		},
		{
			name:  "empty row",
			batch: [][]int32{{5}, {}},
			pad:   0,
			want:  [][]int32{{5}, {0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, leftPad(tt.batch, tt.pad))
		})
	}
}

func TestGenerateBatch(t *testing.T) {
	model := newTestModel(t)
	tok := newBinTokenizer([]string{"a", "b", "c", "d", "e", "f", "g", "<|endoftext|>"})

	opts := GenerateOptions{BatchSize: 2, MaxLength: 6, Temperature: 1}
	prompts := []string{"ab", "cdef", "g"}
	answers, err := GenerateBatch(context.Background(), model, tok, prompts, opts)
	require.NoError(t, err)
	require.Len(t, answers, 3)
	// each answer starts with its prompt and extends it
	for i, ans := range answers {
		assert.Greater(t, len(ans), 0, "answer %d", i)
	}
	assert.Contains(t, answers[1], "cdef")
}

func TestGenerateBatchGreedyDeterministic(t *testing.T) {
	tok := newBinTokenizer([]string{"a", "b", "c", "d", "e", "f", "g", "<|endoftext|>"})
	opts := GenerateOptions{BatchSize: 4, MaxLength: 8, Temperature: -1}

	first, err := GenerateBatch(context.Background(), newTestModel(t), tok, []string{"ab", "cd"}, opts)
	require.NoError(t, err)
	second, err := GenerateBatch(context.Background(), newTestModel(t), tok, []string{"ab", "cd"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerateBatchTruncatesLongPrompt(t *testing.T) {
	model := newTestModel(t) // MaxSeqLen 8
	tok := newBinTokenizer([]string{"a", "b", "c", "d", "e", "f", "g", "<|endoftext|>"})

	long := "abcdefgabcdefg" // 14 tokens, past the window
	answers, err := GenerateBatch(context.Background(), model, tok, []string{long}, GenerateOptions{MaxLength: 100, Temperature: 1})
	require.NoError(t, err)
	require.Len(t, answers, 1)
	// only the window-sized tail survives
	ids, err := tok.Encode(answers[0])
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ids), model.Config.MaxSeqLen)
}

func TestGenerateBatchCancelled(t *testing.T) {
	model := newTestModel(t)
	tok := newBinTokenizer([]string{"a", "b", "c", "d", "e", "f", "g", "<|endoftext|>"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := GenerateBatch(ctx, model, tok, []string{"ab"}, GenerateOptions{MaxLength: 8, Temperature: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateBatchBadPrompt(t *testing.T) {
	model := newTestModel(t)
	tok := newBinTokenizer([]string{"a", "b"})
	_, err := GenerateBatch(context.Background(), model, tok, []string{"xyz"}, GenerateOptions{})
	assert.Error(t, err)
}
