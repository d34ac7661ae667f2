package autocrit

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBinVocab(t *testing.T, vocab []string) string {
	t.Helper()
	var buf bytes.Buffer
	header := make([]uint32, 256)
	header[0] = 20240328
	header[1] = 1
	header[2] = uint32(len(vocab))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	for _, tok := range vocab {
		require.NoError(t, buf.WriteByte(byte(len(tok))))
		_, err := buf.WriteString(tok)
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoadBinTokenizer(t *testing.T) {
	vocab := []string{"a", "b", "c", "ab", "abc", "<|endoftext|>"}
	path := writeBinVocab(t, vocab)

	tok, err := LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, int32(5), tok.EOSID())
	assert.Equal(t, int32(5), tok.PadID())

	text, err := tok.Decode([]int32{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestLoadBinTokenizerBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	header := make([]uint32, 256)
	header[0] = 12345
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	_, err := LoadTokenizer(path)
	assert.Error(t, err)
}

func writePretrainedVocab(t *testing.T, vocab, merges string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), []byte(vocab), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0o644))
	return dir
}

func TestLoadPretrainedTokenizer(t *testing.T) {
	dir := writePretrainedVocab(t,
		`{"a": 0, "b": 1, "ab": 2, "<|endoftext|>": 3}`,
		"#version: 0.2\na b\n")

	tok, err := LoadTokenizer(dir)
	require.NoError(t, err)
	assert.Equal(t, int32(3), tok.EOSID())
	assert.Equal(t, int32(3), tok.PadID())

	ids, err := tok.Encode("ab")
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	got, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestLoadPretrainedTokenizerErrors(t *testing.T) {
	t.Run("missing files", func(t *testing.T) {
		_, err := LoadTokenizer(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("no eos token", func(t *testing.T) {
		dir := writePretrainedVocab(t,
			`{"a": 0, "b": 1}`,
			"#version: 0.2\n")
		_, err := LoadTokenizer(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), endOfTextToken)
	})
}

func TestBinTokenizerEncode(t *testing.T) {
	tok := newBinTokenizer([]string{"a", "b", "c", "ab", "abc", "<|endoftext|>"})
	tests := []struct {
		name string
		text string
		want []int32
	}{
		{name: "longest prefix wins", text: "abc", want: []int32{4}},
		{name: "greedy then singles", text: "abcb", want: []int32{4, 1}},
		{name: "pair", text: "abb", want: []int32{3, 1}},
		{name: "singles", text: "cba", want: []int32{2, 1, 0}},
		{name: "empty", text: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tok.Encode(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown byte", func(t *testing.T) {
		_, err := tok.Encode("xyz")
		assert.Error(t, err)
	})
}

func TestBinTokenizerRoundtrip(t *testing.T) {
	tok := testTokenizer()
	for _, text := range []string{"hello world", "a", "The quick brown fox."} {
		ids, err := tok.Encode(text)
		require.NoError(t, err)
		got, err := tok.Decode(ids)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestBinTokenizerDecodeOutOfRange(t *testing.T) {
	tok := newBinTokenizer([]string{"a", "b"})
	_, err := tok.Decode([]int32{7})
	assert.Error(t, err)
	_, err = tok.Decode([]int32{-1})
	assert.Error(t, err)
}
