package autocrit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
)

const endOfTextToken = "<|endoftext|>"

// Tokenizer converts between text and token ids. The pad token is the EOS
// token, as the driver configures for all causal LM fine-tunes.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokens []int32) (string, error)
	EOSID() int32
	PadID() int32
}

// LoadTokenizer loads a tokenizer from tokenizer_path. A path ending in .bin
// is the llm.c binary vocabulary format; anything else is treated as a
// pretrained directory holding vocab.json and merges.txt.
func LoadTokenizer(path string) (Tokenizer, error) {
	if strings.HasSuffix(path, ".bin") {
		return loadBinTokenizer(path)
	}
	return loadPretrainedTokenizer(path)
}

// binTokenizer is the llm.c vocabulary table: ids map to byte strings and
// encoding is greedy longest-prefix match.
type binTokenizer struct {
	tokenTable []string
	eot        int32
	longest    int
}

func loadBinTokenizer(filename string) (*binTokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != 20240328 || header[1] != 1 {
		return nil, errors.New("incorrect header for tokenizer")
	}
	tok := &binTokenizer{
		tokenTable: make([]string, header[2]),
		eot:        int32(header[2] - 1),
	}
	var length byte
	for i := range tok.tokenTable {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, errors.New("tokenizer failure")
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return nil, err
		}
		tok.tokenTable[i] = string(tokenBytes)
		if int(length) > tok.longest {
			tok.longest = int(length)
		}
	}
	return tok, nil
}

func newBinTokenizer(vocab []string) *binTokenizer {
	tok := &binTokenizer{tokenTable: vocab, eot: int32(len(vocab) - 1)}
	for _, t := range vocab {
		if len(t) > tok.longest {
			tok.longest = len(t)
		}
	}
	return tok
}

func (t *binTokenizer) Encode(text string) ([]int32, error) {
	var tokens []int32
	for len(text) > 0 {
		best, bestLen := int32(-1), 0
		limit := t.longest
		if limit > len(text) {
			limit = len(text)
		}
		for id, tokText := range t.tokenTable {
			n := len(tokText)
			if n > bestLen && n <= limit && text[:n] == tokText {
				best, bestLen = int32(id), n
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("cannot tokenize %q", text[:1])
		}
		tokens = append(tokens, best)
		text = text[bestLen:]
	}
	return tokens, nil
}

func (t *binTokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token < 0 || token >= int32(len(t.tokenTable)) {
			return "", fmt.Errorf("token %d out of range", token)
		}
		sb.WriteString(t.tokenTable[token])
	}
	return sb.String(), nil
}

func (t *binTokenizer) EOSID() int32 { return t.eot }
func (t *binTokenizer) PadID() int32 { return t.eot }

// bpeTokenizer wraps a byte-level BPE built from a pretrained directory.
type bpeTokenizer struct {
	t   *tk.Tokenizer
	eos int32
}

func loadPretrainedTokenizer(dir string) (*bpeTokenizer, error) {
	vocab := filepath.Join(dir, "vocab.json")
	merges := filepath.Join(dir, "merges.txt")
	model, err := bpe.NewBpeFromFiles(vocab, merges)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer from %s: %w", dir, err)
	}
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewByteLevel())
	// the byte-level pretokenizer doubles as the decoder
	t.WithDecoder(pretokenizer.NewByteLevel())
	eos, ok := t.TokenToId(endOfTextToken)
	if !ok {
		return nil, fmt.Errorf("vocabulary in %s has no %s token", dir, endOfTextToken)
	}
	return &bpeTokenizer{t: t, eos: int32(eos)}, nil
}

func (t *bpeTokenizer) Encode(text string) ([]int32, error) {
	enc, err := t.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
	if err != nil {
		return nil, err
	}
	ids := enc.GetIds()
	tokens := make([]int32, len(ids))
	for i, id := range ids {
		tokens[i] = int32(id)
	}
	return tokens, nil
}

func (t *bpeTokenizer) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = int(tok)
	}
	return t.t.Decode(ids, false), nil
}

func (t *bpeTokenizer) EOSID() int32 { return t.eos }
func (t *bpeTokenizer) PadID() int32 { return t.eos }
