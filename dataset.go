package autocrit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"
)

// Record is one supervised fine-tuning pair.
type Record struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// LoadRecords reads a JSONL corpus from data_path: either a single file or a
// directory of .jsonl shards read in name order.
func LoadRecords(path string) ([]Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	if !info.IsDir() {
		return readJSONL(path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var shards []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			shards = append(shards, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil, fmt.Errorf("dataset directory %s has no .jsonl shards", path)
	}
	var records []Record
	for _, shard := range shards {
		rs, err := readJSONL(shard)
		if err != nil {
			return nil, err
		}
		records = append(records, rs...)
	}
	return records, nil
}

func readJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// SplitEval carves the evaluation subset off the front of the corpus:
// floor(frac*N) records are eval, the rest train. The two never overlap and
// always sum to the original size.
func SplitEval(records []Record, frac float64) (eval, train []Record) {
	n := int(float64(len(records)) * frac)
	return records[:n], records[n:]
}

// Example is one fixed-length training tuple: token ids, attention mask and
// labels, each of the dataset's sequence length.
type Example struct {
	InputIDs []int32
	Mask     []int32
	Labels   []int32
}

// SFTDataset adapts raw prompt/response records into fixed-format training
// examples. The masked variant excludes prompt (and pad) positions from the
// labels via the ignore index.
type SFTDataset struct {
	Prompts  []string
	examples []Example
	maxLen   int
}

// NewSFTDataset tokenizes every record to maxLen tokens. Prompt and response
// are concatenated, truncated, right-padded with the pad token and closed
// with EOS where the response fits.
func NewSFTDataset(records []Record, tok Tokenizer, maxLen int, masked bool) (*SFTDataset, error) {
	ds := &SFTDataset{
		Prompts:  make([]string, len(records)),
		examples: make([]Example, len(records)),
		maxLen:   maxLen,
	}
	for i, r := range records {
		ds.Prompts[i] = r.Prompt
	}
	p := pool.New().WithErrors().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for i := range records {
		i := i
		p.Go(func() error {
			ex, err := encodeExample(records[i], tok, maxLen, masked)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			ds.examples[i] = ex
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return ds, nil
}

func encodeExample(r Record, tok Tokenizer, maxLen int, masked bool) (Example, error) {
	promptIDs, err := tok.Encode(r.Prompt)
	if err != nil {
		return Example{}, err
	}
	responseIDs, err := tok.Encode(r.Response)
	if err != nil {
		return Example{}, err
	}
	ids := make([]int32, 0, len(promptIDs)+len(responseIDs)+1)
	ids = append(ids, promptIDs...)
	ids = append(ids, responseIDs...)
	ids = append(ids, tok.EOSID())
	if len(ids) > maxLen {
		ids = ids[:maxLen]
	}

	ex := Example{
		InputIDs: make([]int32, maxLen),
		Mask:     make([]int32, maxLen),
		Labels:   make([]int32, maxLen),
	}
	pad := tok.PadID()
	for i := 0; i < maxLen; i++ {
		if i < len(ids) {
			ex.InputIDs[i] = ids[i]
			ex.Mask[i] = 1
			ex.Labels[i] = ids[i]
		} else {
			ex.InputIDs[i] = pad
			ex.Labels[i] = ignoreIndex
		}
	}
	if masked {
		// only response tokens carry loss
		cut := len(promptIDs)
		if cut > maxLen {
			cut = maxLen
		}
		for i := 0; i < cut; i++ {
			ex.Labels[i] = ignoreIndex
		}
	}
	return ex, nil
}

func (ds *SFTDataset) Len() int          { return len(ds.examples) }
func (ds *SFTDataset) Get(i int) Example { return ds.examples[i] }
func (ds *SFTDataset) SeqLen() int       { return ds.maxLen }

// Batch is a collated set of examples with contiguous (B, T) tensors.
type Batch struct {
	InputIDs []int32
	Mask     []int32
	Labels   []int32
	B, T     int
}

// CollateFunc stacks examples into a batch.
type CollateFunc func([]Example) (*Batch, error)

// Collate stacks fixed-length examples; every example must share one length.
func Collate(examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	T := len(examples[0].InputIDs)
	batch := &Batch{
		InputIDs: make([]int32, 0, len(examples)*T),
		Mask:     make([]int32, 0, len(examples)*T),
		Labels:   make([]int32, 0, len(examples)*T),
		B:        len(examples),
		T:        T,
	}
	for i, ex := range examples {
		if len(ex.InputIDs) != T || len(ex.Mask) != T || len(ex.Labels) != T {
			return nil, fmt.Errorf("example %d has inconsistent shape", i)
		}
		batch.InputIDs = append(batch.InputIDs, ex.InputIDs...)
		batch.Mask = append(batch.Mask, ex.Mask...)
		batch.Labels = append(batch.Labels, ex.Labels...)
	}
	return batch, nil
}
