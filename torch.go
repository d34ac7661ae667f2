package autocrit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
)

// hfConfig is the subset of a pretrained config.json the loader needs.
type hfConfig struct {
	VocabSize  int `json:"vocab_size"`
	NPositions int `json:"n_positions"`
	NCtx       int `json:"n_ctx"`
	NLayer     int `json:"n_layer"`
	NHead      int `json:"n_head"`
	NEmbd      int `json:"n_embd"`
}

type stateDict interface {
	Get(k interface{}) (interface{}, bool)
}

// loadPretrainedDir reads a GPT-2 pretrained directory: config.json for the
// hyperparameters and pytorch_model.bin for the weights.
func loadPretrainedDir(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	var hc hfConfig
	if err := json.Unmarshal(raw, &hc); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}
	maxSeqLen := hc.NPositions
	if maxSeqLen == 0 {
		maxSeqLen = hc.NCtx
	}
	if hc.VocabSize == 0 || hc.NLayer == 0 || hc.NHead == 0 || hc.NEmbd == 0 || maxSeqLen == 0 {
		return nil, fmt.Errorf("model config in %s is not a GPT-2 config", dir)
	}
	model := newModel(ModelConfig{
		MaxSeqLen: maxSeqLen,
		V:         hc.VocabSize,
		L:         hc.NLayer,
		NH:        hc.NHead,
		C:         hc.NEmbd,
		EOT:       int32(hc.VocabSize) - 1,
	})

	loaded, err := pytorch.Load(filepath.Join(dir, "pytorch_model.bin"))
	if err != nil {
		return nil, fmt.Errorf("reading torch checkpoint: %w", err)
	}
	sd, ok := loaded.(stateDict)
	if !ok {
		return nil, fmt.Errorf("torch checkpoint in %s is not a state dict", dir)
	}
	if err := fillFromStateDict(model, sd); err != nil {
		return nil, err
	}
	return model, nil
}

// torchTensor pulls a named tensor's dense float32 data out of the state
// dict, accepting the optional "transformer." prefix of LM-head exports.
func torchTensor(sd stateDict, name string) ([]float32, []int, error) {
	v, ok := sd.Get(name)
	if !ok {
		if v, ok = sd.Get("transformer." + name); !ok {
			return nil, nil, fmt.Errorf("torch checkpoint is missing %s", name)
		}
	}
	t, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a tensor", name)
	}
	numel := 1
	for _, d := range t.Size {
		numel *= d
	}
	var data []float32
	switch src := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = src.Data[t.StorageOffset : t.StorageOffset+numel]
	case *pytorch.HalfStorage:
		data = src.Data[t.StorageOffset : t.StorageOffset+numel]
	case *pytorch.DoubleStorage:
		data = make([]float32, numel)
		for i, f := range src.Data[t.StorageOffset : t.StorageOffset+numel] {
			data[i] = float32(f)
		}
	default:
		return nil, nil, fmt.Errorf("%s has unsupported storage %T", name, t.Source)
	}
	return data, t.Size, nil
}

func copyTensor(dst tensor, sd stateDict, name string) error {
	data, _, err := torchTensor(sd, name)
	if err != nil {
		return err
	}
	if len(data) != len(dst.data) {
		return fmt.Errorf("%s has %d values, want %d", name, len(data), len(dst.data))
	}
	copy(dst.data, data)
	return nil
}

// copyTensorT copies a (rows, cols) torch tensor transposed. GPT-2 stores its
// linear layers as Conv1D weights, the transpose of the layout the kernels
// multiply with.
func copyTensorT(dst []float32, sd stateDict, name string) error {
	data, size, err := torchTensor(sd, name)
	if err != nil {
		return err
	}
	if len(size) != 2 || size[0]*size[1] != len(dst) {
		return fmt.Errorf("%s has shape %v, want %d values", name, size, len(dst))
	}
	rows, cols := size[0], size[1]
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = data[r*cols+c]
		}
	}
	return nil
}

func fillFromStateDict(model *Model, sd stateDict) error {
	p := &model.Params
	C := model.Config.C
	if err := copyTensor(p.WordTokEmbed, sd, "wte.weight"); err != nil {
		return err
	}
	if err := copyTensor(p.WordPosEmbed, sd, "wpe.weight"); err != nil {
		return err
	}
	for l := 0; l < model.Config.L; l++ {
		prefix := fmt.Sprintf("h.%d.", l)
		sub := func(t tensor, per int) []float32 { return t.data[l*per : (l+1)*per] }
		if err := copyInto(sub(p.LayerNorm1W, C), sd, prefix+"ln_1.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.LayerNorm1B, C), sd, prefix+"ln_1.bias"); err != nil {
			return err
		}
		if err := copyTensorT(sub(p.QueryKeyValW, 3*C*C), sd, prefix+"attn.c_attn.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.QueryKeyValB, 3*C), sd, prefix+"attn.c_attn.bias"); err != nil {
			return err
		}
		if err := copyTensorT(sub(p.AttProjW, C*C), sd, prefix+"attn.c_proj.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.AttProjB, C), sd, prefix+"attn.c_proj.bias"); err != nil {
			return err
		}
		if err := copyInto(sub(p.LayerNorm2W, C), sd, prefix+"ln_2.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.LayerNorm2B, C), sd, prefix+"ln_2.bias"); err != nil {
			return err
		}
		if err := copyTensorT(sub(p.FeedFwdW, 4*C*C), sd, prefix+"mlp.c_fc.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.FeedFwdB, 4*C), sd, prefix+"mlp.c_fc.bias"); err != nil {
			return err
		}
		if err := copyTensorT(sub(p.FeedFwdProjW, C*4*C), sd, prefix+"mlp.c_proj.weight"); err != nil {
			return err
		}
		if err := copyInto(sub(p.FeedFwdProjB, C), sd, prefix+"mlp.c_proj.bias"); err != nil {
			return err
		}
	}
	if err := copyTensor(p.FinalNormW, sd, "ln_f.weight"); err != nil {
		return err
	}
	return copyTensor(p.FinalNormB, sd, "ln_f.bias")
}

func copyInto(dst []float32, sd stateDict, name string) error {
	data, _, err := torchTensor(sd, name)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("%s has %d values, want %d", name, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}
