package autocrit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const (
	checkpointMagic   int32 = 20240326
	checkpointVersion int32 = 1
)

// ModelConfig holds the hyperparameters of a GPT-2 style causal LM.
type ModelConfig struct {
	MaxSeqLen int `json:"max_seq_len"`
	V         int `json:"vocab_size"`
	L         int `json:"num_layers"`
	NH        int `json:"num_heads"`
	C         int `json:"channels"`
	EOT       int32
}

// Model is a causal language model with flat-memory parameters, gradients and
// AdamW moments, trained by explicit Forward/Backward/Update calls.
type Model struct {
	Config ModelConfig
	// Params holds the weights; Params.Memory addresses them as one buffer.
	Params ParameterTensors
	// Grads accumulates the deltas applied to Params on Update.
	Grads ParameterTensors
	// AdamW moment estimates.
	MMemory []float32
	VMemory []float32

	Acts      ActivationTensors
	GradsActs ActivationTensors
	B         int
	T         int
	Inputs    []int32
	Targets   []int32

	// MeanLoss is the mean cross entropy over counted (non-ignored) targets
	// of the last Forward with targets, or -1.
	MeanLoss    float32
	LossCounted int
	// GradScale multiplies the loss gradient; the trainer sets it to
	// 1/gradient_accumulation_steps so accumulated micro-batches average.
	GradScale float32

	Rand *rand.Rand
}

// LoadModel loads pretrained weights from model_path. A directory is treated
// as a pretrained export (config.json + pytorch_model.bin); a .bin file is an
// llm.c checkpoint.
func LoadModel(path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening model %s: %w", path, err)
	}
	if info.IsDir() {
		return loadPretrainedDir(path)
	}
	if !strings.HasSuffix(path, ".bin") {
		return nil, fmt.Errorf("model path %s: expected a directory or .bin checkpoint", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model %s: %w", path, err)
	}
	defer f.Close()
	return loadCheckpoint(f)
}

func newModel(cfg ModelConfig) *Model {
	model := &Model{Config: cfg, Rand: rand.New(rand.NewSource(21))}
	model.Params.Init(cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L)
	return model
}

func loadCheckpoint(r io.Reader) (*Model, error) {
	header := make([]int32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("reading model header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, errors.New("bad model file format")
	}
	model := newModel(ModelConfig{
		MaxSeqLen: int(header[2]),
		V:         int(header[3]),
		L:         int(header[4]),
		NH:        int(header[5]),
		C:         int(header[6]),
		EOT:       int32(header[3]) - 1,
	})
	if err := binary.Read(r, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, fmt.Errorf("reading model weights: %w", err)
	}
	return model, nil
}

// Save writes the model as an llm.c checkpoint plus a config.json next to it,
// the exported layout consumed by LoadModel and by downstream eval tooling.
// When half is set an additional fp16 weight snapshot is written.
func (model *Model) Save(dir string, half bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "model.bin"))
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]int32, 256)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(model.Config.MaxSeqLen)
	header[3] = int32(model.Config.V)
	header[4] = int32(model.Config.L)
	header[5] = int32(model.Config.NH)
	header[6] = int32(model.Config.C)
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return err
	}
	cfg, err := json.MarshalIndent(model.Config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644); err != nil {
		return err
	}
	if half {
		hf, err := os.Create(filepath.Join(dir, "model.fp16.bin"))
		if err != nil {
			return err
		}
		defer hf.Close()
		if err := binary.Write(hf, binary.LittleEndian, header); err != nil {
			return err
		}
		if err := writeFloat16(hf, model.Params.Memory); err != nil {
			return err
		}
	}
	return nil
}

func (model *Model) String() string {
	var sb strings.Builder
	sb.WriteString("[GPT-2]\n")
	fmt.Fprintf(&sb, "max_seq_len: %d\n", model.Config.MaxSeqLen)
	fmt.Fprintf(&sb, "vocab_size: %d\n", model.Config.V)
	fmt.Fprintf(&sb, "num_layers: %d\n", model.Config.L)
	fmt.Fprintf(&sb, "num_heads: %d\n", model.Config.NH)
	fmt.Fprintf(&sb, "channels: %d\n", model.Config.C)
	fmt.Fprintf(&sb, "num_parameters: %d\n", len(model.Params.Memory))
	return sb.String()
}

// ensureShape (re)allocates activation buffers when the batch shape changes.
// Generation grows T step by step, so this happens routinely.
func (model *Model) ensureShape(B, T int) {
	if model.Acts.Memory != nil && model.B == B && model.T == T {
		return
	}
	cfg := model.Config
	model.B, model.T = B, T
	model.Acts.Init(B, cfg.C, T, cfg.L, cfg.NH, cfg.V)
	model.Inputs = make([]int32, B*T)
	model.Targets = make([]int32, B*T)
	if model.Grads.Memory != nil {
		model.GradsActs.Init(B, cfg.C, T, cfg.L, cfg.NH, cfg.V)
	}
}

// Forward runs the model on a (B, T) batch of token ids. With targets it also
// computes the mean cross entropy over non-ignored positions.
func (model *Model) Forward(input, target []int32, B, T int) {
	V, L, NH, C := model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	model.ensureShape(B, T)
	copy(model.Inputs, input)
	params, acts := model.Params, model.Acts
	encoderForward(acts.Encoded.data, input, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		lLn1w := params.LayerNorm1W.data[l*C:]
		lLn1b := params.LayerNorm1B.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lQkvb := params.QueryKeyValB.data[l*3*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lAttprojb := params.AttProjB.data[l*C:]
		lLn2w := params.LayerNorm2W.data[l*C:]
		lLn2b := params.LayerNorm2B.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcb := params.FeedFwdB.data[l*4*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		lFcprojb := params.FeedFwdProjB.data[l*C:]

		lLn1 := acts.LayerNorm1.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionOut.data[l*B*T*C:]
		lPreatt := acts.PreAttention.data[l*B*NH*T*T:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lAttproj := acts.AttentionProj.data[l*B*T*C:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		lFcproj := acts.FeedForwardProj.data[l*B*T*C:]
		lResidual3 := acts.Residual3.data[l*B*T*C:]

		layernormForward(lLn1, lLn1Mean, lLn1Rstd, residual, lLn1w, lLn1b, B, T, C)
		matmulForward(lQkv, lLn1, lQkvw, lQkvb, B, T, C, 3*C)
		attentionForward(lAtty, lPreatt, lAtt, lQkv, B, T, C, NH)
		matmulForward(lAttproj, lAtty, lAttprojw, lAttprojb, B, T, C, C)
		residualForward(lResidual2, residual, lAttproj, B*T*C)
		layernormForward(lLn2, lLn2Mean, lLn2Rstd, lResidual2, lLn2w, lLn2b, B, T, C)
		matmulForward(lFch, lLn2, lFcw, lFcb, B, T, C, 4*C)
		geluForward(lFchGelu, lFch, B*T*4*C)
		matmulForward(lFcproj, lFchGelu, lFcprojw, lFcprojb, B, T, 4*C, C)
		residualForward(lResidual3, lResidual2, lFcproj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.FinalNorm.data, acts.FinalNormMean.data, acts.FinalNormRstd.data, residual, params.FinalNormW.data, params.FinalNormB.data, B, T, C)
	matmulForward(acts.Logits.data, acts.FinalNorm.data, params.WordTokEmbed.data, nil, B, T, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)

	if len(target) > 0 {
		copy(model.Targets, target)
		counted := crossEntropyForward(acts.Losses.data, acts.Probabilities.data, target, B, T, V)
		model.LossCounted = counted
		if counted == 0 {
			model.MeanLoss = 0
			return
		}
		var meanLoss float32
		for _, l := range acts.Losses.data {
			meanLoss += l
		}
		model.MeanLoss = meanLoss / float32(counted)
	} else {
		model.MeanLoss = -1.0
		model.LossCounted = 0
	}
}

// Backward accumulates gradients for the last Forward with targets.
func (model *Model) Backward() error {
	if model.MeanLoss == -1.0 {
		return errors.New("must forward with targets before backward")
	}
	B, T, V, L, NH, C := model.B, model.T, model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(V, C, model.Config.MaxSeqLen, L)
	}
	if len(model.GradsActs.Memory) != len(model.Acts.Memory) {
		model.GradsActs.Init(B, C, T, L, NH, V)
	} else {
		// activation gradients are recomputed from scratch every pass;
		// parameter gradients keep accumulating until ZeroGradient
		for i := range model.GradsActs.Memory {
			model.GradsActs.Memory[i] = 0.0
		}
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs
	// the loss gradient is spread uniformly over counted targets
	if model.LossCounted == 0 {
		return nil
	}
	scale := model.GradScale
	if scale == 0 {
		scale = 1
	}
	dlossMean := scale / float32(model.LossCounted)
	for bt := range gradsActs.Losses.data {
		if model.Targets[bt] == ignoreIndex {
			gradsActs.Losses.data[bt] = 0
		} else {
			gradsActs.Losses.data[bt] = dlossMean
		}
	}
	crossentropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, model.Targets, B, T, V)
	matmulBackward(gradsActs.FinalNorm.data, grads.WordTokEmbed.data, nil, gradsActs.Logits.data, acts.FinalNorm.data, params.WordTokEmbed.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := gradsActs.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.FinalNormW.data, grads.FinalNormB.data, gradsActs.FinalNorm.data, residual, params.FinalNormW.data, acts.FinalNormMean.data, acts.FinalNormRstd.data, B, T, C)
	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}
		lLn1w := params.LayerNorm1W.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lLn2w := params.LayerNorm2W.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]

		dlLn1w := grads.LayerNorm1W.data[l*C:]
		dlLn1b := grads.LayerNorm1B.data[l*C:]
		dlQkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dlQkvb := grads.QueryKeyValB.data[l*3*C:]
		dlAttprojw := grads.AttProjW.data[l*C*C:]
		dlAttprojb := grads.AttProjB.data[l*C:]
		dlLn2w := grads.LayerNorm2W.data[l*C:]
		dlLn2b := grads.LayerNorm2B.data[l*C:]
		dlFcw := grads.FeedFwdW.data[l*4*C*C:]
		dlFcb := grads.FeedFwdB.data[l*4*C:]
		dlFcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dlFcprojb := grads.FeedFwdProjB.data[l*C:]

		lLn1 := acts.LayerNorm1.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionOut.data[l*B*T*C:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]

		dlLn1 := gradsActs.LayerNorm1.data[l*B*T*C:]
		dlQkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dlAtty := gradsActs.AttentionOut.data[l*B*T*C:]
		dlPreatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dlAtt := gradsActs.Attention.data[l*B*NH*T*T:]
		dlAttproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dlResidual2 := gradsActs.Residual2.data[l*B*T*C:]
		dlLn2 := gradsActs.LayerNorm2.data[l*B*T*C:]
		dlFch := gradsActs.FeedForward.data[l*B*T*4*C:]
		dlFchGelu := gradsActs.FeedForwardGelu.data[l*B*T*4*C:]
		dlFcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dlResidual3 := gradsActs.Residual3.data[l*B*T*C:]

		residualBackward(dlResidual2, dlFcproj, dlResidual3, B*T*C)
		matmulBackward(dlFchGelu, dlFcprojw, dlFcprojb, dlFcproj, lFchGelu, lFcprojw, B, T, 4*C, C)
		geluBackward(dlFch, lFch, dlFchGelu, B*T*4*C)
		matmulBackward(dlLn2, dlFcw, dlFcb, dlFch, lLn2, lFcw, B, T, C, 4*C)
		layernormBackward(dlResidual2, dlLn2w, dlLn2b, dlLn2, lResidual2, lLn2w, lLn2Mean, lLn2Rstd, B, T, C)
		residualBackward(dresidual, dlAttproj, dlResidual2, B*T*C)
		matmulBackward(dlAtty, dlAttprojw, dlAttprojb, dlAttproj, lAtty, lAttprojw, B, T, C, C)
		attentionBackward(dlQkv, dlPreatt, dlAtt, dlAtty, lQkv, lAtt, B, T, C, NH)
		matmulBackward(dlLn1, dlQkvw, dlQkvb, dlQkv, lLn1, lQkvw, B, T, C, 3*C)
		layernormBackward(dresidual, dlLn1w, dlLn1b, dlLn1, residual, lLn1w, lLn1Mean, lLn1Rstd, B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

// GradNorm returns the L2 norm of all accumulated gradients.
func (model *Model) GradNorm() float32 {
	var sum float64
	for _, g := range model.Grads.Memory {
		sum += float64(g) * float64(g)
	}
	return float32(math.Sqrt(sum))
}

// ClipGradients scales gradients so their global norm does not exceed maxNorm.
func (model *Model) ClipGradients(maxNorm float32) {
	if maxNorm <= 0 {
		return
	}
	norm := model.GradNorm()
	if norm <= maxNorm {
		return
	}
	scale := maxNorm / norm
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] *= scale
	}
}

// Update applies one AdamW step. t is 1-based.
func (model *Model) Update(learningRate, beta1, beta2, eps, weightDecay float32, t int) {
	if model.MMemory == nil {
		model.MMemory = make([]float32, model.Params.Len())
		model.VMemory = make([]float32, model.Params.Len())
	}
	for i := 0; i < model.Params.Len(); i++ {
		parameter := model.Params.Memory[i]
		gradient := model.Grads.Memory[i]
		m := beta1*model.MMemory[i] + (1.0-beta1)*gradient
		v := beta2*model.VMemory[i] + (1.0-beta2)*gradient*gradient
		mHat := m / (1.0 - pow32(beta1, float32(t)))
		vHat := v / (1.0 - pow32(beta2, float32(t)))
		model.MMemory[i] = m
		model.VMemory[i] = v
		model.Params.Memory[i] -= learningRate * (mHat/(sqrt32(vHat)+eps) + weightDecay*parameter)
	}
}

func (model *Model) ZeroGradient() {
	for i := range model.GradsActs.Memory {
		model.GradsActs.Memory[i] = 0.0
	}
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] = 0.0
	}
}

func pow32(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }
func sqrt32(x float32) float32   { return float32(math.Sqrt(float64(x))) }
