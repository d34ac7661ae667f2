package autocrit

import (
	"encoding/binary"
	"io"

	"github.com/x448/float16"
)

// tensor is a view over a shared flat arena. Keeping every parameter and
// activation in one backing slice lets the optimizer and the checkpoint
// writer treat the whole model as a single contiguous buffer.
type tensor struct {
	data []float32
	dims []int
}

func (t tensor) Data() []float32 { return t.data }

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// arena hands out consecutive tensor views over one allocation.
type arena struct {
	memory []float32
	offset int
}

func newArena(n int) *arena {
	return &arena{memory: make([]float32, n)}
}

func (a *arena) next(dims ...int) tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if a.offset+n > len(a.memory) {
		panic("tensor arena overflow")
	}
	t := tensor{data: a.memory[a.offset : a.offset+n], dims: dims}
	a.offset += n
	return t
}

func (a *arena) full() bool { return a.offset == len(a.memory) }

// ParameterTensors are the weights of the model.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C)
	WordPosEmbed  tensor // (maxT, C)
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3C, C)
	QueryKeyValB  tensor // (L, 3C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	LayerNorm2W   tensor // (L, C)
	LayerNorm2B   tensor // (L, C)
	FeedFwdW      tensor // (L, 4C, C)
	FeedFwdB      tensor // (L, 4C)
	FeedFwdProjW  tensor // (L, C, 4C)
	FeedFwdProjB  tensor // (L, C)
	FinalNormW    tensor // (C)
	FinalNormB    tensor // (C)
}

func parameterCount(V, C, maxSeqLen, L int) int {
	return V*C + maxSeqLen*C +
		L*(C+C+3*C*C+3*C+C*C+C+C+C+4*C*C+4*C+C*4*C+C) +
		C + C
}

// Init lays the parameter views out over a fresh arena.
func (p *ParameterTensors) Init(V, C, maxSeqLen, L int) {
	a := newArena(parameterCount(V, C, maxSeqLen, L))
	p.Memory = a.memory
	p.WordTokEmbed = a.next(V, C)
	p.WordPosEmbed = a.next(maxSeqLen, C)
	p.LayerNorm1W = a.next(L, C)
	p.LayerNorm1B = a.next(L, C)
	p.QueryKeyValW = a.next(L, 3*C, C)
	p.QueryKeyValB = a.next(L, 3*C)
	p.AttProjW = a.next(L, C, C)
	p.AttProjB = a.next(L, C)
	p.LayerNorm2W = a.next(L, C)
	p.LayerNorm2B = a.next(L, C)
	p.FeedFwdW = a.next(L, 4*C, C)
	p.FeedFwdB = a.next(L, 4*C)
	p.FeedFwdProjW = a.next(L, C, 4*C)
	p.FeedFwdProjB = a.next(L, C)
	p.FinalNormW = a.next(C)
	p.FinalNormB = a.next(C)
	if !a.full() {
		panic("parameter layout does not cover its arena")
	}
}

func (p *ParameterTensors) Len() int { return len(p.Memory) }

// ActivationTensors hold the forward-pass intermediates for one (B, T) shape.
type ActivationTensors struct {
	Memory          []float32
	Encoded         tensor // (B, T, C)
	LayerNorm1      tensor // (L, B, T, C)
	LayerNorm1Mean  tensor // (L, B, T)
	LayerNorm1Rstd  tensor // (L, B, T)
	QueryKeyVal     tensor // (L, B, T, 3C)
	AttentionOut    tensor // (L, B, T, C)
	PreAttention    tensor // (L, B, NH, T, T)
	Attention       tensor // (L, B, NH, T, T)
	AttentionProj   tensor // (L, B, T, C)
	Residual2       tensor // (L, B, T, C)
	LayerNorm2      tensor // (L, B, T, C)
	LayerNorm2Mean  tensor // (L, B, T)
	LayerNorm2Rstd  tensor // (L, B, T)
	FeedForward     tensor // (L, B, T, 4C)
	FeedForwardGelu tensor // (L, B, T, 4C)
	FeedForwardProj tensor // (L, B, T, C)
	Residual3       tensor // (L, B, T, C)
	FinalNorm       tensor // (B, T, C)
	FinalNormMean   tensor // (B, T)
	FinalNormRstd   tensor // (B, T)
	Logits          tensor // (B, T, V)
	Probabilities   tensor // (B, T, V)
	Losses          tensor // (B, T)
}

func activationCount(B, C, T, L, NH, V int) int {
	return B*T*C +
		L*(18*B*T*C+4*B*T+2*B*NH*T*T) +
		B*T*C + 2*B*T + 2*B*T*V + B*T
}

func (act *ActivationTensors) Init(B, C, T, L, NH, V int) {
	a := newArena(activationCount(B, C, T, L, NH, V))
	act.Memory = a.memory
	act.Encoded = a.next(B, T, C)
	act.LayerNorm1 = a.next(L, B, T, C)
	act.LayerNorm1Mean = a.next(L, B, T)
	act.LayerNorm1Rstd = a.next(L, B, T)
	act.QueryKeyVal = a.next(L, B, T, 3*C)
	act.AttentionOut = a.next(L, B, T, C)
	act.PreAttention = a.next(L, B, NH, T, T)
	act.Attention = a.next(L, B, NH, T, T)
	act.AttentionProj = a.next(L, B, T, C)
	act.Residual2 = a.next(L, B, T, C)
	act.LayerNorm2 = a.next(L, B, T, C)
	act.LayerNorm2Mean = a.next(L, B, T)
	act.LayerNorm2Rstd = a.next(L, B, T)
	act.FeedForward = a.next(L, B, T, 4*C)
	act.FeedForwardGelu = a.next(L, B, T, 4*C)
	act.FeedForwardProj = a.next(L, B, T, C)
	act.Residual3 = a.next(L, B, T, C)
	act.FinalNorm = a.next(B, T, C)
	act.FinalNormMean = a.next(B, T)
	act.FinalNormRstd = a.next(B, T)
	act.Logits = a.next(B, T, V)
	act.Probabilities = a.next(B, T, V)
	act.Losses = a.next(B, T)
	if !a.full() {
		panic("activation layout does not cover its arena")
	}
}

// writeFloat16 streams values as IEEE 754 half precision, the encoding used
// for fp16 weight snapshots.
func writeFloat16(w io.Writer, values []float32) error {
	buf := make([]uint16, len(values))
	for i, v := range values {
		buf[i] = float16.Fromfloat32(v).Bits()
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

// readFloat16 reads a half-precision stream back into float32 values.
func readFloat16(r io.Reader, values []float32) error {
	buf := make([]uint16, len(values))
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return err
	}
	for i, bits := range buf {
		values[i] = float16.Frombits(bits).Float32()
	}
	return nil
}
