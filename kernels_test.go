package autocrit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

// matmulForwardNaive is the reference triple loop the sgemm path must match.
func matmulForwardNaive(out, inp, weight, bias []float32, B, T, C, OC int) {
	for bt := 0; bt < B*T; bt++ {
		for o := 0; o < OC; o++ {
			var val float32
			if bias != nil {
				val = bias[o]
			}
			for i := 0; i < C; i++ {
				val += inp[bt*C+i] * weight[o*C+i]
			}
			out[bt*OC+o] = val
		}
	}
}

func matmulBackwardNaive(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	for bt := 0; bt < B*T; bt++ {
		for o := 0; o < OC; o++ {
			d := dout[bt*OC+o]
			if dinp != nil {
				for i := 0; i < C; i++ {
					dinp[bt*C+i] += weight[o*C+i] * d
				}
			}
			for i := 0; i < C; i++ {
				dweight[o*C+i] += inp[bt*C+i] * d
			}
			if dbias != nil {
				dbias[o] += d
			}
		}
	}
}

func TestMatmulForward(t *testing.T) {
	const (
		B  = 2
		T  = 3
		C  = 4
		OC = 5
	)
	rng := rand.New(rand.NewSource(42))
	inp := randSlice(rng, B*T*C)
	weight := randSlice(rng, OC*C)
	bias := randSlice(rng, OC)

	t.Run("with bias", func(t *testing.T) {
		got := make([]float32, B*T*OC)
		want := make([]float32, B*T*OC)
		matmulForward(got, inp, weight, bias, B, T, C, OC)
		matmulForwardNaive(want, inp, weight, bias, B, T, C, OC)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-4)
		}
	})

	t.Run("nil bias", func(t *testing.T) {
		got := make([]float32, B*T*OC)
		want := make([]float32, B*T*OC)
		matmulForward(got, inp, weight, nil, B, T, C, OC)
		matmulForwardNaive(want, inp, weight, nil, B, T, C, OC)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-4)
		}
	})
}

func TestMatmulBackward(t *testing.T) {
	const (
		B  = 2
		T  = 3
		C  = 4
		OC = 5
	)
	rng := rand.New(rand.NewSource(7))
	inp := randSlice(rng, B*T*C)
	weight := randSlice(rng, OC*C)
	dout := randSlice(rng, B*T*OC)

	// gradients accumulate on top of whatever is already there
	dinp := randSlice(rng, B*T*C)
	dweight := randSlice(rng, OC*C)
	dbias := randSlice(rng, OC)
	wantDinp := append([]float32(nil), dinp...)
	wantDweight := append([]float32(nil), dweight...)
	wantDbias := append([]float32(nil), dbias...)

	matmulBackward(dinp, dweight, dbias, dout, inp, weight, B, T, C, OC)
	matmulBackwardNaive(wantDinp, wantDweight, wantDbias, dout, inp, weight, B, T, C, OC)

	for i := range wantDinp {
		assert.InDelta(t, wantDinp[i], dinp[i], 1e-4)
	}
	for i := range wantDweight {
		assert.InDelta(t, wantDweight[i], dweight[i], 1e-4)
	}
	for i := range wantDbias {
		assert.InDelta(t, wantDbias[i], dbias[i], 1e-4)
	}
}

func TestEncoderForward(t *testing.T) {
	const (
		B = 1
		T = 2
		C = 3
	)
	wte := []float32{
		1, 2, 3,
		10, 20, 30,
	}
	wpe := []float32{
		0.1, 0.2, 0.3,
		0.4, 0.5, 0.6,
	}
	inp := []int32{1, 0}
	out := make([]float32, B*T*C)
	encoderForward(out, inp, wte, wpe, B, T, C)
	want := []float32{10.1, 20.2, 30.3, 1.4, 2.5, 3.6}
	for i := range want {
		assert.InDelta(t, want[i], out[i], 1e-6)
	}
}

func TestEncoderBackward(t *testing.T) {
	const (
		B = 1
		T = 2
		C = 2
	)
	inp := []int32{1, 1}
	dout := []float32{1, 2, 3, 4}
	dwte := make([]float32, 2*C)
	dwpe := make([]float32, T*C)
	encoderBackward(dwte, dwpe, dout, inp, B, T, C)
	// both positions hit token 1, so its gradient is the sum
	assert.Equal(t, []float32{0, 0, 4, 6}, dwte)
	assert.Equal(t, []float32{1, 2, 3, 4}, dwpe)
}

func TestLayernormForward(t *testing.T) {
	const (
		B = 1
		T = 2
		C = 4
	)
	rng := rand.New(rand.NewSource(3))
	inp := randSlice(rng, B*T*C)
	weight := []float32{1, 1, 1, 1}
	bias := []float32{0, 0, 0, 0}
	out := make([]float32, B*T*C)
	mean := make([]float32, B*T)
	rstd := make([]float32, B*T)
	layernormForward(out, mean, rstd, inp, weight, bias, B, T, C)

	// with unit weight and zero bias every row is normalized
	for bt := 0; bt < B*T; bt++ {
		var m float64
		for i := 0; i < C; i++ {
			m += float64(out[bt*C+i])
		}
		assert.InDelta(t, 0, m/C, 1e-5, "row %d mean", bt)
		var v float64
		for i := 0; i < C; i++ {
			v += float64(out[bt*C+i]) * float64(out[bt*C+i])
		}
		assert.InDelta(t, 1, v/C, 1e-3, "row %d variance", bt)
	}
}

func TestGeluForward(t *testing.T) {
	inp := []float32{-2, -1, 0, 1, 2}
	out := make([]float32, len(inp))
	geluForward(out, inp, len(inp))
	assert.InDelta(t, 0, out[2], 1e-7)
	assert.InDelta(t, 0.8412, out[3], 1e-3)
	assert.InDelta(t, -0.0454, out[0], 1e-3)
	// gelu(x) + gelu(-x) = x
	assert.InDelta(t, 1.0, out[3]+out[1], 1e-5)
	assert.InDelta(t, 2.0, out[4]+out[0], 1e-5)
}

func TestGeluBackwardFiniteDifference(t *testing.T) {
	inp := []float32{-1.5, -0.5, 0, 0.5, 1.5}
	dout := []float32{1, 1, 1, 1, 1}
	dinp := make([]float32, len(inp))
	geluBackward(dinp, inp, dout, len(inp))

	const h = 1e-3
	for i, x := range inp {
		lo := []float32{x - h}
		hi := []float32{x + h}
		outLo := make([]float32, 1)
		outHi := make([]float32, 1)
		geluForward(outLo, lo, 1)
		geluForward(outHi, hi, 1)
		numeric := (outHi[0] - outLo[0]) / (2 * h)
		assert.InDelta(t, numeric, dinp[i], 1e-2, "x=%v", x)
	}
}

func TestResidual(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{10, 20, 30}
	out := make([]float32, 3)
	residualForward(out, a, b, 3)
	assert.Equal(t, []float32{11, 22, 33}, out)

	da := make([]float32, 3)
	db := []float32{1, 1, 1}
	residualBackward(da, db, []float32{5, 6, 7}, 3)
	assert.Equal(t, []float32{5, 6, 7}, da)
	assert.Equal(t, []float32{6, 7, 8}, db)
}

func TestSoftmaxForward(t *testing.T) {
	const (
		B = 2
		T = 3
		V = 5
	)
	rng := rand.New(rand.NewSource(11))
	logits := randSlice(rng, B*T*V)
	probs := make([]float32, B*T*V)
	softmaxForward(probs, logits, B, T, V)

	for bt := 0; bt < B*T; bt++ {
		var sum float64
		for i := 0; i < V; i++ {
			p := probs[bt*V+i]
			assert.GreaterOrEqual(t, p, float32(0))
			sum += float64(p)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", bt)
	}

	// the argmax of the logits survives the softmax
	bestLogit, bestProb := 0, 0
	for i := 1; i < V; i++ {
		if logits[i] > logits[bestLogit] {
			bestLogit = i
		}
		if probs[i] > probs[bestProb] {
			bestProb = i
		}
	}
	assert.Equal(t, bestLogit, bestProb)
}

func TestCrossEntropyForward(t *testing.T) {
	const (
		B = 1
		T = 4
		V = 3
	)
	probs := []float32{
		0.5, 0.25, 0.25,
		0.1, 0.8, 0.1,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
		0.2, 0.3, 0.5,
	}
	targets := []int32{0, 1, ignoreIndex, 2}
	losses := make([]float32, B*T)
	counted := crossEntropyForward(losses, probs, targets, B, T, V)

	assert.Equal(t, 3, counted)
	assert.InDelta(t, -math.Log(0.5), float64(losses[0]), 1e-6)
	assert.InDelta(t, -math.Log(0.8), float64(losses[1]), 1e-6)
	assert.Zero(t, losses[2])
	assert.InDelta(t, -math.Log(0.5), float64(losses[3]), 1e-6)
}

func TestCrossentropySoftmaxBackward(t *testing.T) {
	const (
		B = 1
		T = 2
		V = 3
	)
	probs := []float32{
		0.5, 0.3, 0.2,
		0.1, 0.6, 0.3,
	}
	targets := []int32{1, ignoreIndex}
	dlosses := []float32{1, 1}
	dlogits := make([]float32, B*T*V)
	crossentropySoftmaxBackward(dlogits, dlosses, probs, targets, B, T, V)

	// first row: probs minus one-hot target
	assert.InDelta(t, 0.5, dlogits[0], 1e-6)
	assert.InDelta(t, -0.7, dlogits[1], 1e-6)
	assert.InDelta(t, 0.2, dlogits[2], 1e-6)
	// ignored row contributes nothing
	assert.Equal(t, []float32{0, 0, 0}, dlogits[V:])
}

func TestAttentionForwardCausal(t *testing.T) {
	const (
		B  = 1
		T  = 4
		C  = 4
		NH = 2
	)
	rng := rand.New(rand.NewSource(5))
	inp := randSlice(rng, B*T*3*C)
	out := make([]float32, B*T*C)
	preatt := make([]float32, B*NH*T*T)
	att := make([]float32, B*NH*T*T)
	attentionForward(out, preatt, att, inp, B, T, C, NH)

	for h := 0; h < NH; h++ {
		for t1 := 0; t1 < T; t1++ {
			row := att[h*T*T+t1*T:]
			var sum float64
			for t2 := 0; t2 < T; t2++ {
				if t2 > t1 {
					// no attention to future positions
					assert.Zero(t, row[t2], "h=%d t=%d t2=%d", h, t1, t2)
				} else {
					sum += float64(row[t2])
				}
			}
			assert.InDelta(t, 1.0, sum, 1e-5, "h=%d t=%d", h, t1)
		}
	}
}

func TestAttentionBackwardFiniteDifference(t *testing.T) {
	const (
		B  = 1
		T  = 3
		C  = 2
		NH = 1
	)
	rng := rand.New(rand.NewSource(9))
	inp := randSlice(rng, B*T*3*C)
	dout := randSlice(rng, B*T*C)

	forward := func(x []float32) float64 {
		out := make([]float32, B*T*C)
		preatt := make([]float32, B*NH*T*T)
		att := make([]float32, B*NH*T*T)
		attentionForward(out, preatt, att, x, B, T, C, NH)
		var loss float64
		for i := range out {
			loss += float64(out[i]) * float64(dout[i])
		}
		return loss
	}

	out := make([]float32, B*T*C)
	preatt := make([]float32, B*NH*T*T)
	att := make([]float32, B*NH*T*T)
	attentionForward(out, preatt, att, inp, B, T, C, NH)

	dinp := make([]float32, len(inp))
	dpreatt := make([]float32, len(preatt))
	datt := make([]float32, len(att))
	attentionBackward(dinp, dpreatt, datt, dout, inp, att, B, T, C, NH)

	const h = 1e-2
	for i := range inp {
		bumped := append([]float32(nil), inp...)
		bumped[i] += h
		up := forward(bumped)
		bumped[i] -= 2 * h
		down := forward(bumped)
		numeric := (up - down) / (2 * h)
		assert.InDelta(t, numeric, float64(dinp[i]), 5e-2, "input %d", i)
	}
}

func TestLayernormBackwardFiniteDifference(t *testing.T) {
	const (
		B = 1
		T = 2
		C = 3
	)
	rng := rand.New(rand.NewSource(13))
	inp := randSlice(rng, B*T*C)
	weight := randSlice(rng, C)
	bias := randSlice(rng, C)
	dout := randSlice(rng, B*T*C)

	forward := func(x []float32) float64 {
		out := make([]float32, B*T*C)
		mean := make([]float32, B*T)
		rstd := make([]float32, B*T)
		layernormForward(out, mean, rstd, x, weight, bias, B, T, C)
		var loss float64
		for i := range out {
			loss += float64(out[i]) * float64(dout[i])
		}
		return loss
	}

	out := make([]float32, B*T*C)
	mean := make([]float32, B*T)
	rstd := make([]float32, B*T)
	layernormForward(out, mean, rstd, inp, weight, bias, B, T, C)

	dinp := make([]float32, B*T*C)
	dweight := make([]float32, C)
	dbias := make([]float32, C)
	layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd, B, T, C)

	const h = 1e-2
	for i := range inp {
		bumped := append([]float32(nil), inp...)
		bumped[i] += h
		up := forward(bumped)
		bumped[i] -= 2 * h
		down := forward(bumped)
		numeric := (up - down) / (2 * h)
		assert.InDelta(t, numeric, float64(dinp[i]), 5e-2, "input %d", i)
	}
}
