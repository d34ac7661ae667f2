package autocrit

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ignoreIndex marks label positions excluded from the loss, matching the
// conventional -100 used by fine-tuning datasets.
const ignoreIndex int32 = -100

// encoderForward combines word token embeddings with position embeddings so
// each (b, t) vector carries both identity and position.
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			wteRow := wte[int(inp[b*T+t])*C:]
			wpeRow := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = wteRow[i] + wpeRow[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dwteRow := dwte[int(inp[b*T+t])*C:]
			dwpeRow := dwpe[t*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwteRow[i] += d
				dwpeRow[i] += d
			}
		}
	}
}

// matmulForward computes out = inp · weightᵀ + bias over the flattened
// (B·T, C) activation matrix. The triple loop of the reference implementation
// is lowered to a single sgemm.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	a := blas32.General{Rows: B * T, Cols: C, Stride: C, Data: inp}
	w := blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight}
	c := blas32.General{Rows: B * T, Cols: OC, Stride: OC, Data: out}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, w, 0, c)
	if bias == nil {
		return
	}
	for bt := 0; bt < B*T; bt++ {
		outRow := out[bt*OC:]
		for o := 0; o < OC; o++ {
			outRow[o] += bias[o]
		}
	}
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	// dinp += dout · weight
	if dinp != nil {
		d := blas32.General{Rows: B * T, Cols: OC, Stride: OC, Data: dout}
		w := blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight}
		di := blas32.General{Rows: B * T, Cols: C, Stride: C, Data: dinp}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, d, w, 1, di)
	}
	// dweight += doutᵀ · inp
	d := blas32.General{Rows: B * T, Cols: OC, Stride: OC, Data: dout}
	a := blas32.General{Rows: B * T, Cols: C, Stride: C, Data: inp}
	dw := blas32.General{Rows: OC, Cols: C, Stride: C, Data: dweight}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, d, a, 1, dw)
	if dbias == nil {
		return
	}
	for bt := 0; bt < B*T; bt++ {
		doutRow := dout[bt*OC:]
		for o := 0; o < OC; o++ {
			dbias[o] += doutRow[o]
		}
	}
}

// attentionForward runs causal multi-head attention. Work is sharded per
// (batch, head) pair; shards touch disjoint slices so no locking is needed.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			b, h := b, h
			g.Go(func() error {
				for t := 0; t < T; t++ {
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					// query · key over the causal window, tracking the max
					// for a numerically stable softmax
					maxval := -10000.0
					for t2 := 0; t2 <= t; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}
					expsum := 0.0
					for t2 := 0; t2 <= t; t2++ {
						expv := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					expsumInv := 0.0
					if expsum != 0.0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= float32(expsumInv)
						} else {
							attBTH[t2] = 0.0
						}
					}
					// accumulate attention-weighted values
					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0.0
					}
					for t2 := 0; t2 <= t; t2++ {
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}
				return nil
			})
		}
	}
	g.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			b, h := b, h
			g.Go(func() error {
				for t := 0; t < T; t++ {
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
					dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
					queryT := inp[b*T*C3+t*C3+h*hs:]
					dqueryT := dinp[b*T*C3+t*C3+h*hs:]
					doutBTH := dout[b*T*C+t*C+h*hs:]
					// value accumulation
					for t2 := 0; t2 <= t; t2++ {
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
						for i := 0; i < hs; i++ {
							dattBTH[t2] += valueT2[i] * doutBTH[i]
							dvalueT2[i] += attBTH[t2] * doutBTH[i]
						}
					}
					// softmax backward
					for t2 := 0; t2 <= t; t2++ {
						for t3 := 0; t3 <= t; t3++ {
							indicator := float32(0.0)
							if t2 == t3 {
								indicator = 1.0
							}
							localDerivative := attBTH[t2] * (indicator - attBTH[t3])
							dpreattBTH[t3] += localDerivative * dattBTH[t2]
						}
					}
					// query · key backward
					for t2 := 0; t2 <= t; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
						for i := 0; i < hs; i++ {
							dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
							dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
						}
					}
				}
				return nil
			})
		}
	}
	g.Wait()
}

func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for bt := 0; bt < B*T; bt++ {
		x := inp[bt*C:]
		var m float64
		for i := 0; i < C; i++ {
			m += float64(x[i])
		}
		m /= float64(C)
		var v float64
		for i := 0; i < C; i++ {
			xshift := float64(x[i]) - m
			v += xshift * xshift
		}
		v /= float64(C)
		s := 1.0 / math.Sqrt(v+eps)
		outBT := out[bt*C:]
		for i := 0; i < C; i++ {
			n := s * (float64(x[i]) - m)
			outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
		}
		mean[bt] = float32(m)
		rstd[bt] = float32(s)
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for bt := 0; bt < B*T; bt++ {
		doutBT := dout[bt*C : bt*C+C]
		inpBT := inp[bt*C : bt*C+C]
		dinpBT := dinp[bt*C : bt*C+C]
		meanBT := mean[bt]
		rstdBT := rstd[bt]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			normBTI := (inpBT[i] - meanBT) * rstdBT
			dnormI := weight[i] * doutBT[i]
			dnormMean += dnormI
			dnormNormMean += dnormI * normBTI
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			normBTI := (inpBT[i] - meanBT) * rstdBT
			dnormI := weight[i] * doutBT[i]
			dbias[i] += doutBT[i]
			dweight[i] += normBTI * doutBT[i]
			dinpBT[i] += (dnormI - dnormMean - normBTI*dnormNormMean) * rstdBT
		}
	}
}

var geluScale = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScale*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := geluScale * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshOut := math.Cosh(tanhArg)
		sechOut := 1.0 / (coshOut * coshOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// softmaxForward normalizes logits to probabilities row by row. Rows are
// independent, so they are sharded across the group.
func softmaxForward(probs, logits []float32, B, T, V int) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	rows := B * T
	shard := (rows + runtime.GOMAXPROCS(0) - 1) / runtime.GOMAXPROCS(0)
	if shard < 1 {
		shard = 1
	}
	for start := 0; start < rows; start += shard {
		start := start
		end := start + shard
		if end > rows {
			end = rows
		}
		g.Go(func() error {
			for bt := start; bt < end; bt++ {
				logitsBT := logits[bt*V : bt*V+V]
				probsBT := probs[bt*V : bt*V+V]
				maxval := float32(-10000.0)
				for i := 0; i < V; i++ {
					if logitsBT[i] > maxval {
						maxval = logitsBT[i]
					}
				}
				sum := 0.0
				for i := 0; i < V; i++ {
					probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
					sum += float64(probsBT[i])
				}
				for i := 0; i < V; i++ {
					probsBT[i] /= float32(sum)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// crossEntropyForward fills per-token losses and returns the number of
// positions that count toward the loss. Targets equal to ignoreIndex
// contribute nothing.
func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) int {
	counted := 0
	for bt := 0; bt < B*T; bt++ {
		ix := targets[bt]
		if ix == ignoreIndex {
			losses[bt] = 0
			continue
		}
		prob := probs[bt*V+int(ix)]
		losses[bt] = float32(-math.Log(float64(prob)))
		counted++
	}
	return counted
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		ix := targets[bt]
		if ix == ignoreIndex {
			continue
		}
		dlogitsBT := dlogits[bt*V : bt*V+V]
		probsBT := probs[bt*V : bt*V+V]
		dloss := dlosses[bt]
		for i := 0; i < V; i++ {
			var indicator float32
			if int32(i) == ix {
				indicator = 1.0
			}
			dlogitsBT[i] += (probsBT[i] - indicator) * dloss
		}
	}
}
