package autocrit

import (
	"math"
	"sort"
)

// sampleMult draws from a categorical distribution given a uniform coin in
// [0, 1).
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

// sampleLogits applies temperature and optional top-k filtering to a row of
// probabilities before multinomial sampling. temperature <= 0 means greedy.
func sampleLogits(probs []float32, temperature float32, topK int, coin float32) int {
	if temperature <= 0 {
		best, bestP := 0, float32(-1)
		for i, p := range probs {
			if p > bestP {
				best, bestP = i, p
			}
		}
		return best
	}
	adjusted := make([]float32, len(probs))
	var sum float64
	for i, p := range probs {
		a := float32(math.Pow(float64(p), float64(1/temperature)))
		adjusted[i] = a
		sum += float64(a)
	}
	if topK > 0 && topK < len(adjusted) {
		idx := make([]int, len(adjusted))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return adjusted[idx[a]] > adjusted[idx[b]] })
		sum = 0
		for rank, i := range idx {
			if rank >= topK {
				adjusted[i] = 0
				continue
			}
			sum += float64(adjusted[i])
		}
	}
	if sum == 0 {
		return sampleMult(probs, coin)
	}
	for i := range adjusted {
		adjusted[i] = float32(float64(adjusted[i]) / sum)
	}
	return sampleMult(adjusted, coin)
}
