package vad

import "math"

// BucketLevel returns a coarse loudness estimate in [0, +inf) for pcm.
// pcm is cut into blocks of blockSize samples; each block gets a Hann window
// and a short DFT, and the magnitudes of bins lo..hi are averaged. The result
// is scaled so a full-scale sine centred on one bin reads about 1/bins.
func BucketLevel(pcm []int16, blockSize, lo, hi int) float64 {
	if blockSize <= 0 || len(pcm) < blockSize || lo < 0 || hi < lo || hi >= blockSize/2 {
		return 0
	}
	win := hann(blockSize)
	blocks := len(pcm) / blockSize
	var total float64
	for b := 0; b < blocks; b++ {
		block := pcm[b*blockSize : (b+1)*blockSize]
		var sum float64
		for k := lo; k <= hi; k++ {
			sum += binMagnitude(block, win, k)
		}
		total += sum / float64(hi-lo+1)
	}
	mean := total / float64(blocks)
	// Hann halves the peak; |X_k| = A*N/4 for amplitude A on bin k
	return mean * 4 / float64(blockSize) / 32768
}

func binMagnitude(block []int16, win []float64, k int) float64 {
	n := len(block)
	var re, im float64
	for i, s := range block {
		x := float64(s) * win[i]
		angle := 2 * math.Pi * float64(k) * float64(i) / float64(n)
		re += x * math.Cos(angle)
		im -= x * math.Sin(angle)
	}
	return math.Hypot(re, im)
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}
