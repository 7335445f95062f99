package features

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

const (
	// amin is the power floor before taking logarithms.
	amin = 1e-10
	// topDB limits the dynamic range of the log-mel spectrogram.
	topDB = 80.0
)

// richFeatures returns MFCC means followed by mean spectral centroid (Hz) and
// mean zero-crossing rate.
func (e *Extractor) richFeatures(x []float64, sampleRate int) ([]float64, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrExtraction, sampleRate)
	}
	if len(x) < e.nfft {
		return nil, fmt.Errorf("%w: chunk of %d samples is shorter than one %d-sample frame",
			ErrExtraction, len(x), e.nfft)
	}

	bank := e.melBank(sampleRate)
	bins := e.nfft/2 + 1
	binHz := float64(sampleRate) / float64(e.nfft)

	fft := e.ffts.Get().(*fourier.FFT)
	defer e.ffts.Put(fft)

	frames := 1 + (len(x)-e.nfft)/e.hop
	logMel := make([][]float64, frames)
	var centroidSum, zcrSum float64

	frame := make([]float64, e.nfft)
	coeffs := make([]complex128, bins)
	for f := range frames {
		seg := x[f*e.hop : f*e.hop+e.nfft]
		zcrSum += zeroCrossingRate(seg)

		floats.MulTo(frame, seg, e.window)
		coeffs = fft.Coefficients(coeffs, frame)

		var magSum, weighted float64
		power := make([]float64, bins)
		for k, c := range coeffs {
			mag := cmplx.Abs(c)
			power[k] = mag * mag
			magSum += mag
			weighted += mag * float64(k) * binHz
		}
		if magSum > 0 {
			centroidSum += weighted / magSum
		}

		mel := make([]float64, len(bank))
		for m, filter := range bank {
			mel[m] = 10 * math.Log10(math.Max(amin, floats.Dot(filter, power)))
		}
		logMel[f] = mel
	}

	// Clamp to topDB below the global peak, then average each band over time.
	peak := math.Inf(-1)
	for _, mel := range logMel {
		peak = math.Max(peak, floats.Max(mel))
	}
	floor := peak - topDB
	meanMel := make([]float64, len(bank))
	for _, mel := range logMel {
		for m, v := range mel {
			meanMel[m] += math.Max(v, floor)
		}
	}
	floats.Scale(1/float64(frames), meanMel)

	// The DCT is linear, so the time-mean of per-frame MFCCs equals the DCT
	// of the time-mean log-mel spectrum.
	out := make([]float64, 0, e.mfccCount+2)
	for _, row := range e.dct {
		out = append(out, floats.Dot(row, meanMel))
	}
	out = append(out, centroidSum/float64(frames), zcrSum/float64(frames))
	return out, nil
}

// melBank returns the cached filterbank for sampleRate, building it on first
// use.
func (e *Extractor) melBank(sampleRate int) [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.banks[sampleRate]; ok {
		return b
	}
	b := melFilterbank(sampleRate, e.nfft, e.melBands)
	e.banks[sampleRate] = b
	return b
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSP      = 200.0 / 3
	melMinLogHz = 1000.0
	melMinLog   = melMinLogHz / melFSP
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz < melMinLogHz {
		return hz / melFSP
	}
	return melMinLog + math.Log(hz/melMinLogHz)/melLogStep
}

func melToHz(mel float64) float64 {
	if mel < melMinLog {
		return mel * melFSP
	}
	return melMinLogHz * math.Exp(melLogStep*(mel-melMinLog))
}

// melFilterbank builds nMels area-normalised triangular filters spanning
// 0 Hz to Nyquist over the nfft/2+1 power bins.
func melFilterbank(sampleRate, nfft, nMels int) [][]float64 {
	bins := nfft/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)

	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(maxMel * float64(i) / float64(nMels+1))
	}

	bank := make([][]float64, nMels)
	for m := range nMels {
		lo, mid, hi := edges[m], edges[m+1], edges[m+2]
		norm := 2 / (hi - lo)
		filter := make([]float64, bins)
		for k := range bins {
			f := float64(k) * float64(sampleRate) / float64(nfft)
			w := math.Min((f-lo)/(mid-lo), (hi-f)/(hi-mid))
			if w > 0 {
				filter[k] = w * norm
			}
		}
		bank[m] = filter
	}
	return bank
}

// dctMatrix returns the first n rows of the orthonormal DCT-II matrix of size
// width.
func dctMatrix(n, width int) [][]float64 {
	rows := make([][]float64, n)
	for k := range n {
		scale := math.Sqrt(2 / float64(width))
		if k == 0 {
			scale = math.Sqrt(1 / float64(width))
		}
		row := make([]float64, width)
		for i := range width {
			row[i] = scale * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(width)))
		}
		rows[k] = row
	}
	return rows
}

// zeroCrossingRate returns the fraction of adjacent sample pairs in x whose
// signs differ. Zero counts as positive.
func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i] < 0) != (x[i-1] < 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x))
}
