package dsp

import (
	"fmt"
	"math"
)

// windowEpsilon guards the window renormalisation against division by the
// near-zero tails of the Hann window.
const windowEpsilon = 1e-6

// Denoiser performs spectral subtraction against a calibrated noise
// magnitude spectrum. A Denoiser is not safe for concurrent use.
//
// Reconstruction divides each block by its analysis window instead of
// overlap-adding neighbouring blocks. This leaves edge artifacts where the
// window approaches zero and is kept intentionally.
type Denoiser struct {
	fftSize int
	bias    float32
	noise   []float32
	window  []float32
}

// NewDenoiser returns a Denoiser for blocks of fftSize samples. noise must
// hold fftSize/2+1 magnitudes; bias scales the noise estimate before
// subtraction.
func NewDenoiser(fftSize int, bias float32, noise []float32) (*Denoiser, error) {
	if !IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, fftSize)
	}
	if len(noise) == 0 {
		return nil, fmt.Errorf("dsp: denoiser requires a noise spectrum")
	}
	return &Denoiser{
		fftSize: fftSize,
		bias:    bias,
		noise:   noise,
		window:  Hann(fftSize),
	}, nil
}

// FFTSize returns the block length.
func (d *Denoiser) FFTSize() int { return d.fftSize }

// ProcessBlock denoises a single block. The input is zero-padded or
// truncated to the FFT size and the result always has FFT size samples.
func (d *Denoiser) ProcessBlock(frame []float32) ([]float32, error) {
	n := d.fftSize
	windowed := make([]float32, n)
	for i := range min(len(frame), n) {
		windowed[i] = frame[i] * d.window[i]
	}

	spec, err := RealFFT(windowed)
	if err != nil {
		return nil, err
	}

	half := n/2 + 1
	nlen := min(len(d.noise), half)
	for k := range half {
		mag := abs(spec[k])
		phase := math.Atan2(float64(imag(spec[k])), float64(real(spec[k])))
		if k < nlen {
			mag = max(0, mag-d.noise[k]*d.bias)
		}
		spec[k] = complex(
			mag*float32(math.Cos(phase)),
			mag*float32(math.Sin(phase)),
		)
	}
	// Mirror-conjugate above Nyquist so the inverse is real.
	for k := half; k < n; k++ {
		spec[k] = conj(spec[n-k])
	}

	out, err := InverseRealFFT(spec)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if w := d.window[i]; w > windowEpsilon || w < -windowEpsilon {
			out[i] /= w
		}
	}
	return out, nil
}

// Process denoises samples of arbitrary length by running [Denoiser.ProcessBlock]
// over consecutive non-overlapping blocks. The final partial block is
// zero-padded and the output is trimmed back to len(samples).
func (d *Denoiser) Process(samples []float32) ([]float32, error) {
	out := make([]float32, 0, len(samples)+d.fftSize)
	for start := 0; start < len(samples); start += d.fftSize {
		end := min(start+d.fftSize, len(samples))
		block, err := d.ProcessBlock(samples[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out[:len(samples)], nil
}
