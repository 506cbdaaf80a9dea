package dsp

import "math"

// Hann returns the n-point symmetric Hann window
// w[i] = 0.5 * (1 - cos(2*pi*i / (n-1))).
func Hann(n int) []float32 {
	w := make([]float32, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = float32(0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1))))
	}
	return w
}

// MagnitudeSpectrum applies a Hann window to frame, transforms it and
// returns the magnitudes of bins 0..N/2.
func MagnitudeSpectrum(frame []float32) ([]float32, error) {
	n := len(frame)
	w := Hann(n)
	windowed := make([]float32, n)
	for i := range frame {
		windowed[i] = frame[i] * w[i]
	}
	spec, err := RealFFT(windowed)
	if err != nil {
		return nil, err
	}
	mag := make([]float32, n/2+1)
	for k := range mag {
		mag[k] = abs(spec[k])
	}
	return mag, nil
}

// AverageNoiseSpectrum frames samples with a hop of window/2, computes the
// magnitude spectrum of each frame and returns the per-bin mean. It returns
// nil when samples holds less than one full window.
func AverageNoiseSpectrum(samples []float32, window int) ([]float32, error) {
	if !IsPowerOfTwo(window) {
		return nil, ErrNotPowerOfTwo
	}
	if len(samples) < window {
		return nil, nil
	}
	hop := window / 2
	avg := make([]float32, window/2+1)
	count := 0
	for i := 0; i+window <= len(samples); i += hop {
		mag, err := MagnitudeSpectrum(samples[i : i+window])
		if err != nil {
			return nil, err
		}
		for k, m := range mag {
			avg[k] += m
		}
		count++
	}
	for k := range avg {
		avg[k] /= float32(count)
	}
	return avg, nil
}

func abs(v complex64) float32 {
	re, im := float64(real(v)), float64(imag(v))
	return float32(math.Sqrt(re*re + im*im))
}
