// Package dsp implements the signal processing used ahead of transcription:
// a radix-2 FFT, Hann windowing, ambient noise calibration and spectral
// subtraction denoising.
//
// All arithmetic is single precision.
package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// ErrNotPowerOfTwo is returned when an FFT is invoked on a buffer whose
// length is not a power of two. Configuration corrects the FFT size before
// any transform runs, so seeing this error at runtime indicates a
// programming error rather than bad input.
var ErrNotPowerOfTwo = errors.New("dsp: fft length is not a power of two")

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NearestPowerOfTwo returns the power of two closest to n. Ties round up.
// Values below 2 return 2.
func NearestPowerOfTwo(n int) int {
	if n <= 2 {
		return 2
	}
	if IsPowerOfTwo(n) {
		return n
	}
	hi := 1 << bits.Len(uint(n))
	lo := hi >> 1
	if n-lo < hi-n {
		return lo
	}
	return hi
}

// FFT transforms x in place using the iterative radix-2 Cooley-Tukey
// algorithm: a bit-reversal permutation followed by log2(N) butterfly
// stages. The twiddle factor for each stage is recomputed on every call.
func FFT(x []complex64) error {
	n := len(x)
	if !IsPowerOfTwo(n) {
		return fmt.Errorf("%w: %d", ErrNotPowerOfTwo, n)
	}

	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		ang := -2 * math.Pi / float64(size)
		wlen := complex(float32(math.Cos(ang)), float32(math.Sin(ang)))
		half := size / 2
		for start := 0; start < n; start += size {
			w := complex64(1)
			for k := range half {
				u := x[start+k]
				v := x[start+k+half] * w
				x[start+k] = u + v
				x[start+k+half] = u - v
				w *= wlen
			}
		}
	}
	return nil
}

// IFFT computes the inverse transform of x in place as
// conj(FFT(conj(x))) / N.
func IFFT(x []complex64) error {
	for i, v := range x {
		x[i] = conj(v)
	}
	if err := FFT(x); err != nil {
		return err
	}
	scale := float32(len(x))
	for i, v := range x {
		c := conj(v)
		x[i] = complex(real(c)/scale, imag(c)/scale)
	}
	return nil
}

// RealFFT returns the spectrum of a real signal.
func RealFFT(signal []float32) ([]complex64, error) {
	buf := make([]complex64, len(signal))
	for i, s := range signal {
		buf[i] = complex(s, 0)
	}
	if err := FFT(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// InverseRealFFT returns the real part of the inverse transform of spectrum.
func InverseRealFFT(spectrum []complex64) ([]float32, error) {
	buf := make([]complex64, len(spectrum))
	copy(buf, spectrum)
	if err := IFFT(buf); err != nil {
		return nil, err
	}
	out := make([]float32, len(buf))
	for i, v := range buf {
		out[i] = real(v)
	}
	return out, nil
}

func conj(v complex64) complex64 { return complex(real(v), -imag(v)) }
