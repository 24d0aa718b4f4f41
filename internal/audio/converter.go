package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesToFloat32 decodes little-endian float32 PCM into samples
func BytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length %d is not a multiple of %d (float32 samples)", len(data), BytesPerSample)
	}

	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*BytesPerSample:]))
	}
	return samples, nil
}

// Float32ToBytes encodes samples as little-endian float32 PCM
func Float32ToBytes(samples []float32) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(data[i*BytesPerSample:], math.Float32bits(sample))
	}
	return data
}

// Float32ToPCM16 converts float samples in [-1, 1] to 16-bit linear PCM values.
// Out of range input is clipped.
func Float32ToPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, sample := range samples {
		switch {
		case sample > 1:
			sample = 1
		case sample < -1:
			sample = -1
		case sample != sample: // NaN
			sample = 0
		}
		out[i] = int(sample * math.MaxInt16)
	}
	return out
}

// Duration returns how long byteLen bytes of mono float32 PCM play at sampleRate
func Duration(byteLen int64, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := byteLen / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeMulaw encodes little-endian 16-bit PCM as G.711 μ-law, one byte per
// sample. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
func linearToMulaw(sample int16) byte {
	const (
		clip = 32635
		bias = 0x84
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 7
	segment := byte(7)
	for mask := int32(0x4000); magnitude&mask == 0 && segment > 0; mask >>= 1 {
		segment--
	}

	mantissa := byte(magnitude>>(segment+3)) & 0x0F
	return ^(sign | segment<<4 | mantissa)
}
