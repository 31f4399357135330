package media

import (
	"context"
	"math"
	"time"

	"github.com/alicasapp/backend/internal/models"
)

const (
	MinWaveformBlocks = 32
	MaxWaveformBlocks = 128
	// blocksPerSecond sets how block count grows with duration before clamping.
	blocksPerSecond = 4

	meanWeight = 0.6
	peakWeight = 0.4
)

// BlockCount is the number of waveform samples for a clip of duration d.
func BlockCount(d time.Duration) int {
	n := int(math.Ceil(d.Seconds() * blocksPerSecond))
	return min(max(n, MinWaveformBlocks), MaxWaveformBlocks)
}

// Waveform partitions samples into blocks and summarizes each block as a
// blend of mean absolute amplitude and peak amplitude, normalized to [0,1]
// by the vector's own maximum. Silent input yields all zeros.
func Waveform(samples []float64, blocks int) models.Waveform {
	if blocks <= 0 {
		return nil
	}
	out := make(models.Waveform, blocks)
	if len(samples) == 0 {
		return out
	}

	var highest float64
	for i := 0; i < blocks; i++ {
		start := i * len(samples) / blocks
		end := (i + 1) * len(samples) / blocks
		if end <= start {
			// fewer samples than blocks: reuse the nearest sample
			end = min(start+1, len(samples))
		}

		var sum, peak float64
		for _, s := range samples[start:end] {
			if math.IsNaN(s) || math.IsInf(s, 0) {
				continue
			}
			a := math.Abs(s)
			sum += a
			if a > peak {
				peak = a
			}
		}
		v := meanWeight*(sum/float64(end-start)) + peakWeight*peak
		out[i] = v
		if v > highest {
			highest = v
		}
	}

	if highest == 0 {
		return out
	}
	for i := range out {
		out[i] = math.Min(out[i]/highest, 1)
	}
	return out
}

// ExtractWaveform decodes clip and computes its waveform. Decode failures
// return a nil waveform and the error; callers treat that as the degraded
// duration-only state rather than a send failure.
func ExtractWaveform(ctx context.Context, dec Decoder, clip Clip) (models.Waveform, time.Duration, error) {
	pcm, err := dec.Decode(ctx, clip)
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	d := pcm.Duration()
	return Waveform(pcm.Samples, BlockCount(d)), d, nil
}
