package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

var ErrUndecodable = errors.New("audio could not be decoded")

// PCM is single-channel decoded audio.
type PCM struct {
	Samples    []float64
	SampleRate int
}

// Duration is the playback length of the decoded samples.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(p.Samples)) / float64(p.SampleRate) * float64(time.Second))
}

// Decoder turns an encoded clip into mono samples.
type Decoder interface {
	Decode(ctx context.Context, clip Clip) (PCM, error)
}

// Prober reports the duration of an encoded clip.
type Prober interface {
	Probe(ctx context.Context, clip Clip) (time.Duration, error)
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WAVCodec decodes and probes RIFF/WAVE clips in process.
type WAVCodec struct{}

func (WAVCodec) Decode(ctx context.Context, clip Clip) (PCM, error) {
	if !isWAV(clip.Data) {
		return PCM{}, fmt.Errorf("%w: not a wav stream", ErrUndecodable)
	}
	dec := wav.NewDecoder(bytes.NewReader(clip.Data))
	if !dec.IsValidFile() {
		return PCM{}, fmt.Errorf("%w: invalid wav header", ErrUndecodable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err := ctx.Err(); err != nil {
		return PCM{}, err
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	fullScale := math.Pow(2, float64(dec.BitDepth)-1)
	if fullScale <= 0 {
		fullScale = 1
	}

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = sum / float64(channels) / fullScale
	}
	return PCM{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

func (WAVCodec) Probe(_ context.Context, clip Clip) (time.Duration, error) {
	if !isWAV(clip.Data) {
		return 0, fmt.Errorf("%w: not a wav stream", ErrUndecodable)
	}
	dec := wav.NewDecoder(bytes.NewReader(clip.Data))
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return d, nil
}

const ffmpegSampleRate = 16000

// FFmpegCodec shells out to ffmpeg/ffprobe for compressed formats such as
// webm/opus or m4a.
type FFmpegCodec struct {
	FFmpegBinary  string
	FFprobeBinary string
}

func (f FFmpegCodec) Decode(ctx context.Context, clip Clip) (PCM, error) {
	bin := strings.TrimSpace(f.FFmpegBinary)
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(ffmpegSampleRate),
		"-f", "f32le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(clip.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return PCM{}, ctx.Err()
		}
		return PCM{}, fmt.Errorf("%w: ffmpeg: %v: %s", ErrUndecodable, err, strings.TrimSpace(stderr.String()))
	}

	raw := stdout.Bytes()
	samples := make([]float64, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = float64(math.Float32frombits(bits))
	}
	return PCM{Samples: samples, SampleRate: ffmpegSampleRate}, nil
}

func (f FFmpegCodec) Probe(ctx context.Context, clip Clip) (time.Duration, error) {
	bin := strings.TrimSpace(f.FFprobeBinary)
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", "pipe:0") //nolint:gosec
	cmd.Stdin = bytes.NewReader(clip.Data)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v: %s", ErrUndecodable, err, strings.TrimSpace(string(output)))
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0, fmt.Errorf("%w: ffprobe reported duration %q", ErrUndecodable, strings.TrimSpace(string(output)))
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// AutoCodec uses the in-process WAV codec when the clip is WAV and falls
// back to ffmpeg for everything else.
type AutoCodec struct {
	FFmpeg FFmpegCodec
}

func (a AutoCodec) Decode(ctx context.Context, clip Clip) (PCM, error) {
	if isWAV(clip.Data) {
		return WAVCodec{}.Decode(ctx, clip)
	}
	return a.FFmpeg.Decode(ctx, clip)
}

func (a AutoCodec) Probe(ctx context.Context, clip Clip) (time.Duration, error) {
	if isWAV(clip.Data) {
		return WAVCodec{}.Probe(ctx, clip)
	}
	return a.FFmpeg.Probe(ctx, clip)
}
