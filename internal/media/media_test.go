package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/image/tiff"
)

func TestScaledSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1600, 1200, 800, 600},
		{"portrait", 1000, 3000, 267, 800},
		{"square", 4000, 4000, 800, 800},
		{"exact bound", 800, 800, 800, 800},
		{"small", 640, 480, 640, 480},
		{"thin", 10000, 5, 800, 1},
		{"invalid", 0, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ScaledSize(tt.w, tt.h, MaxImageDimension)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("ScaledSize(%d, %d) = %dx%d, want %dx%d", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestScaledSizePreservesAspect(t *testing.T) {
	for w := 801; w < 3000; w += 137 {
		for h := 300; h < 3000; h += 211 {
			outW, outH := ScaledSize(w, h, MaxImageDimension)
			if max(outW, outH) != MaxImageDimension {
				t.Fatalf("%dx%d: max output dimension %d", w, h, max(outW, outH))
			}
			want := float64(w) / float64(h)
			got := float64(outW) / float64(outH)
			// one pixel of rounding on the short side
			tolerance := want / float64(min(outW, outH))
			if math.Abs(got-want) > tolerance+1e-9 {
				t.Fatalf("%dx%d -> %dx%d: aspect %v, want %v", w, h, outW, outH, got, want)
			}
		}
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareImage(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"downscaled", 1200, 900, 800, 600},
		{"kept", 320, 200, 320, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := PrepareImage(bytes.NewReader(encodePNG(t, tt.w, tt.h)))
			if err != nil {
				t.Fatalf("PrepareImage error: %v", err)
			}
			if out.Width != tt.wantW || out.Height != tt.wantH {
				t.Fatalf("got %dx%d, want %dx%d", out.Width, out.Height, tt.wantW, tt.wantH)
			}
			if out.ContentType != "image/jpeg" {
				t.Errorf("unexpected content type %q", out.ContentType)
			}
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Data))
			if err != nil {
				t.Fatalf("output is not jpeg: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Fatalf("encoded %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestPrepareImageAcceptsTIFF(t *testing.T) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1000, 400)), nil); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	out, err := PrepareImage(&buf)
	if err != nil {
		t.Fatalf("PrepareImage error: %v", err)
	}
	if out.ContentType != "image/jpeg" || out.Width != 800 || out.Height != 320 {
		t.Fatalf("got %s %dx%d, want image/jpeg 800x320", out.ContentType, out.Width, out.Height)
	}
	if out.SourceWidth != 1000 || out.SourceHeight != 400 {
		t.Errorf("source size %dx%d, want 1000x400", out.SourceWidth, out.SourceHeight)
	}
}

func TestPrepareImageRejectsGarbage(t *testing.T) {
	_, err := PrepareImage(bytes.NewReader([]byte("definitely not an image")))
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 32},
		{2 * time.Second, 32},
		{10 * time.Second, 40},
		{20 * time.Second, 80},
		{5 * time.Minute, 128},
	}
	for _, tt := range tests {
		if got := BlockCount(tt.d); got != tt.want {
			t.Errorf("BlockCount(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestWaveformSilent(t *testing.T) {
	wf := Waveform(make([]float64, 4000), 32)
	if len(wf) != 32 {
		t.Fatalf("expected 32 blocks, got %d", len(wf))
	}
	for i, v := range wf {
		if math.IsNaN(v) || v != 0 {
			t.Fatalf("block %d = %v, want 0", i, v)
		}
	}
}

func TestWaveformNormalized(t *testing.T) {
	samples := make([]float64, 16000)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(float64(i)/10) * float64(i%4000) / 4000
	}
	samples[12345] = -0.9

	wf := Waveform(samples, 64)
	var highest float64
	for i, v := range wf {
		if v < 0 || v > 1 {
			t.Fatalf("block %d = %v out of [0,1]", i, v)
		}
		highest = math.Max(highest, v)
	}
	if highest != 1.0 {
		t.Fatalf("expected maximum 1.0, got %v", highest)
	}
}

func TestWaveformFewerSamplesThanBlocks(t *testing.T) {
	wf := Waveform([]float64{0.5, -1}, 32)
	if len(wf) != 32 {
		t.Fatalf("expected 32 blocks, got %d", len(wf))
	}
	for _, v := range wf {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Fatalf("unexpected block value %v", v)
		}
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder("audio/webm")
	if _, err := r.Write([]byte("abc")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if _, err := r.Write([]byte("def")); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if string(clip.Data) != "abcdef" || clip.ContentType != "audio/webm" {
		t.Fatalf("unexpected clip: %q %q", clip.Data, clip.ContentType)
	}
	if _, err := r.Write([]byte("x")); !errors.Is(err, ErrRecorderStopped) {
		t.Fatalf("expected ErrRecorderStopped, got %v", err)
	}
	if _, err := r.Stop(); !errors.Is(err, ErrRecorderStopped) {
		t.Fatalf("expected ErrRecorderStopped on second stop, got %v", err)
	}
}

func TestRecorderEmpty(t *testing.T) {
	if _, err := NewRecorder("").Stop(); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

type stubProber struct {
	d     time.Duration
	err   error
	block bool
}

func (s stubProber) Probe(ctx context.Context, _ Clip) (time.Duration, error) {
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return s.d, s.err
}

func TestAwaitMetadata(t *testing.T) {
	tests := []struct {
		name      string
		prober    stubProber
		wantKnown bool
		wantDur   time.Duration
	}{
		{"ready", stubProber{d: 4 * time.Second}, true, 4 * time.Second},
		{"probe error", stubProber{err: ErrUndecodable}, false, 2 * time.Second},
		{"infinite wait", stubProber{block: true}, false, 2 * time.Second},
		{"zero duration", stubProber{}, false, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clip := Clip{Data: []byte("x"), Recorded: 2 * time.Second}
			d, known := ResolveDuration(context.Background(), tt.prober, clip, 30*time.Millisecond)
			if known != tt.wantKnown || d != tt.wantDur {
				t.Fatalf("got (%v, %v), want (%v, %v)", d, known, tt.wantDur, tt.wantKnown)
			}
		})
	}
}

func writeWAV(t *testing.T, samples []int, rate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestWAVCodecExtractWaveform(t *testing.T) {
	const rate = 8000
	samples := make([]int, rate*2)
	for i := range samples {
		samples[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	clip := Clip{Data: writeWAV(t, samples, rate), ContentType: "audio/wav"}

	wf, d, err := ExtractWaveform(context.Background(), AutoCodec{}, clip)
	if err != nil {
		t.Fatalf("ExtractWaveform error: %v", err)
	}
	if d < 1900*time.Millisecond || d > 2100*time.Millisecond {
		t.Fatalf("unexpected duration %v", d)
	}
	if len(wf) != MinWaveformBlocks {
		t.Fatalf("expected %d blocks, got %d", MinWaveformBlocks, len(wf))
	}

	probed, err := WAVCodec{}.Probe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if probed < 1900*time.Millisecond || probed > 2100*time.Millisecond {
		t.Fatalf("unexpected probed duration %v", probed)
	}
}

func TestWAVCodecRejectsNonWAV(t *testing.T) {
	_, err := WAVCodec{}.Decode(context.Background(), Clip{Data: []byte("OggS....")})
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
}
