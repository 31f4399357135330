package media

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var (
	ErrEmptyRecording  = errors.New("recording is empty")
	ErrRecorderStopped = errors.New("recorder already stopped")
)

// Clip is a finished voice capture.
type Clip struct {
	Data        []byte
	ContentType string
	// Recorded is the wall-clock capture time, used when no decoder can
	// report the real duration.
	Recorded time.Duration
}

// Recorder accumulates captured audio chunks into a single clip. It is an
// io.Writer so a capture source can be copied straight into it.
type Recorder struct {
	contentType string
	now         func() time.Time

	mu      sync.Mutex
	buf     bytes.Buffer
	started time.Time
	stopped bool
}

func NewRecorder(contentType string) *Recorder {
	if contentType == "" {
		contentType = "audio/wav"
	}
	r := &Recorder{contentType: contentType, now: time.Now}
	r.started = r.now()
	return r
}

// Write appends one captured chunk.
func (r *Recorder) Write(chunk []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, ErrRecorderStopped
	}
	return r.buf.Write(chunk)
}

// Elapsed is the time since capture started; it drives the recording tick.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.started)
}

// Stop ends the capture and returns the accumulated clip.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return Clip{}, ErrRecorderStopped
	}
	r.stopped = true
	if r.buf.Len() == 0 {
		return Clip{}, ErrEmptyRecording
	}
	data := make([]byte, r.buf.Len())
	copy(data, r.buf.Bytes())
	return Clip{Data: data, ContentType: r.contentType, Recorded: r.now().Sub(r.started)}, nil
}
