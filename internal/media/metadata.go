package media

import (
	"context"
	"time"
)

// DefaultMetadataTimeout bounds how long we wait for a clip's duration.
const DefaultMetadataTimeout = 3 * time.Second

// Metadata is the "metadata ready" event for a clip. Known is false when
// the duration could not be determined within the timeout.
type Metadata struct {
	Duration time.Duration
	Known    bool
	Err      error
}

// AwaitMetadata probes clip asynchronously. The returned channel receives
// exactly one Metadata value and is then closed.
func AwaitMetadata(ctx context.Context, prober Prober, clip Clip, timeout time.Duration) <-chan Metadata {
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	out := make(chan Metadata, 1)
	go func() {
		defer close(out)
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result := make(chan Metadata, 1)
		go func() {
			d, err := prober.Probe(probeCtx, clip)
			if err != nil || d <= 0 {
				result <- Metadata{Err: err}
				return
			}
			result <- Metadata{Duration: d, Known: true}
		}()

		select {
		case md := <-result:
			out <- md
		case <-probeCtx.Done():
			out <- Metadata{Err: probeCtx.Err()}
		}
	}()
	return out
}

// ResolveDuration waits for the metadata event and falls back to the
// recorded wall-clock length when the probe fails.
func ResolveDuration(ctx context.Context, prober Prober, clip Clip, timeout time.Duration) (time.Duration, bool) {
	md := <-AwaitMetadata(ctx, prober, clip, timeout)
	if md.Known {
		return md.Duration, true
	}
	return clip.Recorded, false
}
