// Package audio defines the audio I/O ports between the voice session
// and whatever device layer captures and renders sound.
//
// The two abstractions are:
//
//   - [Source] — a microphone-like producer of raw PCM chunks.
//   - [Speaker] — a playback sink with gapless scheduling that
//     distinguishes flushing queued audio from terminal shutdown.
//
// Implementations live outside this repository (the browser client is
// the usual device layer); the interfaces are intentionally narrow so
// the orchestration code stays decoupled from the transport.
//
// Implementations must be safe for concurrent use.
package audio

const (
	// InputSampleRate is the capture rate expected by the speech model:
	// 16 kHz, s16le, mono.
	InputSampleRate = 16000

	// OutputSampleRate is the playback rate of synthesised audio:
	// 24 kHz, s16le, mono.
	OutputSampleRate = 24000
)

// Source produces raw PCM chunks from a microphone-like device.
//
// The Chunks channel is closed when the source ends, either because the
// device stopped or because Close was called. Chunks are mono s16le at
// [InputSampleRate].
type Source interface {
	// Chunks returns the channel delivering captured PCM chunks.
	Chunks() <-chan []byte

	// Close stops capture and closes the Chunks channel. Safe to call
	// more than once.
	Close() error
}

// Speaker renders PCM chunks with gapless scheduling.
//
// Flush and Stop are distinct on purpose: Flush discards everything
// queued but keeps the device open for more Play calls (barge-in);
// Stop is terminal and releases the device.
type Speaker interface {
	// Play enqueues one PCM chunk (mono s16le at [OutputSampleRate]) for
	// playback after everything already queued.
	Play(chunk []byte) error

	// Flush discards all queued and in-flight audio immediately. The
	// speaker remains usable.
	Flush() error

	// Stop halts playback and releases the device. The speaker must not
	// be used afterwards. Safe to call more than once.
	Stop() error
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming
// channel is not needed (e.g. the audio of a session being torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
