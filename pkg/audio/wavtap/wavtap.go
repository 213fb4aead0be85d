// Package wavtap records pipeline frames to a PCM WAV file.
//
// Samples arrive left-justified in 32 bits and are written at the tap's bit
// depth by dropping the low-order bits.
package wavtap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/uacbridge/pkg/audio"
)

// wavPCM is the WAVE_FORMAT_PCM format tag.
const wavPCM = 1

// ErrClosed is returned by [Recorder.WriteFrame] after [Recorder.Close].
var ErrClosed = errors.New("wavtap: recorder closed")

// Recorder appends frames of one format to a WAV stream. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	enc    *wav.Encoder
	closer io.Closer
	format audio.Format
	shift  uint
	buf    *goaudio.IntBuffer
	frames int64
	closed bool
}

// New writes a WAV stream to w. bitDepth is 16, 24 or 32. The header is
// finalized by [Recorder.Close], which does not close w.
func New(w io.WriteSeeker, format audio.Format, bitDepth int) (*Recorder, error) {
	if format.SampleRate <= 0 || format.Channels < 1 {
		return nil, fmt.Errorf("wavtap: invalid format %v", format)
	}
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("wavtap: unsupported bit depth %d", bitDepth)
	}
	return &Recorder{
		enc:    wav.NewEncoder(w, format.SampleRate, bitDepth, format.Channels, wavPCM),
		format: format,
		shift:  uint(32 - bitDepth),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// Create records to a new file at path, truncating any existing file.
// Close also closes the file.
func Create(path string, format audio.Format, bitDepth int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavtap: create %q: %w", path, err)
	}
	r, err := New(f, format, bitDepth)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// WriteFrame appends f. Frames whose channel count differs from the
// recorder's format are rejected.
func (r *Recorder) WriteFrame(f *audio.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if f.Channels != r.format.Channels {
		return fmt.Errorf("wavtap: frame has %d channels, recording %d", f.Channels, r.format.Channels)
	}
	data := r.buf.Data[:0]
	for _, v := range f.Samples {
		data = append(data, int(v>>r.shift))
	}
	r.buf.Data = data
	if err := r.enc.Write(r.buf); err != nil {
		return fmt.Errorf("wavtap: write: %w", err)
	}
	r.frames += int64(f.Advance)
	return nil
}

// Frames returns the number of time steps written so far.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the WAV header. Calling Close more than once is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.enc.Close()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	if err != nil {
		return fmt.Errorf("wavtap: close: %w", err)
	}
	return nil
}
