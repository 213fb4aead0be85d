package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Supported sub-slot sizes in bytes.
const (
	Subslot16 = 2
	Subslot24 = 3
	Subslot32 = 4
)

// SubslotFromBitDepth maps a resolution in bits to the number of bytes used to
// carry one sample on the wire. ok is false for unsupported depths, in which
// case the 2-byte container is returned so callers running without contract
// checks still get a usable geometry.
func SubslotFromBitDepth(bits int) (size int, ok bool) {
	switch bits {
	case 16, 24, 32:
		return bits / 8, true
	default:
		return Subslot16, false
	}
}

// UnpackSample decodes one little-endian signed sub-slot into a left-justified
// 32-bit sample. 16-bit values are shifted up by 16, 24-bit values by 8.
func UnpackSample(b []byte, size int) int32 {
	switch size {
	case Subslot16:
		return int32(int16(binary.LittleEndian.Uint16(b))) << 16
	case Subslot24:
		return int32(uint32(b[0])<<8 | uint32(b[1])<<16 | uint32(b[2])<<24)
	default:
		return int32(binary.LittleEndian.Uint32(b))
	}
}

// PackSample encodes a left-justified 32-bit sample into a little-endian
// sub-slot, truncating the low-order bits that do not fit.
func PackSample(b []byte, size int, v int32) {
	switch size {
	case Subslot16:
		binary.LittleEndian.PutUint16(b, uint16(v>>16))
	case Subslot24:
		u := uint32(v)
		b[0] = byte(u >> 8)
		b[1] = byte(u >> 16)
		b[2] = byte(u >> 24)
	default:
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// Unpack decodes len(src)/size sub-slots into dst and returns the number of
// samples written, bounded by len(dst).
func Unpack(dst []int32, src []byte, size int) int {
	n := min(len(src)/size, len(dst))
	for i := range n {
		dst[i] = UnpackSample(src[i*size:], size)
	}
	return n
}

// Pack encodes src into dst as sub-slots of the given size and returns the
// number of bytes written, bounded by len(dst).
func Pack(dst []byte, src []int32, size int) int {
	n := min(len(dst)/size, len(src))
	for i := range n {
		PackSample(dst[i*size:], size, src[i])
	}
	return n * size
}

// EncodeFrame serializes f into a frame-exchange blob of
// Advance*Channels*size bytes. dst is reused when large enough.
func EncodeFrame(dst []byte, f *Frame, size int) []byte {
	need := len(f.Samples) * size
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	Pack(dst, f.Samples, size)
	return dst
}

// DecodeFrame fills f from a frame-exchange blob. It returns an error when the
// blob length does not match the frame geometry; f is left zeroed in that case.
func DecodeFrame(f *Frame, src []byte, size int) error {
	if want := len(f.Samples) * size; len(src) != want {
		f.Clear()
		return fmt.Errorf("audio: frame blob is %d bytes, want %d", len(src), want)
	}
	Unpack(f.Samples, src, size)
	return nil
}

// RemapChannels copies interleaved samples from src (srcCh channels) into dst
// (dstCh channels) for min(len(src)/srcCh, len(dst)/dstCh) time steps.
//
// Mapping: a mono destination receives the average of all source channels;
// otherwise destination channel c takes source channel c, wrapping around
// when the source has fewer channels (mono is duplicated to every output).
// Extra source channels are dropped. Returns the number of time steps copied.
func RemapChannels(dst []int32, dstCh int, src []int32, srcCh int) int {
	if dstCh <= 0 || srcCh <= 0 {
		return 0
	}
	steps := min(len(src)/srcCh, len(dst)/dstCh)
	if dstCh == srcCh {
		copy(dst, src[:steps*srcCh])
		return steps
	}
	for t := range steps {
		in := src[t*srcCh : (t+1)*srcCh]
		out := dst[t*dstCh : (t+1)*dstCh]
		if dstCh == 1 {
			var sum int64
			for _, s := range in {
				sum += int64(s)
			}
			out[0] = int32(sum / int64(srcCh))
			continue
		}
		for c := range out {
			out[c] = in[c%srcCh]
		}
	}
	return steps
}

// Saturate clamps a 64-bit accumulator into the int32 range.
func Saturate(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// String returns a human-readable format such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
