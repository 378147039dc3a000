package audio

import (
	"fmt"
	"math"
	"time"
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond is the data rate of the format at 16 bits per sample.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration converts a PCM byte count in this format to playback time.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes converts a playback duration to the PCM byte count in this format,
// rounded down to a whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// ToMono16k is the format most recognizers and the energy detector expect.
var ToMono16k = Format{SampleRate: 16000, Channels: 1}

// Convert returns frame in the target format. Stereo input is downmixed
// before resampling so the resampler only ever touches one channel. Frames
// already in the target format are returned unchanged.
func Convert(frame AudioFrame, target Format) (AudioFrame, error) {
	if len(frame.Data)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert: odd PCM byte count %d", len(frame.Data))
	}
	if frame.Format() == target {
		return frame, nil
	}
	pcm := frame.Data
	channels := frame.Channels
	switch {
	case channels == 2 && target.Channels == 1:
		pcm = StereoToMono(pcm)
		channels = 1
	case channels == 1 && target.Channels == 2:
		// Upmix after resampling.
	case channels != target.Channels:
		return AudioFrame{}, fmt.Errorf("audio: convert: unsupported channel conversion %s -> %s", frame.Format(), target)
	}
	if frame.SampleRate != target.SampleRate {
		if channels != 1 {
			return AudioFrame{}, fmt.Errorf("audio: convert: stereo resampling is not supported (%s -> %s)", frame.Format(), target)
		}
		pcm = ResampleMono16(pcm, frame.SampleRate, target.SampleRate)
	}
	if channels == 1 && target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   target.Channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8))
		r := int32(int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8))
		avg := int16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(uint16(avg) >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate with linear
// interpolation. Invalid rates leave the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	dst := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		dst[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Int16sToBytes(dst)
}

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(uint16(s) >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return pcm
}

// RMS returns the root-mean-square level of 16-bit PCM normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[i*2])|uint16(pcm[i*2+1])<<8)) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
