package audio

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

// FormatPCM is the fmt-chunk audio format tag for uncompressed PCM
const FormatPCM = 1

// ErrNotWave reports a payload that does not start with a RIFF/WAVE header
var ErrNotWave = errors.New("payload is not a RIFF/WAVE stream")

// Info describes a RIFF/WAVE payload without decoding any samples
type Info struct {
	Format        int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataBytes     int
}

// Duration returns the playing time of the data chunk
func (i Info) Duration() time.Duration {
	bytesPerSecond := i.SampleRate * i.Channels * i.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(i.DataBytes) / float64(bytesPerSecond) * float64(time.Second))
}

// Probe reads the wave headers of b and returns the format and data
// chunk size. No samples are decoded. A data chunk whose declared size
// runs past the buffer is clamped to the bytes actually present.
func Probe(b []byte) (Info, error) {
	r := bytes.NewReader(b)
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Info{}, ErrNotWave
	}

	info := Info{
		Format:        int(d.WavAudioFormat),
		Channels:      int(d.NumChans),
		SampleRate:    int(d.SampleRate),
		BitsPerSample: int(d.BitDepth),
	}

	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("wave data chunk: %w", err)
	}
	size := int(d.PCMLen())
	if left := r.Len(); size > left {
		size = left
	}
	info.DataBytes = size
	return info, nil
}
