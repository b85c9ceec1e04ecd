package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Clip holds decoded PCM scaled to [-1, 1], interleaved by channel.
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float64
}

func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV reads a RIFF/WAVE stream holding integer PCM or 32-bit IEEE
// float samples. Other encodings are rejected.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav file")
	}
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	depth := int(dec.BitDepth)
	if channels < 1 || rate < 1 {
		return Clip{}, fmt.Errorf("wav header declares %d channels at %d Hz", channels, rate)
	}

	isFloat := false
	switch dec.WavAudioFormat {
	case wavFormatPCM:
	case wavFormatFloat:
		if depth != 32 {
			return Clip{}, fmt.Errorf("unsupported %d-bit float wav", depth)
		}
		isFloat = true
	case wavFormatExtensible:
		// the sub-format GUID is not exposed; 32-bit may be float
		if depth != 8 && depth != 16 && depth != 24 {
			return Clip{}, fmt.Errorf("unsupported %d-bit extensible wav", depth)
		}
	default:
		return Clip{}, fmt.Errorf("unsupported wav encoding 0x%04x", dec.WavAudioFormat)
	}
	if depth < 8 || depth > 32 {
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", depth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav pcm: %w", err)
	}
	samples := make([]float64, len(buf.Data))
	if isFloat {
		// the decoder hands back the raw 32-bit words
		for i, v := range buf.Data {
			f := float64(math.Float32frombits(uint32(int32(v))))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Clip{}, errors.New("float wav contains non-finite samples")
			}
			samples[i] = math.Max(-1, math.Min(1, f))
		}
		return Clip{SampleRate: rate, Channels: channels, Samples: samples}, nil
	}

	scale := float64(int64(1) << (depth - 1))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit WAV is unsigned
			v -= 128
		}
		samples[i] = float64(v) / scale
	}
	return Clip{SampleRate: rate, Channels: channels, Samples: samples}, nil
}

func DecodeWAVFile(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer file.Close()
	return DecodeWAV(file)
}

// DecodeMP3 reads an MPEG-1/2 layer III stream. The decoder always yields
// 16-bit stereo.
func DecodeMP3(r io.Reader) (Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, fmt.Errorf("open mp3 stream: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3 stream: %w", err)
	}
	frames := len(raw) / 4
	samples := make([]float64, frames*2)
	for i := range samples {
		v := int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
		samples[i] = float64(v) / 32768
	}
	return Clip{SampleRate: dec.SampleRate(), Channels: 2, Samples: samples}, nil
}

func DecodeMP3File(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer file.Close()
	return DecodeMP3(file)
}

// EncodeWAV writes c as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, c Clip) error {
	if c.Channels < 1 || c.SampleRate < 1 {
		return fmt.Errorf("invalid clip format: %d channels at %d Hz", c.Channels, c.SampleRate)
	}
	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		data[i] = quantize16(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, c.SampleRate, 16, c.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func WriteWAVFile(path string, c Clip) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := EncodeWAV(file, c); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return file.Close()
}

func quantize16(s float64) int {
	v := math.Round(s * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int(v)
}
