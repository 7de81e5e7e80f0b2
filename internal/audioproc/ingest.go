package audioproc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hraban/opus"

	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// opusRate is the fixed libopus decoder output rate.
const opusRate = 48000

// LoadFile reads an audio file and returns its samples, source rate and
// channel count. WAV is decoded natively; Ogg Opus files are demuxed and
// their packets delegated to the libopus decoder. Anything else fails
// with AudioDecodeError.
func LoadFile(path string) (samples []float32, rate, channels int, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return loadWAV(path)
	case ".opus", ".ogg":
		return loadOpus(path)
	default:
		return nil, 0, 0, errs.New(errs.AudioDecode, fmt.Sprintf("unsupported audio container %q", filepath.Ext(path)))
	}
}

// LoadFileAsPipeline loads a file and converts it to 16kHz mono.
func LoadFileAsPipeline(path string) ([]float32, error) {
	samples, rate, channels, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	out, err := ToPipelineRate(samples, rate, channels)
	if err != nil {
		return nil, errs.Wrap(errs.AudioDecode, "converting to pipeline rate", err)
	}
	return out, nil
}

func loadWAV(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "opening wav", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, errs.New(errs.AudioDecode, fmt.Sprintf("%s is not a valid WAV file", path))
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "reading wav pcm", err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	scale := float32(int64(1) << (bitDepth - 1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	return samples, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// maxOpusFrameSamples is the largest Opus frame, 120ms at 48kHz.
const maxOpusFrameSamples = 5760

// loadOpus decodes an Ogg Opus file. libopus only decodes bare packets,
// so the Ogg container is demuxed here and each audio packet is fed to
// the decoder; output is always 48kHz with the OpusHead channel count.
func loadOpus(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "opening opus", err)
	}
	defer f.Close()

	packets := newOggPacketReader(f)

	first, err := packets.Next()
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "reading opus header", err)
	}
	head, err := parseOpusHead(first)
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "parsing opus header", err)
	}

	dec, err := opus.NewDecoder(opusRate, head.channels)
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.AudioDecode, "creating opus decoder", err)
	}

	var samples []float32
	pcm := make([]int16, maxOpusFrameSamples*head.channels)

	for {
		packet, err := packets.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, errs.Wrap(errs.AudioDecode, "demuxing opus", err)
		}
		if isOpusTags(packet) {
			continue
		}

		n, err := dec.Decode(packet, pcm)
		if err != nil {
			return nil, 0, 0, errs.Wrap(errs.AudioDecode, "decoding opus packet", err)
		}
		for _, v := range pcm[:n*head.channels] {
			samples = append(samples, float32(v)/32768)
		}
	}

	// Pre-skip counts 48kHz samples per channel of encoder priming to
	// discard from the front of the stream.
	if skip := head.preSkip * head.channels; skip > 0 {
		if skip > len(samples) {
			skip = len(samples)
		}
		samples = samples[skip:]
	}

	return samples, opusRate, head.channels, nil
}
