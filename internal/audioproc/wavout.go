package audioproc

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SaveWAV writes 16kHz mono float samples as a 16-bit PCM WAV file. Used to
// persist dictation takes for replay and debugging.
func SaveWAV(path string, samples []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audioproc: creating %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, TargetRate, 16, 1, 1)

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: TargetRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		v := int(s * 32767)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		buf.Data[i] = v
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audioproc: writing samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audioproc: finalizing wav: %w", err)
	}
	return nil
}
