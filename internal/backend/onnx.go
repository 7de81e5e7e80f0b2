package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// ONNX Runtime model graph files. The mel graph is optional: without it
// the adapter falls back to the internal DSP front-end.
const (
	onnxMelFile     = "nemo128.onnx"
	onnxEncoderFile = "encoder-model.onnx"
	onnxDecoderFile = "decoder-model.onnx"
	onnxJointFile   = "joint-model.onnx"
)

var ortInitOnce sync.Once

func initONNXRuntime() error {
	var err error
	ortInitOnce.Do(func() {
		if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		err = ort.InitializeEnvironment()
	})
	if err != nil {
		return err
	}
	if !ort.IsInitialized() {
		return fmt.Errorf("onnxruntime environment not initialized")
	}
	return nil
}

// onnxAdapter runs the Parakeet graphs through ONNX Runtime. Supports the
// full capability set including beam search and multi-chunk requests.
type onnxAdapter struct {
	dir string

	melSession     *ort.DynamicAdvancedSession // nil when using internal DSP
	encoderSession *ort.DynamicAdvancedSession
	decoderSession *ort.DynamicAdvancedSession
	jointSession   *ort.DynamicAdvancedSession

	dsp *dspFrontend
}

// NewONNXRuntime returns an unloaded ONNX Runtime adapter.
func NewONNXRuntime() Adapter {
	return &onnxAdapter{dsp: newDSPFrontend()}
}

func (a *onnxAdapter) ID() ID { return ONNXRuntime }

func (a *onnxAdapter) Caps() Caps {
	return Caps{Beam: true, CalibratedConfidence: true, MultiChunk: true}
}

func (a *onnxAdapter) LoadModels(dir string) error {
	if err := initONNXRuntime(); err != nil {
		return errs.Wrap(errs.ModelLoadFailed, "initializing onnxruntime", err)
	}

	for _, f := range []string{onnxEncoderFile, onnxDecoderFile, onnxJointFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return errs.New(errs.ModelsMissing, fmt.Sprintf("missing %s in %s", f, dir))
		}
	}

	// The three required graphs load concurrently; ordering only matters
	// at inference time.
	var g errgroup.Group
	g.Go(func() error {
		s, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, onnxEncoderFile),
			[]string{"audio_signal", "length"},
			[]string{"outputs", "encoded_lengths"}, nil)
		if err != nil {
			return fmt.Errorf("encoder: %w", err)
		}
		a.encoderSession = s
		return nil
	})
	g.Go(func() error {
		s, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, onnxDecoderFile),
			[]string{"targets", "target_length", "input_states_1", "input_states_2"},
			[]string{"outputs", "output_states_1", "output_states_2"}, nil)
		if err != nil {
			return fmt.Errorf("decoder: %w", err)
		}
		a.decoderSession = s
		return nil
	})
	g.Go(func() error {
		s, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, onnxJointFile),
			[]string{"encoder_outputs", "decoder_outputs"},
			[]string{"outputs"}, nil)
		if err != nil {
			return fmt.Errorf("joint: %w", err)
		}
		a.jointSession = s
		return nil
	})
	g.Go(func() error {
		melPath := filepath.Join(dir, onnxMelFile)
		if _, err := os.Stat(melPath); err != nil {
			slog.Debug("no mel graph, using internal DSP front-end", "dir", dir)
			return nil
		}
		s, err := ort.NewDynamicAdvancedSession(melPath,
			[]string{"waveforms", "waveforms_lens"},
			[]string{"features", "features_lens"}, nil)
		if err != nil {
			return fmt.Errorf("mel: %w", err)
		}
		a.melSession = s
		return nil
	})

	if err := g.Wait(); err != nil {
		a.Close()
		return errs.Wrap(errs.ModelLoadFailed, "loading onnx graphs", err)
	}

	a.dir = dir
	slog.Info("onnxruntime models loaded", "dir", dir, "melGraph", a.melSession != nil)
	return nil
}

// ResetRequestHandles tears down and recreates the sessions so state a
// runtime may have accumulated across calls cannot leak into the next
// request.
func (a *onnxAdapter) ResetRequestHandles() error {
	if a.encoderSession == nil {
		return errs.New(errs.ModelLoadFailed, "backend not loaded")
	}
	dir := a.dir
	a.closeSessions()
	return a.LoadModels(dir)
}

func (a *onnxAdapter) Preprocess(pcm []float32) ([]float32, int, error) {
	padded, audioLen := padPCM(pcm)

	if a.melSession == nil {
		return a.dsp.preprocess(padded, audioLen)
	}

	waveforms, err := ort.NewTensor(ort.NewShape(1, int64(len(padded))), padded)
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating waveforms tensor", err)
	}
	defer waveforms.Destroy()

	lens, err := ort.NewTensor(ort.NewShape(1), []int64{int64(audioLen)})
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating waveforms_lens tensor", err)
	}
	defer lens.Destroy()

	outputs := make([]ort.Value, 2)
	if err := a.melSession.Run([]ort.Value{waveforms, lens}, outputs); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "mel graph", err)
	}
	defer destroyAll(outputs)

	features, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, errs.New(errs.DecodeRuntime, "features output is not float32")
	}
	featLens, ok := outputs[1].(*ort.Tensor[int64])
	if !ok {
		return nil, 0, errs.New(errs.DecodeRuntime, "features_lens output is not int64")
	}

	mel := make([]float32, len(features.GetData()))
	copy(mel, features.GetData())
	return mel, int(featLens.GetData()[0]), nil
}

func (a *onnxAdapter) RunEncoder(mel []float32, melLength int) ([][]float32, int, error) {
	if a.encoderSession == nil {
		return nil, 0, errs.New(errs.ModelLoadFailed, "backend not loaded")
	}
	if melLength == 0 {
		return nil, 0, nil
	}

	frames := len(mel) / melBins
	signal, err := ort.NewTensor(ort.NewShape(1, melBins, int64(frames)), mel)
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating audio_signal tensor", err)
	}
	defer signal.Destroy()

	length, err := ort.NewTensor(ort.NewShape(1), []int64{int64(melLength)})
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating length tensor", err)
	}
	defer length.Destroy()

	outputs := make([]ort.Value, 2)
	if err := a.encoderSession.Run([]ort.Value{signal, length}, outputs); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "encoder graph", err)
	}
	defer destroyAll(outputs)

	encoded, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, errs.New(errs.DecodeRuntime, "encoder output is not float32")
	}
	encLens, ok := outputs[1].(*ort.Tensor[int64])
	if !ok {
		return nil, 0, errs.New(errs.DecodeRuntime, "encoded_lengths output is not int64")
	}

	shape := encoded.GetShape()
	if len(shape) != 3 || shape[1] != EncoderHidden {
		return nil, 0, errs.New(errs.DecodeRuntime, fmt.Sprintf("encoder output shape %v, want [1 %d T]", shape, EncoderHidden))
	}

	encLength := int(encLens.GetData()[0])
	return transposeEncoderOutput(encoded.GetData(), int(shape[2]), encLength), encLength, nil
}

func (a *onnxAdapter) RunDecoder(targetID int32, hIn, cIn []float32) ([]float32, []float32, []float32, error) {
	if a.decoderSession == nil {
		return nil, nil, nil, errs.New(errs.ModelLoadFailed, "backend not loaded")
	}

	targets, err := ort.NewTensor(ort.NewShape(1, 1), []int32{targetID})
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating targets tensor", err)
	}
	defer targets.Destroy()

	targetLen, err := ort.NewTensor(ort.NewShape(1), []int32{1})
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating target_length tensor", err)
	}
	defer targetLen.Destroy()

	h, err := ort.NewTensor(ort.NewShape(lstmLayers, 1, decoderHidden), hIn)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating input_states_1 tensor", err)
	}
	defer h.Destroy()

	c, err := ort.NewTensor(ort.NewShape(lstmLayers, 1, decoderHidden), cIn)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating input_states_2 tensor", err)
	}
	defer c.Destroy()

	outputs := make([]ort.Value, 3)
	if err := a.decoderSession.Run([]ort.Value{targets, targetLen, h, c}, outputs); err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder graph", err)
	}
	defer destroyAll(outputs)

	decOut, err := float32Output(outputs[0], "outputs")
	if err != nil {
		return nil, nil, nil, err
	}
	hOut, err := float32Output(outputs[1], "output_states_1")
	if err != nil {
		return nil, nil, nil, err
	}
	cOut, err := float32Output(outputs[2], "output_states_2")
	if err != nil {
		return nil, nil, nil, err
	}
	return decOut, hOut, cOut, nil
}

func (a *onnxAdapter) RunJoint(encoderFrame, decoderOut []float32) ([]float32, error) {
	if a.jointSession == nil {
		return nil, errs.New(errs.ModelLoadFailed, "backend not loaded")
	}

	enc, err := ort.NewTensor(ort.NewShape(1, EncoderHidden, 1), encoderFrame)
	if err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "creating encoder_outputs tensor", err)
	}
	defer enc.Destroy()

	dec, err := ort.NewTensor(ort.NewShape(1, decoderHidden, 1), decoderOut)
	if err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "creating decoder_outputs tensor", err)
	}
	defer dec.Destroy()

	outputs := make([]ort.Value, 1)
	if err := a.jointSession.Run([]ort.Value{enc, dec}, outputs); err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "joint graph", err)
	}
	defer destroyAll(outputs)

	logits, err := float32Output(outputs[0], "outputs")
	if err != nil {
		return nil, err
	}
	if len(logits) != decode.VocabSize+decode.NumDurationBins {
		return nil, errs.New(errs.DecodeRuntime,
			fmt.Sprintf("joint output has %d logits, want %d", len(logits), decode.VocabSize+decode.NumDurationBins))
	}
	return logits, nil
}

func (a *onnxAdapter) Close() error {
	a.closeSessions()
	return nil
}

func (a *onnxAdapter) closeSessions() {
	for _, s := range []*ort.DynamicAdvancedSession{a.melSession, a.encoderSession, a.decoderSession, a.jointSession} {
		if s != nil {
			s.Destroy()
		}
	}
	a.melSession, a.encoderSession, a.decoderSession, a.jointSession = nil, nil, nil, nil
}

func float32Output(v ort.Value, name string) ([]float32, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, errs.New(errs.DecodeRuntime, fmt.Sprintf("%s output is not float32", name))
	}
	out := make([]float32, len(t.GetData()))
	copy(out, t.GetData())
	return out, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
