//go:build darwin && cgo

package backend

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/herve-wq/mvpwakascribe/internal/coreml"
	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// CoreML model bundle files (FluidInference export).
const (
	cmPreprocessorFile = "Preprocessor.mlmodelc"
	cmEncoderFile      = "Encoder.mlmodelc"
	cmDecoderFile      = "Decoder.mlmodelc"
	cmJointFile        = "JointDecision.mlmodelc"
)

// coremlAdapter runs the Parakeet graphs on the Apple Neural Engine. The
// JointDecision graph argmaxes in-graph and only exposes the chosen token
// and duration, so beam search and calibrated confidence are unavailable
// and RunJoint synthesizes a one-hot logits vector from the decision.
type coremlAdapter struct {
	preprocessor *coreml.Model
	encoder      *coreml.Model
	decoder      *coreml.Model
	joint        *coreml.Model
}

// NewCoreML returns an unloaded CoreML adapter.
func NewCoreML() Adapter {
	return &coremlAdapter{}
}

func (a *coremlAdapter) ID() ID { return CoreML }

func (a *coremlAdapter) Caps() Caps {
	return Caps{Beam: false, CalibratedConfidence: false, MultiChunk: false}
}

func (a *coremlAdapter) LoadModels(dir string) error {
	for _, f := range []string{cmPreprocessorFile, cmEncoderFile, cmDecoderFile, cmJointFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return errs.New(errs.ModelsMissing, fmt.Sprintf("missing %s in %s", f, dir))
		}
	}

	// The mel graph runs faster on CPU; the rest prefers the ANE.
	coreml.SetComputeUnits(coreml.ComputeCPUOnly)
	preprocessor, err := coreml.LoadModel(filepath.Join(dir, cmPreprocessorFile))
	if err != nil {
		return errs.Wrap(errs.ModelLoadFailed, "loading preprocessor", err)
	}

	coreml.SetComputeUnits(coreml.ComputeAll)
	encoder, err := coreml.LoadModel(filepath.Join(dir, cmEncoderFile))
	if err != nil {
		preprocessor.Close()
		return errs.Wrap(errs.ModelLoadFailed, "loading encoder", err)
	}
	decoder, err := coreml.LoadModel(filepath.Join(dir, cmDecoderFile))
	if err != nil {
		preprocessor.Close()
		encoder.Close()
		return errs.Wrap(errs.ModelLoadFailed, "loading decoder", err)
	}
	joint, err := coreml.LoadModel(filepath.Join(dir, cmJointFile))
	if err != nil {
		preprocessor.Close()
		encoder.Close()
		decoder.Close()
		return errs.Wrap(errs.ModelLoadFailed, "loading joint", err)
	}

	a.preprocessor, a.encoder, a.decoder, a.joint = preprocessor, encoder, decoder, joint
	slog.Info("coreml models loaded", "dir", dir)
	return nil
}

// ResetRequestHandles is a no-op: CoreML predictions are stateless per
// call and the handles carry no request-scoped buffers.
func (a *coremlAdapter) ResetRequestHandles() error {
	if a.encoder == nil {
		return errs.New(errs.ModelLoadFailed, "backend not loaded")
	}
	return nil
}

func (a *coremlAdapter) Preprocess(pcm []float32) ([]float32, int, error) {
	padded, audioLen := padPCM(pcm)

	audioTensor, err := coreml.NewTensorWithData(
		[]int64{1, int64(len(padded))}, coreml.DTypeFloat32, unsafe.Pointer(&padded[0]))
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating audio_signal tensor", err)
	}
	defer audioTensor.Close()

	lenData := []int32{int32(audioLen)}
	lenTensor, err := coreml.NewTensorWithData(
		[]int64{1}, coreml.DTypeInt32, unsafe.Pointer(&lenData[0]))
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating audio_length tensor", err)
	}
	defer lenTensor.Close()

	result, err := a.preprocessor.PredictAlloc(
		[]string{"audio_length", "audio_signal"},
		[]*coreml.Tensor{lenTensor, audioTensor})
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "preprocessor", err)
	}
	defer result.Close()

	melTensor := firstFloatTensor(result)
	if melTensor == nil {
		return nil, 0, errs.New(errs.DecodeRuntime, fmt.Sprintf("no mel output tensor (got %v)", result.Names))
	}

	mel := copyTensorFloats(melTensor)
	melLength := audioLen / 160
	if maxFrames := len(mel) / melBins; melLength > maxFrames {
		melLength = maxFrames
	}
	return mel, melLength, nil
}

func (a *coremlAdapter) RunEncoder(melData []float32, melLength int) ([][]float32, int, error) {
	if melLength == 0 {
		return nil, 0, nil
	}
	frames := len(melData) / melBins

	melTensor, err := coreml.NewTensorWithData(
		[]int64{1, melBins, int64(frames)}, coreml.DTypeFloat32, unsafe.Pointer(&melData[0]))
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating mel tensor", err)
	}
	defer melTensor.Close()

	lenData := []int32{int32(melLength)}
	lenTensor, err := coreml.NewTensorWithData(
		[]int64{1}, coreml.DTypeInt32, unsafe.Pointer(&lenData[0]))
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "creating mel length tensor", err)
	}
	defer lenTensor.Close()

	result, err := a.encoder.PredictAlloc(
		[]string{"melspectogram", "melspectogram_length"},
		[]*coreml.Tensor{melTensor, lenTensor})
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "encoder", err)
	}
	defer result.Close()

	encTensor := result.Tensor("encoder")
	if encTensor == nil {
		encTensor = firstFloatTensor(result)
	}
	if encTensor == nil || encTensor.Rank() != 3 {
		return nil, 0, errs.New(errs.DecodeRuntime, fmt.Sprintf("unexpected encoder outputs %v", result.Names))
	}

	totalFrames := int(encTensor.Dim(2))
	encLength := totalFrames
	if lt := result.Tensor("encoder_length"); lt != nil && lt.DType() == coreml.DTypeInt32 {
		encLength = int(*(*int32)(lt.DataPtr()))
	}

	return transposeEncoderOutput(copyTensorFloats(encTensor), totalFrames, encLength), encLength, nil
}

func (a *coremlAdapter) RunDecoder(targetID int32, hIn, cIn []float32) ([]float32, []float32, []float32, error) {
	targets := []int32{targetID}
	targetsTensor, err := coreml.NewTensorWithData(
		[]int64{1, 1}, coreml.DTypeInt32, unsafe.Pointer(&targets[0]))
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating targets tensor", err)
	}
	defer targetsTensor.Close()

	targetLen := []int32{1}
	targetLenTensor, err := coreml.NewTensorWithData(
		[]int64{1}, coreml.DTypeInt32, unsafe.Pointer(&targetLen[0]))
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating target_length tensor", err)
	}
	defer targetLenTensor.Close()

	hTensor, err := coreml.NewTensorWithData(
		[]int64{lstmLayers, 1, decoderHidden}, coreml.DTypeFloat32, unsafe.Pointer(&hIn[0]))
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating h_in tensor", err)
	}
	defer hTensor.Close()

	cTensor, err := coreml.NewTensorWithData(
		[]int64{lstmLayers, 1, decoderHidden}, coreml.DTypeFloat32, unsafe.Pointer(&cIn[0]))
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "creating c_in tensor", err)
	}
	defer cTensor.Close()

	result, err := a.decoder.PredictAlloc(
		[]string{"c_in", "h_in", "target_length", "targets"},
		[]*coreml.Tensor{cTensor, hTensor, targetLenTensor, targetsTensor})
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder", err)
	}
	defer result.Close()

	decTensor := result.Tensor("decoder")
	hOutTensor := result.Tensor("h_out")
	cOutTensor := result.Tensor("c_out")
	if decTensor == nil || hOutTensor == nil || cOutTensor == nil {
		return nil, nil, nil, errs.New(errs.DecodeRuntime, fmt.Sprintf("missing decoder outputs (got %v)", result.Names))
	}

	return copyTensorFloats(decTensor), copyTensorFloats(hOutTensor), copyTensorFloats(cOutTensor), nil
}

// RunJoint runs the JointDecision graph and widens its (token, duration)
// argmax back into a logits vector: the chosen entries get a large logit,
// everything else zero. Temperature and blank penalty therefore cannot
// change the decision on this backend.
func (a *coremlAdapter) RunJoint(encoderFrame, decoderOut []float32) ([]float32, error) {
	encTensor, err := coreml.NewTensorWithData(
		[]int64{1, EncoderHidden, 1}, coreml.DTypeFloat32, unsafe.Pointer(&encoderFrame[0]))
	if err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "creating encoder_step tensor", err)
	}
	defer encTensor.Close()

	decTensor, err := coreml.NewTensorWithData(
		[]int64{1, decoderHidden, 1}, coreml.DTypeFloat32, unsafe.Pointer(&decoderOut[0]))
	if err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "creating decoder_step tensor", err)
	}
	defer decTensor.Close()

	result, err := a.joint.PredictAlloc(
		[]string{"decoder_step", "encoder_step"},
		[]*coreml.Tensor{decTensor, encTensor})
	if err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "joint", err)
	}
	defer result.Close()

	tokenTensor := result.Tensor("token_id")
	durTensor := result.Tensor("duration")
	if tokenTensor == nil || durTensor == nil {
		return nil, errs.New(errs.DecodeRuntime, fmt.Sprintf("missing joint outputs (got %v)", result.Names))
	}

	tokenID := int(*(*int32)(tokenTensor.DataPtr()))
	duration := int(*(*int32)(durTensor.DataPtr()))
	if tokenID < 0 || tokenID >= decode.VocabSize {
		tokenID = decode.BlankID
	}
	if duration < 0 {
		duration = 0
	}
	if duration >= decode.NumDurationBins {
		duration = decode.NumDurationBins - 1
	}

	const decisionLogit = 1e4
	logits := make([]float32, decode.VocabSize+decode.NumDurationBins)
	logits[tokenID] = decisionLogit
	logits[decode.VocabSize+duration] = decisionLogit
	return logits, nil
}

func (a *coremlAdapter) Close() error {
	for _, m := range []*coreml.Model{a.preprocessor, a.encoder, a.decoder, a.joint} {
		if m != nil {
			m.Close()
		}
	}
	a.preprocessor, a.encoder, a.decoder, a.joint = nil, nil, nil, nil
	return nil
}

// firstFloatTensor returns the first float-typed output in a result.
func firstFloatTensor(r *coreml.PredictAllocResult) *coreml.Tensor {
	for _, t := range r.Tensors {
		if t.DType() == coreml.DTypeFloat32 || t.DType() == coreml.DTypeFloat16 {
			return t
		}
	}
	return nil
}

// copyTensorFloats copies a tensor's contents to a float32 slice, widening
// float16 storage on the way out.
func copyTensorFloats(t *coreml.Tensor) []float32 {
	n := 1
	for i := 0; i < t.Rank(); i++ {
		n *= int(t.Dim(i))
	}

	out := make([]float32, n)
	if t.DType() == coreml.DTypeFloat16 {
		src := unsafe.Slice((*uint16)(t.DataPtr()), n)
		for i, v := range src {
			out[i] = float16ToFloat32(v)
		}
		return out
	}
	src := unsafe.Slice((*float32)(t.DataPtr()), n)
	copy(out, src)
	return out
}

// float16ToFloat32 widens an IEEE 754 half-precision value.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			exp = 1
			for frac&0x400 == 0 {
				frac <<= 1
				exp--
			}
			frac &= 0x3ff
			f = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
		}
	case 0x1f:
		f = (sign << 31) | (0xff << 23) | (frac << 13)
	default:
		f = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
