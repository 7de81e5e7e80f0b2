//go:build openvino && cgo

package backend

/*
#cgo LDFLAGS: -lopenvino_c
#include <openvino/c/openvino.h>
#include <stdlib.h>

// ov_core_compile_model is variadic; cgo needs a fixed-arity shim.
static ov_status_e compile_model_cpu(ov_core_t* core, ov_model_t* model, ov_compiled_model_t** out) {
	return ov_core_compile_model(core, model, "CPU", 0, out);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// OpenVINO IR model names (FluidInference export). Each is an .xml graph
// with an optional .bin weights file next to it.
const (
	ovMelModel     = "parakeet_melspectogram"
	ovEncoderModel = "parakeet_encoder"
	ovDecoderModel = "parakeet_decoder"
	ovJointModel   = "parakeet_joint"
)

// openvinoAdapter runs the Parakeet IR graphs through the OpenVINO C API.
// The bridge keeps all ov_* handles opaque and copies tensors at the
// boundary, the same way the CoreML bridge does.
type openvinoAdapter struct {
	core *C.ov_core_t

	mel     *ovGraph
	encoder *ovGraph
	decoder *ovGraph
	joint   *ovGraph
}

// ovGraph is one compiled model plus its (re-creatable) infer request.
type ovGraph struct {
	compiled *C.ov_compiled_model_t
	request  *C.ov_infer_request_t
}

// NewOpenVINO returns an unloaded OpenVINO adapter.
func NewOpenVINO() Adapter {
	return &openvinoAdapter{}
}

func (a *openvinoAdapter) ID() ID { return OpenVINO }

func (a *openvinoAdapter) Caps() Caps {
	return Caps{Beam: true, CalibratedConfidence: true, MultiChunk: true}
}

func (a *openvinoAdapter) LoadModels(dir string) error {
	for _, name := range []string{ovMelModel, ovEncoderModel, ovDecoderModel, ovJointModel} {
		if _, err := os.Stat(filepath.Join(dir, name+".xml")); err != nil {
			return errs.New(errs.ModelsMissing, fmt.Sprintf("missing %s.xml in %s", name, dir))
		}
	}

	if status := C.ov_core_create(&a.core); status != C.OK {
		return errs.New(errs.ModelLoadFailed, fmt.Sprintf("ov_core_create: status %d", int(status)))
	}

	load := func(name string) (*ovGraph, error) {
		return a.compileGraph(filepath.Join(dir, name+".xml"))
	}

	var err error
	if a.mel, err = load(ovMelModel); err == nil {
		if a.encoder, err = load(ovEncoderModel); err == nil {
			if a.decoder, err = load(ovDecoderModel); err == nil {
				a.joint, err = load(ovJointModel)
			}
		}
	}
	if err != nil {
		a.Close()
		return errs.Wrap(errs.ModelLoadFailed, "compiling openvino graphs", err)
	}

	slog.Info("openvino models loaded", "dir", dir)
	return nil
}

// ResetRequestHandles recreates every infer request. OpenVINO requests keep
// internal buffers between infer() calls; a fresh request guarantees no
// state crosses transcription boundaries.
func (a *openvinoAdapter) ResetRequestHandles() error {
	for _, g := range []*ovGraph{a.mel, a.encoder, a.decoder, a.joint} {
		if g == nil {
			return errs.New(errs.ModelLoadFailed, "backend not loaded")
		}
		if err := g.recreateRequest(); err != nil {
			return errs.Wrap(errs.InferenceFailed, "recreating infer request", err)
		}
	}
	return nil
}

func (a *openvinoAdapter) Preprocess(pcm []float32) ([]float32, int, error) {
	padded, audioLen := padPCM(pcm)

	if err := a.mel.setF32("input_signals", padded, []int64{1, MaxAudioSamples}); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "mel input", err)
	}
	if err := a.mel.setI64("input_length", []int64{int64(audioLen)}, []int64{1}); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "mel length input", err)
	}
	if err := a.mel.infer(); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "mel graph", err)
	}

	melData, err := a.mel.outputF32(0)
	if err != nil {
		return nil, 0, errs.Wrap(errs.DecodeRuntime, "mel output", err)
	}

	melLength := audioLen / 160
	if maxFrames := len(melData) / melBins; melLength > maxFrames {
		melLength = maxFrames
	}
	return melData, melLength, nil
}

func (a *openvinoAdapter) RunEncoder(melData []float32, melLength int) ([][]float32, int, error) {
	if melLength == 0 {
		return nil, 0, nil
	}
	frames := int64(len(melData) / melBins)

	if err := a.encoder.setF32("melspectogram", melData, []int64{1, melBins, frames}); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "encoder input", err)
	}
	if err := a.encoder.setI64("melspectogram_length", []int64{int64(melLength)}, []int64{1}); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "encoder length input", err)
	}
	if err := a.encoder.infer(); err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "encoder graph", err)
	}

	encoded, err := a.encoder.namedF32("encoder_output")
	if err != nil {
		return nil, 0, errs.Wrap(errs.DecodeRuntime, "encoder output", err)
	}
	lengths, err := a.encoder.namedI64("encoder_output_length")
	if err != nil {
		return nil, 0, errs.Wrap(errs.DecodeRuntime, "encoder length output", err)
	}

	totalFrames := len(encoded) / EncoderHidden
	encLength := int(lengths[0])
	return transposeEncoderOutput(encoded, totalFrames, encLength), encLength, nil
}

func (a *openvinoAdapter) RunDecoder(targetID int32, hIn, cIn []float32) ([]float32, []float32, []float32, error) {
	if err := a.decoder.setI32("targets", []int32{targetID}, []int64{1, 1}); err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder targets", err)
	}
	if err := a.decoder.setF32("h_in", hIn, []int64{lstmLayers, 1, decoderHidden}); err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder h_in", err)
	}
	if err := a.decoder.setF32("c_in", cIn, []int64{lstmLayers, 1, decoderHidden}); err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder c_in", err)
	}
	if err := a.decoder.infer(); err != nil {
		return nil, nil, nil, errs.Wrap(errs.InferenceFailed, "decoder graph", err)
	}

	decOut, err := a.decoder.namedF32("decoder_output")
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.DecodeRuntime, "decoder output", err)
	}
	hOut, err := a.decoder.namedF32("h_out")
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.DecodeRuntime, "decoder h_out", err)
	}
	cOut, err := a.decoder.namedF32("c_out")
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.DecodeRuntime, "decoder c_out", err)
	}
	return decOut, hOut, cOut, nil
}

func (a *openvinoAdapter) RunJoint(encoderFrame, decoderOut []float32) ([]float32, error) {
	if err := a.joint.setF32("encoder_outputs", encoderFrame, []int64{1, EncoderHidden, 1}); err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "joint encoder input", err)
	}
	if err := a.joint.setF32("decoder_outputs", decoderOut, []int64{1, decoderHidden, 1}); err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "joint decoder input", err)
	}
	if err := a.joint.infer(); err != nil {
		return nil, errs.Wrap(errs.InferenceFailed, "joint graph", err)
	}

	logits, err := a.joint.outputF32(0)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeRuntime, "joint output", err)
	}
	if len(logits) != decode.VocabSize+decode.NumDurationBins {
		return nil, errs.New(errs.DecodeRuntime,
			fmt.Sprintf("joint output has %d logits, want %d", len(logits), decode.VocabSize+decode.NumDurationBins))
	}
	return logits, nil
}

func (a *openvinoAdapter) Close() error {
	for _, g := range []*ovGraph{a.mel, a.encoder, a.decoder, a.joint} {
		if g != nil {
			g.free()
		}
	}
	a.mel, a.encoder, a.decoder, a.joint = nil, nil, nil, nil
	if a.core != nil {
		C.ov_core_free(a.core)
		a.core = nil
	}
	return nil
}

// compileGraph reads and compiles one IR graph on CPU and creates its
// first infer request.
func (a *openvinoAdapter) compileGraph(xmlPath string) (*ovGraph, error) {
	cPath := C.CString(xmlPath)
	defer C.free(unsafe.Pointer(cPath))

	var model *C.ov_model_t
	if status := C.ov_core_read_model(a.core, cPath, nil, &model); status != C.OK {
		return nil, fmt.Errorf("read %s: status %d", xmlPath, int(status))
	}
	defer C.ov_model_free(model)

	g := &ovGraph{}
	if status := C.compile_model_cpu(a.core, model, &g.compiled); status != C.OK {
		return nil, fmt.Errorf("compile %s: status %d", xmlPath, int(status))
	}
	if err := g.recreateRequest(); err != nil {
		g.free()
		return nil, err
	}
	return g, nil
}

func (g *ovGraph) recreateRequest() error {
	if g.request != nil {
		C.ov_infer_request_free(g.request)
		g.request = nil
	}
	if status := C.ov_compiled_model_create_infer_request(g.compiled, &g.request); status != C.OK {
		return fmt.Errorf("create infer request: status %d", int(status))
	}
	return nil
}

func (g *ovGraph) free() {
	if g.request != nil {
		C.ov_infer_request_free(g.request)
		g.request = nil
	}
	if g.compiled != nil {
		C.ov_compiled_model_free(g.compiled)
		g.compiled = nil
	}
}

func (g *ovGraph) infer() error {
	if status := C.ov_infer_request_infer(g.request); status != C.OK {
		return fmt.Errorf("infer: status %d", int(status))
	}
	return nil
}

// setTensor writes data into the named input tensor, creating it with the
// given shape and element type.
func (g *ovGraph) setTensor(name string, etype C.ov_element_type_e, dims []int64, data unsafe.Pointer, bytes int) error {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var shape C.ov_shape_t
	if status := C.ov_shape_create(C.int64_t(len(dims)), (*C.int64_t)(unsafe.Pointer(&dims[0])), &shape); status != C.OK {
		return fmt.Errorf("shape for %s: status %d", name, int(status))
	}
	defer C.ov_shape_free(&shape)

	var tensor *C.ov_tensor_t
	if status := C.ov_tensor_create_from_host_ptr(etype, shape, data, &tensor); status != C.OK {
		return fmt.Errorf("tensor for %s: status %d", name, int(status))
	}
	defer C.ov_tensor_free(tensor)

	if status := C.ov_infer_request_set_tensor(g.request, cName, tensor); status != C.OK {
		return fmt.Errorf("set %s: status %d", name, int(status))
	}
	_ = bytes
	return nil
}

func (g *ovGraph) setF32(name string, data []float32, dims []int64) error {
	return g.setTensor(name, C.F32, dims, unsafe.Pointer(&data[0]), len(data)*4)
}

func (g *ovGraph) setI64(name string, data []int64, dims []int64) error {
	return g.setTensor(name, C.I64, dims, unsafe.Pointer(&data[0]), len(data)*8)
}

func (g *ovGraph) setI32(name string, data []int32, dims []int64) error {
	return g.setTensor(name, C.I32, dims, unsafe.Pointer(&data[0]), len(data)*4)
}

// namedTensor fetches an output tensor by name and copies its contents.
func (g *ovGraph) namedTensor(name string) (*C.ov_tensor_t, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var tensor *C.ov_tensor_t
	if status := C.ov_infer_request_get_tensor(g.request, cName, &tensor); status != C.OK {
		return nil, fmt.Errorf("get %s: status %d", name, int(status))
	}
	return tensor, nil
}

func (g *ovGraph) namedF32(name string) ([]float32, error) {
	tensor, err := g.namedTensor(name)
	if err != nil {
		return nil, err
	}
	defer C.ov_tensor_free(tensor)
	return copyTensorF32(tensor)
}

func (g *ovGraph) namedI64(name string) ([]int64, error) {
	tensor, err := g.namedTensor(name)
	if err != nil {
		return nil, err
	}
	defer C.ov_tensor_free(tensor)

	n, data, err := tensorData(tensor)
	if err != nil {
		return nil, err
	}
	src := unsafe.Slice((*int64)(data), n)
	out := make([]int64, n)
	copy(out, src)
	return out, nil
}

func (g *ovGraph) outputF32(index int) ([]float32, error) {
	var tensor *C.ov_tensor_t
	if status := C.ov_infer_request_get_output_tensor_by_index(g.request, C.size_t(index), &tensor); status != C.OK {
		return nil, fmt.Errorf("output %d: status %d", index, int(status))
	}
	defer C.ov_tensor_free(tensor)
	return copyTensorF32(tensor)
}

func copyTensorF32(tensor *C.ov_tensor_t) ([]float32, error) {
	n, data, err := tensorData(tensor)
	if err != nil {
		return nil, err
	}
	src := unsafe.Slice((*float32)(data), n)
	out := make([]float32, n)
	copy(out, src)
	return out, nil
}

func tensorData(tensor *C.ov_tensor_t) (int, unsafe.Pointer, error) {
	var size C.size_t
	if status := C.ov_tensor_get_size(tensor, &size); status != C.OK {
		return 0, nil, fmt.Errorf("tensor size: status %d", int(status))
	}
	var data unsafe.Pointer
	if status := C.ov_tensor_data(tensor, &data); status != C.OK {
		return 0, nil, fmt.Errorf("tensor data: status %d", int(status))
	}
	return int(size), data, nil
}
