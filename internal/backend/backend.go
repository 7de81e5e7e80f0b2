// Package backend defines the uniform inference surface over the three
// Parakeet TDT runtimes and the registry that hot-swaps between them.
//
// An Adapter owns the encoder, decoder and joint model handles for one
// runtime. Tensor types never cross this boundary: adapters accept and
// return plain float32 slices and adapt to their runtime at the edge.
package backend

import (
	"github.com/herve-wq/mvpwakascribe/internal/decode"
)

// ID names one of the selectable inference runtimes.
type ID string

const (
	// ONNXRuntime is the CPU/GPU-agnostic optimized runtime.
	ONNXRuntime ID = "onnxruntime"
	// OpenVINO is the cross-platform neural runtime.
	OpenVINO ID = "openvino"
	// CoreML is the platform-native accelerator runtime (darwin only).
	CoreML ID = "coreml"
	// Mock is a scripted in-memory adapter for tests and for hosts that
	// opt into placeholder output when no models are installed.
	Mock ID = "mock"
)

const (
	// MaxAudioSamples is the fixed PCM length every Preprocess call is
	// padded or truncated to: 15s at 16kHz.
	MaxAudioSamples = 240000
	// EncoderHidden is the conformer encoder's output feature size.
	EncoderHidden = 1024
)

// Caps describes what the runtime behind an adapter can honor.
type Caps struct {
	// Beam is false for runtimes whose joint graph only exposes the
	// argmax decision; beam_width > 1 silently falls back to greedy.
	Beam bool
	// CalibratedConfidence is false when per-step softmax values are not
	// introspectable; the engine reports a fixed 0.95 instead.
	CalibratedConfidence bool
	// MultiChunk is false for runtimes that only handle one 15s window
	// per loaded session.
	MultiChunk bool
}

// Adapter is the capability surface every runtime implements.
//
// RunDecoder and RunJoint match the decode package's runner interfaces so
// an Adapter plugs directly into the TDT loop.
type Adapter interface {
	ID() ID
	Caps() Caps

	// LoadModels loads the runtime's model graphs from dir. Fails with
	// errs.ModelsMissing when expected files are absent and
	// errs.ModelLoadFailed when they exist but cannot be initialized.
	LoadModels(dir string) error

	// ResetRequestHandles reinitializes per-request inference state.
	// Called at the start of every transcription to guard against
	// hidden state accumulating inside the runtime.
	ResetRequestHandles() error

	// Preprocess pads or truncates pcm to exactly MaxAudioSamples,
	// passes the true length as a side input, and returns the mel
	// block in [bins*frames] layout plus the valid frame count.
	Preprocess(pcm []float32) (mel []float32, melLength int, err error)

	// RunEncoder consumes Preprocess output and returns one feature
	// slice of length EncoderHidden per valid encoder frame.
	RunEncoder(mel []float32, melLength int) (encFrames [][]float32, encLength int, err error)

	decode.DecoderRunner
	decode.JointRunner

	Close() error
}
