//go:build darwin && cgo

// Package coreml provides the low-level cgo bridge to CoreML used by the
// platform-native inference backend. It wraps an Objective-C shim and
// exposes just what the Parakeet graphs need: model loading, tensor
// creation from Go memory, and allocating prediction.
//
// Adapted from gomlx/go-coreml (Apache 2.0),
// https://github.com/gomlx/go-coreml, internal/bridge/bridge.go.
package coreml

/*
#cgo darwin CFLAGS: -fobjc-arc
#cgo darwin LDFLAGS: -framework Foundation -framework CoreML
#include "bridge.h"
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// DType represents a CoreML data type.
type DType int

const (
	DTypeFloat32 DType = C.COREML_DTYPE_FLOAT32
	DTypeFloat16 DType = C.COREML_DTYPE_FLOAT16
	DTypeInt32   DType = C.COREML_DTYPE_INT32
	DTypeInt64   DType = C.COREML_DTYPE_INT64
)

// ComputeUnits specifies which compute units to use.
type ComputeUnits int

const (
	ComputeAll     ComputeUnits = C.COREML_COMPUTE_ALL
	ComputeCPUOnly ComputeUnits = C.COREML_COMPUTE_CPU_ONLY
)

// SetComputeUnits sets the global compute units for subsequent LoadModel
// calls.
func SetComputeUnits(units ComputeUnits) {
	C.coreml_set_compute_units(C.CoreMLComputeUnits(units))
}

// Model represents a loaded CoreML model.
type Model struct {
	handle C.CoreMLModel
}

// LoadModel loads a CoreML model from a compiled .mlmodelc directory.
func LoadModel(path string) (*Model, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	var cerr C.CoreMLError
	handle := C.coreml_load_model(cPath, &cerr)
	if handle == nil {
		return nil, fmt.Errorf("failed to load model: %s", takeError(&cerr))
	}
	return &Model{handle: handle}, nil
}

// Close releases the model resources.
func (m *Model) Close() {
	if m.handle != nil {
		C.coreml_free_model(m.handle)
		m.handle = nil
	}
}

// Tensor represents a multi-dimensional array handed to or received from
// CoreML.
type Tensor struct {
	handle C.CoreMLTensor
}

// NewTensorWithData creates a tensor and copies data into it.
func NewTensorWithData(shape []int64, dtype DType, data unsafe.Pointer) (*Tensor, error) {
	var cerr C.CoreMLError
	var shapePtr *C.int64_t
	if len(shape) > 0 {
		shapePtr = (*C.int64_t)(unsafe.Pointer(&shape[0]))
	}
	handle := C.coreml_tensor_create_with_data(shapePtr, C.int(len(shape)), C.int(dtype), data, &cerr)
	if handle == nil {
		return nil, fmt.Errorf("failed to create tensor: %s", takeError(&cerr))
	}
	return &Tensor{handle: handle}, nil
}

// Close releases the tensor resources.
func (t *Tensor) Close() {
	if t.handle != nil {
		C.coreml_tensor_free(t.handle)
		t.handle = nil
	}
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return int(C.coreml_tensor_rank(t.handle))
}

// Dim returns the size of the given dimension.
func (t *Tensor) Dim(axis int) int64 {
	return int64(C.coreml_tensor_dim(t.handle, C.int(axis)))
}

// DType returns the data type.
func (t *Tensor) DType() DType {
	return DType(C.coreml_tensor_dtype(t.handle))
}

// DataPtr returns an unsafe pointer to the underlying data.
func (t *Tensor) DataPtr() unsafe.Pointer {
	return C.coreml_tensor_data(t.handle)
}

// PredictAllocResult holds the outputs from PredictAlloc.
type PredictAllocResult struct {
	Names   []string
	Tensors []*Tensor
}

// Close releases all output tensors.
func (r *PredictAllocResult) Close() {
	for _, t := range r.Tensors {
		t.Close()
	}
}

// Tensor returns the output with the given name, or nil if not present.
func (r *PredictAllocResult) Tensor(name string) *Tensor {
	for i, n := range r.Names {
		if n == name {
			return r.Tensors[i]
		}
	}
	return nil
}

// PredictAlloc runs inference and returns bridge-allocated output tensors
// with the shapes the model actually produced. The caller must close the
// result.
func (m *Model) PredictAlloc(inputNames []string, inputs []*Tensor) (*PredictAllocResult, error) {
	if len(inputNames) != len(inputs) {
		return nil, fmt.Errorf("input names count (%d) != inputs count (%d)", len(inputNames), len(inputs))
	}

	cInputNames := make([]*C.char, len(inputNames))
	for i, name := range inputNames {
		cInputNames[i] = C.CString(name)
	}
	defer func() {
		for _, name := range cInputNames {
			C.free(unsafe.Pointer(name))
		}
	}()

	cInputs := make([]C.CoreMLTensor, len(inputs))
	for i, t := range inputs {
		cInputs[i] = t.handle
	}

	var cInputNamesPtr **C.char
	var cInputsPtr *C.CoreMLTensor
	if len(inputs) > 0 {
		cInputNamesPtr = (**C.char)(unsafe.Pointer(&cInputNames[0]))
		cInputsPtr = (*C.CoreMLTensor)(unsafe.Pointer(&cInputs[0]))
	}

	var cOutputNames **C.char
	var cOutputs *C.CoreMLTensor
	var numOutputs C.int
	var cerr C.CoreMLError

	ok := C.coreml_model_predict_alloc(
		m.handle,
		cInputNamesPtr,
		cInputsPtr,
		C.int(len(inputs)),
		&cOutputNames,
		&cOutputs,
		&numOutputs,
		&cerr,
	)
	if !ok {
		return nil, fmt.Errorf("prediction failed: %s", takeError(&cerr))
	}

	n := int(numOutputs)
	result := &PredictAllocResult{
		Names:   make([]string, n),
		Tensors: make([]*Tensor, n),
	}

	cNamesSlice := unsafe.Slice((**C.char)(unsafe.Pointer(cOutputNames)), n)
	cTensorsSlice := unsafe.Slice((*C.CoreMLTensor)(unsafe.Pointer(cOutputs)), n)
	for i := 0; i < n; i++ {
		result.Names[i] = C.GoString(cNamesSlice[i])
		C.free(unsafe.Pointer(cNamesSlice[i]))
		result.Tensors[i] = &Tensor{handle: cTensorsSlice[i]}
	}

	// Free the C arrays themselves; their contents are now owned by Go.
	C.free(unsafe.Pointer(cOutputNames))
	C.free(unsafe.Pointer(cOutputs))

	return result, nil
}

// takeError extracts and frees a bridge error message.
func takeError(cerr *C.CoreMLError) string {
	if cerr.message == nil {
		return "unknown error"
	}
	msg := C.GoString(cerr.message)
	C.free(unsafe.Pointer(cerr.message))
	return msg
}
