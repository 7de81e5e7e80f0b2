//go:build !openvino || !cgo

package backend

// NewOpenVINO returns the OpenVINO adapter on builds without the
// `openvino` tag: selectable, but failing at load time so the registry
// keeps the previous backend active.
func NewOpenVINO() Adapter {
	return &unavailableAdapter{
		id:     OpenVINO,
		reason: "built without OpenVINO support (rebuild with -tags openvino)",
	}
}
