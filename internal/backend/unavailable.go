package backend

import "github.com/herve-wq/mvpwakascribe/internal/errs"

// unavailableAdapter stands in for a runtime compiled out of this build.
// Selecting it fails at LoadModels, which the registry treats like any
// other load failure: the previous backend stays active.
type unavailableAdapter struct {
	id     ID
	reason string
}

func (u *unavailableAdapter) ID() ID     { return u.id }
func (u *unavailableAdapter) Caps() Caps { return Caps{} }

func (u *unavailableAdapter) LoadModels(string) error {
	return errs.New(errs.ModelLoadFailed, u.reason)
}

func (u *unavailableAdapter) ResetRequestHandles() error {
	return errs.New(errs.ModelLoadFailed, u.reason)
}

func (u *unavailableAdapter) Preprocess([]float32) ([]float32, int, error) {
	return nil, 0, errs.New(errs.InferenceFailed, u.reason)
}

func (u *unavailableAdapter) RunEncoder([]float32, int) ([][]float32, int, error) {
	return nil, 0, errs.New(errs.InferenceFailed, u.reason)
}

func (u *unavailableAdapter) RunDecoder(int32, []float32, []float32) ([]float32, []float32, []float32, error) {
	return nil, nil, nil, errs.New(errs.InferenceFailed, u.reason)
}

func (u *unavailableAdapter) RunJoint([]float32, []float32) ([]float32, error) {
	return nil, errs.New(errs.InferenceFailed, u.reason)
}

func (u *unavailableAdapter) Close() error { return nil }
